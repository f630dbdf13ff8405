package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/raywall/fast-webhook-pipeline/pkg/awsconf"
	"github.com/raywall/fast-webhook-pipeline/pkg/config"
)

// NewFromConfig monta o resolvedor usado por env.* nos templates e pelas chaves de assinatura.
func NewFromConfig(ctx context.Context, cfg config.SecretsConf) (Resolver, error) {
	var base Resolver

	switch cfg.Provider {
	case "", "env":
		return EnvResolver{Prefix: cfg.Prefix}, nil

	case "ssm":
		awsCfg, err := awsconf.Get(ctx, cfg.Region)
		if err != nil {
			return nil, fmt.Errorf("falha ao carregar config AWS: %w", err)
		}
		base = NewSSMResolver(ssm.NewFromConfig(awsCfg), cfg.Prefix)

	case "secretsmanager":
		awsCfg, err := awsconf.Get(ctx, cfg.Region)
		if err != nil {
			return nil, fmt.Errorf("falha ao carregar config AWS: %w", err)
		}
		base = NewSecretsManagerResolver(secretsmanager.NewFromConfig(awsCfg), cfg.Prefix)

	default:
		return nil, fmt.Errorf("provider de secrets desconhecido: %s", cfg.Provider)
	}

	return NewCachedResolver(base, cfg.GetCacheTTL()), nil
}

// NewConfigInjector cria o injetor usado no carregamento do YAML da engine.
// SSM e Secrets Manager são resolvidos sob demanda, só quando o YAML os referencia.
func NewConfigInjector(region string) *Injector {
	lazySSM := ResolverFunc(func(ctx context.Context, name string) (string, error) {
		awsCfg, err := awsconf.Get(ctx, region)
		if err != nil {
			return "", err
		}
		return NewSSMResolver(ssm.NewFromConfig(awsCfg), "").Resolve(ctx, name)
	})
	lazySecret := ResolverFunc(func(ctx context.Context, name string) (string, error) {
		awsCfg, err := awsconf.Get(ctx, region)
		if err != nil {
			return "", err
		}
		return NewSecretsManagerResolver(secretsmanager.NewFromConfig(awsCfg), "").Resolve(ctx, name)
	})
	return NewInjector(EnvResolver{}, lazySSM, lazySecret)
}
