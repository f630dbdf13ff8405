// Package secrets resolve valores sensíveis usados em templates (env.NOME), chaves de
// assinatura e interpolações ${...} da configuração.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// Resolver devolve o valor de um segredo. Nome inexistente devolve "" sem erro.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// ResolverFunc adapta uma função para Resolver.
type ResolverFunc func(ctx context.Context, name string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, name string) (string, error) { return f(ctx, name) }

// --- Variáveis de ambiente ---

type EnvResolver struct {
	Prefix string
}

func (r EnvResolver) Resolve(_ context.Context, name string) (string, error) {
	val, _ := os.LookupEnv(r.Prefix + name)
	return val, nil
}

// --- AWS SSM Parameter Store ---

// SSMClient define a interface necessária (permite Mocking)
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type SSMResolver struct {
	client SSMClient
	prefix string
}

// NewSSMResolver cria um resolvedor. prefix é concatenado ao nome (ex: "/webhooks/prod/").
func NewSSMResolver(client SSMClient, prefix string) *SSMResolver {
	return &SSMResolver{client: client, prefix: prefix}
}

func (r *SSMResolver) Resolve(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(r.prefix + name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("falha ao ler parâmetro SSM: %w", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", nil
	}
	return *out.Parameter.Value, nil
}

// --- AWS Secrets Manager ---

type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type SecretsManagerResolver struct {
	client SecretsManagerClient
	prefix string
}

func NewSecretsManagerResolver(client SecretsManagerClient, prefix string) *SecretsManagerResolver {
	return &SecretsManagerResolver{client: client, prefix: prefix}
}

// Resolve aceita "nome" ou "nome#campo" para segredos armazenados como JSON.
func (r *SecretsManagerResolver) Resolve(ctx context.Context, name string) (string, error) {
	secretID, field, hasField := strings.Cut(name, "#")

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(r.prefix + secretID),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("falha ao ler secret: %w", err)
	}
	if out.SecretString == nil {
		return "", nil
	}
	if !hasField {
		return *out.SecretString, nil
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(*out.SecretString), &doc); err != nil {
		return "", fmt.Errorf("secret %s não é JSON: %w", secretID, err)
	}
	val, ok := doc[field]
	if !ok || val == nil {
		return "", nil
	}
	return fmt.Sprintf("%v", val), nil
}

// --- Cache ---

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// CachedResolver evita uma chamada remota por entrega.
type CachedResolver struct {
	next    Resolver
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewCachedResolver(next Resolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		next:    next,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *CachedResolver) Resolve(ctx context.Context, name string) (string, error) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.value, nil
	}

	val, err := c.next.Resolve(ctx, name)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[name] = cacheEntry{value: val, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return val, nil
}
