// Package awsconf compartilha a configuração do SDK AWS entre os clientes da engine.
package awsconf

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

var (
	mu      sync.Mutex
	configs = map[string]aws.Config{}
	loader  = config.LoadDefaultConfig
)

// Get devolve a configuração AWS da região, carregada uma única vez por processo.
// region vazia usa a cadeia padrão do SDK (AWS_REGION, profile, IMDS).
func Get(ctx context.Context, region string) (aws.Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if cfg, ok := configs[region]; ok {
		return cfg, nil
	}

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := loader(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	configs[region] = cfg
	return cfg, nil
}
