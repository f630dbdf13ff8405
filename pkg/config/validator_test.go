package config

import (
	"testing"
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/stretchr/testify/assert"
)

func validEngineConfig() *EngineConfig {
	cfg := &EngineConfig{
		Version: "1.0",
		Service: ServiceDetails{
			Name:    "webhook-engine",
			Runtime: "local",
			Port:    8080,
			Logging: LoggingConf{Enabled: true, Level: "info", Format: "console"},
		},
		Catalog: CatalogConf{Source: "file", Path: "pipelines.yaml"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidator_Validate(t *testing.T) {
	validator := NewValidator()

	tests := []struct {
		name    string
		mutate  func(c *EngineConfig)
		wantErr bool
	}{
		{"Valid Config", func(c *EngineConfig) {}, false},
		{"Missing Port for local", func(c *EngineConfig) { c.Service.Port = 0 }, true},
		{"Lambda dispensa porta", func(c *EngineConfig) { c.Service.Runtime = "lambda"; c.Service.Port = 0 }, false},
		{"Postgres sem DSN", func(c *EngineConfig) { c.Storage.Driver = "postgres" }, true},
		{"Redis scheduler sem addr", func(c *EngineConfig) { c.Scheduler.Driver = "redis" }, true},
		{"Catálogo s3 sem esquema", func(c *EngineConfig) { c.Catalog.Source = "s3"; c.Catalog.Path = "bucket/key" }, true},
		{"Catálogo dynamodb sem tabela", func(c *EngineConfig) { c.Catalog.Source = "dynamodb" }, true},
		{"Cache sem redis", func(c *EngineConfig) { c.Catalog.Cache.Enabled = true }, true},
		{"Driver desconhecido", func(c *EngineConfig) { c.Storage.Driver = "mongo" }, true},
		{"Per-tenant acima do global", func(c *EngineConfig) { c.Concurrency.PerTenant = 100 }, true},
		{"Auth provider duplicado", func(c *EngineConfig) {
			ap := AuthProviderConf{ID: "p", TokenURL: "https://idp/token", ClientID: "c", ClientSecret: "s"}
			c.AuthProviders = []AuthProviderConf{ap, ap}
		}, true},
		{"Kafka habilitado sem brokers", func(c *EngineConfig) { c.Ingest.Kafka.Enabled = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validEngineConfig()
			tt.mutate(cfg)
			err := validator.Validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func validPipeline() domain.Pipeline {
	return domain.Pipeline{
		ID:          "p1",
		TenantID:    "t1",
		TriggerType: domain.TriggerConversion,
		Status:      domain.PipelineActive,
		Steps: []domain.Step{
			{ID: "s1", Order: 1, URL: "https://partner.example.com/hook"},
			{ID: "s2", Order: 2, URL: "https://{{conversion.host}}/hook", SignatureMode: domain.SignatureHMAC, SigningKeyRef: "PARTNER_KEY"},
		},
	}
}

func TestValidator_ValidateCatalog(t *testing.T) {
	validator := NewValidator()

	tests := []struct {
		name    string
		mutate  func(p *domain.Pipeline)
		wantErr bool
	}{
		{"Pipeline válido", func(p *domain.Pipeline) {}, false},
		{"Ordem duplicada", func(p *domain.Pipeline) { p.Steps[1].Order = 1 }, true},
		{"Step ID duplicado", func(p *domain.Pipeline) { p.Steps[1].ID = "s1" }, true},
		{"URL sem esquema", func(p *domain.Pipeline) { p.Steps[0].URL = "partner/hook" }, true},
		{"URL ftp", func(p *domain.Pipeline) { p.Steps[0].URL = "ftp://partner/hook" }, true},
		{"HMAC sem chave", func(p *domain.Pipeline) { p.Steps[1].SigningKeyRef = "" }, true},
		{"Trigger desconhecido", func(p *domain.Pipeline) { p.TriggerType = "purchase" }, true},
		{"Status desconhecido", func(p *domain.Pipeline) { p.Status = "archived" }, true},
		{"Jitter fora do intervalo", func(p *domain.Pipeline) {
			p.Steps[0].RetryPolicy = &domain.RetryPolicy{MaxAttempts: 3, BackoffType: domain.BackoffExponentialJitter, InitialDelay: domain.Duration(time.Second), JitterFactor: 1.5}
		}, true},
		{"Exponencial sem atraso inicial", func(p *domain.Pipeline) {
			p.Steps[0].RetryPolicy = &domain.RetryPolicy{MaxAttempts: 3, BackoffType: domain.BackoffExponential}
		}, true},
		{"max_delay menor que initial", func(p *domain.Pipeline) {
			p.Steps[0].RetryPolicy = &domain.RetryPolicy{MaxAttempts: 3, BackoffType: domain.BackoffFixed, InitialDelay: domain.Duration(time.Minute), MaxDelay: domain.Duration(time.Second)}
		}, true},
		{"Failover inválido", func(p *domain.Pipeline) { p.FailoverURL = "nao-e-url" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPipeline()
			tt.mutate(&p)
			err := validator.ValidateCatalog(&CatalogDocument{Version: "1", Pipelines: []domain.Pipeline{p}})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("Pipeline ID duplicado", func(t *testing.T) {
		p := validPipeline()
		err := validator.ValidateCatalog(&CatalogDocument{Pipelines: []domain.Pipeline{p, p}})
		assert.ErrorContains(t, err, "duplicado")
	})
}
