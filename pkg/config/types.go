package config

import (
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
)

// EngineConfig representa a estrutura raiz do arquivo YAML da engine.
type EngineConfig struct {
	Version       string             `yaml:"version" validate:"required"`
	Service       ServiceDetails     `yaml:"service" validate:"required"`
	Storage       StorageConf        `yaml:"storage"`
	Scheduler     SchedulerConf      `yaml:"scheduler"`
	Catalog       CatalogConf        `yaml:"catalog" validate:"required"`
	Concurrency   ConcurrencyConf    `yaml:"concurrency"`
	Delivery      DeliveryConf       `yaml:"delivery"`
	Secrets       SecretsConf        `yaml:"secrets"`
	AuthProviders []AuthProviderConf `yaml:"auth_providers" validate:"dive"`
	Ingest        IngestConf         `yaml:"ingest"`
	GraphQL       GraphQLConf        `yaml:"graphql"`
}

// ServiceDetails contém os metadados e configurações de runtime do serviço.
type ServiceDetails struct {
	Name    string      `yaml:"name" validate:"required,hostname_rfc1123"`
	Runtime string      `yaml:"runtime" validate:"required,oneof=local lambda ecs eks ec2"`
	Port    int         `yaml:"port" validate:"required_if=Runtime local"`
	Timeout string      `yaml:"timeout"` // Ex: "500ms", "2s"
	Logging LoggingConf `yaml:"logging"`
	Metrics MetricsConf `yaml:"metrics"`
}

type LoggingConf struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format  string `yaml:"format" validate:"omitempty,oneof=json console"`
}

type MetricsConf struct {
	Datadog DatadogConf `yaml:"datadog"`
}

type DatadogConf struct {
	Enabled   bool     `yaml:"enabled" env:"DD_ENABLED"`
	Addr      string   `yaml:"addr" env:"DD_AGENT_HOST" validate:"required_if=Enabled true"`
	Namespace string   `yaml:"namespace"`
	Tags      []string `yaml:"tags"`
}

type StorageConf struct {
	Driver   string       `yaml:"driver" validate:"omitempty,oneof=memory postgres"`
	Postgres PostgresConf `yaml:"postgres"`
}

type PostgresConf struct {
	DSN             string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	AutoMigrate     bool   `yaml:"auto_migrate"`
}

type RedisConf struct {
	Addr      string `yaml:"addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type SchedulerConf struct {
	Driver       string    `yaml:"driver" validate:"omitempty,oneof=memory redis"`
	Redis        RedisConf `yaml:"redis"`
	PollInterval string    `yaml:"poll_interval"`
	BatchSize    int       `yaml:"batch_size" validate:"gte=0"`
}

type CatalogConf struct {
	Source         string            `yaml:"source" validate:"required,oneof=file s3 dynamodb"`
	Path           string            `yaml:"path"`
	DynamoDB       DynamoCatalogConf `yaml:"dynamodb"`
	Cache          CacheConf         `yaml:"cache"`
	ReloadQueueURL string            `yaml:"reload_queue_url"`
}

type DynamoCatalogConf struct {
	Table   string `yaml:"table"`
	Region  string `yaml:"region" env:"AWS_REGION"`
	IDIndex string `yaml:"id_index"`
}

type CacheConf struct {
	Enabled bool      `yaml:"enabled"`
	TTL     string    `yaml:"ttl"`
	Redis   RedisConf `yaml:"redis"`
}

type ConcurrencyConf struct {
	PerTenant int `yaml:"per_tenant" validate:"gte=0"`
	Global    int `yaml:"global" validate:"gte=0"`
}

type DeliveryConf struct {
	UserAgent        string      `yaml:"user_agent"`
	MaxResponseBytes int64       `yaml:"max_response_bytes" validate:"gte=0"`
	Breaker          BreakerConf `yaml:"breaker"`
}

type BreakerConf struct {
	Enabled     bool   `yaml:"enabled"`
	MaxFailures uint32 `yaml:"max_failures"`
	OpenTimeout string `yaml:"open_timeout"`
}

type SecretsConf struct {
	Provider string `yaml:"provider" validate:"omitempty,oneof=env ssm secretsmanager"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region" env:"AWS_REGION"`
	CacheTTL string `yaml:"cache_ttl"`
}

type AuthProviderConf struct {
	ID           string   `yaml:"id" validate:"required"`
	TokenURL     string   `yaml:"token_url" validate:"required,url"`
	ClientID     string   `yaml:"client_id" validate:"required"`
	ClientSecret string   `yaml:"client_secret" validate:"required"`
	Scopes       []string `yaml:"scopes"`
}

type IngestConf struct {
	SQS   SQSIngestConf   `yaml:"sqs"`
	Kafka KafkaIngestConf `yaml:"kafka"`
}

type SQSIngestConf struct {
	Enabled  bool   `yaml:"enabled"`
	QueueURL string `yaml:"queue_url" validate:"required_if=Enabled true"`
}

type KafkaIngestConf struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers" validate:"required_if=Enabled true"`
	GroupID string   `yaml:"group_id" validate:"required_if=Enabled true"`
	Topics  []string `yaml:"topics" validate:"required_if=Enabled true"`
}

type GraphQLConf struct {
	Enabled bool   `yaml:"enabled"`
	Route   string `yaml:"route"`
}

// CatalogDocument é o documento YAML com as definições de pipelines.
type CatalogDocument struct {
	Version   string            `yaml:"version" json:"version"`
	Pipelines []domain.Pipeline `yaml:"pipelines" json:"pipelines" validate:"dive"`
}

func (s ServiceDetails) GetTimeout() time.Duration {
	return parseDuration(s.Timeout, 30*time.Second)
}

func (s SchedulerConf) GetPollInterval() time.Duration {
	return parseDuration(s.PollInterval, time.Second)
}

func (c CacheConf) GetTTL() time.Duration {
	return parseDuration(c.TTL, 30*time.Second)
}

func (s SecretsConf) GetCacheTTL() time.Duration {
	return parseDuration(s.CacheTTL, 5*time.Minute)
}

func (b BreakerConf) GetOpenTimeout() time.Duration {
	return parseDuration(b.OpenTimeout, 30*time.Second)
}

func (p PostgresConf) GetConnMaxLifetime() time.Duration {
	return parseDuration(p.ConnMaxLifetime, 30*time.Minute)
}

// ApplyDefaults preenche valores omitidos no YAML.
func (c *EngineConfig) ApplyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Scheduler.Driver == "" {
		c.Scheduler.Driver = "memory"
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 100
	}
	if c.Concurrency.PerTenant == 0 {
		c.Concurrency.PerTenant = 4
	}
	if c.Concurrency.Global == 0 {
		c.Concurrency.Global = 64
	}
	if c.Delivery.UserAgent == "" {
		c.Delivery.UserAgent = "FastWebhookPipeline/1.0"
	}
	if c.Delivery.MaxResponseBytes == 0 {
		c.Delivery.MaxResponseBytes = 64 * 1024
	}
	if c.Delivery.Breaker.MaxFailures == 0 {
		c.Delivery.Breaker.MaxFailures = 5
	}
	if c.Secrets.Provider == "" {
		c.Secrets.Provider = "env"
	}
	if c.Service.Logging.Level == "" {
		c.Service.Logging.Level = "info"
	}
	if c.Service.Logging.Format == "" {
		c.Service.Logging.Format = "json"
	}
	if c.GraphQL.Route == "" {
		c.GraphQL.Route = "/graphql"
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
