package config

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type MockS3Loader struct {
	GetObjectFunc func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func (m *MockS3Loader) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return m.GetObjectFunc(ctx, params, optFns...)
}

type MockInjector struct {
	Called bool
	Err    error
}

func (m *MockInjector) Inject(ctx context.Context, target interface{}) error {
	m.Called = true
	if cfg, ok := target.(*EngineConfig); ok {
		cfg.Storage.Postgres.DSN = strings.ReplaceAll(cfg.Storage.Postgres.DSN, "${env.DB_PASS}", "s3cr3t")
	}
	return m.Err
}

const engineYAML = `
version: "1.0"
service:
  name: "webhook-engine"
  runtime: "local"
  port: 8080
  logging:
    enabled: true
    level: "debug"
storage:
  driver: postgres
  postgres:
    dsn: "postgres://app:${env.DB_PASS}@db/webhooks"
catalog:
  source: file
  path: ./pipelines.yaml
concurrency:
  per_tenant: 2
`

const catalogYAML = `
version: "1"
pipelines:
  - id: p1
    tenant_id: t1
    trigger_type: conversion
    status: active
    priority: 10
    failover_url: https://backup.example.com/hook
    steps:
      - id: s1
        order: 1
        url: https://partner.example.com/hook
        method: post
        timeout: 2s
        body:
          amount: "{{conversion.amount}}"
        retry_policy:
          max_attempts: 3
          backoff_type: fixed
          initial_delay: 5s
`

// --- Testes ---

func TestLoader_Load_Local(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(engineYAML), 0o600))

	inj := &MockInjector{}
	cfg, err := NewLoader(nil, inj).Load(context.Background(), "file://"+path)
	require.NoError(t, err)

	assert.True(t, inj.Called)
	assert.Equal(t, "postgres://app:s3cr3t@db/webhooks", cfg.Storage.Postgres.DSN)
	assert.Equal(t, 2, cfg.Concurrency.PerTenant)
	assert.Equal(t, 64, cfg.Concurrency.Global, "default aplicado")
	assert.Equal(t, "memory", cfg.Scheduler.Driver)
	assert.Equal(t, "json", cfg.Service.Logging.Format)
}

func TestLoader_Load_Errors(t *testing.T) {
	t.Run("Arquivo inexistente", func(t *testing.T) {
		_, err := NewLoader(nil, nil).Load(context.Background(), "/nao/existe.yaml")
		assert.Error(t, err)
	})

	t.Run("YAML malformado", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("version: [1"), 0o600))
		_, err := NewLoader(nil, nil).Load(context.Background(), path)
		assert.ErrorContains(t, err, "YAML malformado")
	})

	t.Run("Falha no injector", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "engine.yaml")
		require.NoError(t, os.WriteFile(path, []byte(engineYAML), 0o600))
		_, err := NewLoader(nil, &MockInjector{Err: errors.New("ssm fora")}).Load(context.Background(), path)
		assert.ErrorContains(t, err, "ssm fora")
	})

	t.Run("S3 sem cliente", func(t *testing.T) {
		_, err := NewLoader(nil, nil).Load(context.Background(), "s3://bucket/engine.yaml")
		assert.Error(t, err)
	})
}

func TestLoader_LoadCatalog_S3(t *testing.T) {
	mockS3 := &MockS3Loader{
		GetObjectFunc: func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			assert.Equal(t, "configs", *params.Bucket)
			assert.Equal(t, "webhooks/pipelines.yaml", *params.Key)
			return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(catalogYAML))}, nil
		},
	}

	doc, err := NewLoader(mockS3, nil).LoadCatalog(context.Background(), "s3://configs/webhooks/pipelines.yaml")
	require.NoError(t, err)
	require.Len(t, doc.Pipelines, 1)

	p := doc.Pipelines[0]
	assert.Equal(t, 10, p.Priority)
	assert.Equal(t, "p1", p.Steps[0].PipelineID, "pipeline_id herdado")
	assert.Equal(t, "POST", p.Steps[0].Method, "método normalizado")
	assert.Equal(t, 3, p.Steps[0].RetryPolicy.MaxAttempts)
	assert.Equal(t, "{{conversion.amount}}", p.Steps[0].Body["amount"])
}

func TestLoader_ParseCatalog_Invalid(t *testing.T) {
	_, err := NewLoader(nil, nil).ParseCatalog([]byte(strings.Replace(catalogYAML, "status: active", "status: archived", 1)))
	assert.ErrorContains(t, err, "validação estrutural")
}
