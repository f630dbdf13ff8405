package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bootCatalog = `
version: "1"
pipelines:
  - id: p-boot
    tenant_id: t1
    trigger_type: conversion
    status: active
    steps:
      - id: notify
        order: 1
        url: %s/hook
        body:
          amount: "{{conversion.amount}}"
`

const bootConfig = `
version: "1.0"
service:
  name: "boot-test"
  runtime: "%s"
  port: 9999
  timeout: "2s"
  logging: {enabled: false}
  metrics: {datadog: {enabled: false}}
catalog:
  source: file
  path: %s
graphql:
  enabled: true
  route: /graphql
`

func writeConfig(t *testing.T, runtime, targetURL string) string {
	t.Helper()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "pipelines.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(fmt.Sprintf(bootCatalog, targetURL)), 0o600))

	cfgPath := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(bootConfig, runtime, catalogPath)), 0o600))
	return cfgPath
}

func TestRun_ServerBootstrap(t *testing.T) {
	var hits int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	originalStarter := serverStarter
	defer func() { serverStarter = originalStarter }()

	started := false
	serverStarter = func(ctx context.Context, port int, timeout time.Duration, handler http.Handler) error {
		started = true
		assert.Equal(t, 9999, port)
		assert.Equal(t, 2*time.Second, timeout)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/triggers",
			strings.NewReader(`{"tenant_id":"t1","trigger_type":"conversion","payload":{"conversion":{"amount":42}}}`)))
		require.Equal(t, http.StatusAccepted, rec.Code)

		var body struct {
			ExecutionIDs []string `json:"execution_ids"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.ExecutionIDs, 1)

		require.Eventually(t, func() bool {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/executions/"+body.ExecutionIDs[0], nil))
			return strings.Contains(rec.Body.String(), `"status":"succeeded"`)
		}, 3*time.Second, 20*time.Millisecond)

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ triggerTypes }"}`)))
		assert.Contains(t, rec.Body.String(), "conversion_approved")
		return nil
	}

	err := run(context.Background(), writeConfig(t, "local", target.URL))
	require.NoError(t, err)
	assert.True(t, started, "O servidor HTTP não foi iniciado")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRun_LambdaBootstrap(t *testing.T) {
	originalLambda := lambdaStarter
	defer func() { lambdaStarter = originalLambda }()

	var resp events.SQSEventResponse
	lambdaStarter = func(handler interface{}) {
		h, ok := handler.(func(context.Context, events.SQSEvent) (events.SQSEventResponse, error))
		require.True(t, ok, "handler com assinatura inesperada: %T", handler)

		var err error
		resp, err = h(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
			{MessageId: "m1", Body: `{"tenant_id":"t1","trigger_type":"conversion","payload":{}}`},
			{MessageId: "m2", Body: `nope`},
		}})
		require.NoError(t, err)
	}

	require.NoError(t, run(context.Background(), writeConfig(t, "lambda", "http://127.0.0.1:1")))
	assert.Empty(t, resp.BatchItemFailures)
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\nservice: {name: x, runtime: mars}\n"), 0o600))
	assert.Error(t, run(context.Background(), path))
}
