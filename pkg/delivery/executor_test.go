package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/config"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type mapSecrets map[string]string

func (m mapSecrets) Resolve(_ context.Context, name string) (string, error) {
	if name == "QUEBRADO" {
		return "", errors.New("secret store fora")
	}
	return m[name], nil
}

type staticTokens struct{ token string }

func (s staticTokens) Token(_ context.Context, _ string) (string, error) { return s.token, nil }

func newExecution(url string) *domain.Execution {
	return &domain.Execution{
		ID:             "exec-1",
		TenantID:       "t1",
		PipelineID:     "p1",
		TriggerType:    domain.TriggerConversion,
		TriggerPayload: json.RawMessage(`{"conversion":{"id":"c-9","amount":42.5}}`),
		CreatedAt:      time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Pipeline: domain.Pipeline{
			ID:       "p1",
			TenantID: "t1",
			Steps:    []domain.Step{{ID: "s1", Order: 1, URL: url}},
		},
	}
}

func baseStep(url string) domain.Step {
	return domain.Step{
		ID:    "s1",
		Order: 1,
		URL:   url,
		Headers: map[string]string{
			"X-Api-Key": "{{env.API_KEY}}",
			"X-Conv":    "{{payload.conversion.id}}",
		},
		Body: map[string]interface{}{
			"id":     "{{conversion.id}}",
			"amount": "{{conversion.amount}}",
			"type":   "{{trigger_type}}",
		},
		Timeout: domain.Duration(time.Second),
	}
}

// --- Testes ---

func TestExecutor_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "FastWebhookPipeline/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "segredo-123", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "c-9", r.Header.Get("X-Conv"))
		assert.Equal(t, "exec-1", r.Header.Get(signer.HeaderExecutionID))
		assert.Equal(t, "p1", r.Header.Get(signer.HeaderPipelineID))
		assert.Equal(t, "s1", r.Header.Get(signer.HeaderStep))
		assert.Equal(t, "2", r.Header.Get(signer.HeaderAttempt))

		body, _ := io.ReadAll(r.Body)
		assert.True(t, signer.VerifyHMAC(body, "chave-hmac", r.Header.Get(signer.HeaderSignature)))
		assert.JSONEq(t, `{"id":"c-9","amount":42.5,"type":"conversion"}`, string(body))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	exec := newExecution(server.URL)
	step := baseStep(server.URL)
	step.SignatureMode = domain.SignatureHMAC
	step.SigningKeyRef = "HMAC_KEY"

	ex := NewExecutor(config.DeliveryConf{}, mapSecrets{"API_KEY": "segredo-123", "HMAC_KEY": "chave-hmac"})
	attempt := ex.Execute(context.Background(), exec, step, 2)

	assert.Equal(t, domain.OutcomeSuccess, attempt.Outcome)
	assert.Nil(t, attempt.Error)
	assert.Equal(t, 201, attempt.HTTPStatus)
	assert.Equal(t, `{"ok":true}`, attempt.ResponseBody)
	assert.Equal(t, 2, attempt.AttemptNumber)
	assert.NotEmpty(t, attempt.ID)

	// snapshot não expõe valores vindos de segredo nem a chave de assinatura
	assert.Equal(t, redacted, attempt.Request.Headers["X-Api-Key"])
	assert.Equal(t, "c-9", attempt.Request.Headers["X-Conv"])
	assert.NotEmpty(t, attempt.Request.Headers[signer.HeaderSignature])
	raw, _ := json.Marshal(attempt.Request)
	assert.NotContains(t, string(raw), "chave-hmac")
	assert.NotContains(t, string(raw), "segredo-123")
	assert.JSONEq(t, `{"id":"c-9","amount":42.5,"type":"conversion"}`, string(attempt.Request.Body))
}

func TestExecutor_SecretInBodyIsRedacted(t *testing.T) {
	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	step := domain.Step{
		ID:  "s1",
		URL: server.URL,
		Body: map[string]interface{}{
			"token": "{{env.API_KEY}}",
			"id":    "{{conversion.id}}",
		},
	}
	ex := NewExecutor(config.DeliveryConf{}, mapSecrets{"API_KEY": "segredo-123"})
	attempt := ex.Execute(context.Background(), newExecution(server.URL), step, 1)

	require.Equal(t, domain.OutcomeSuccess, attempt.Outcome)
	assert.JSONEq(t, `{"token":"segredo-123","id":"c-9"}`, string(received), "o target recebe o valor real")
	assert.JSONEq(t, `{"token":"[REDACTED]","id":"c-9"}`, string(attempt.Request.Body))
	assert.True(t, attempt.Request.BodyRedacted)

	t.Run("Body sem segredo fica intacto", func(t *testing.T) {
		attempt := ex.Execute(context.Background(), newExecution(server.URL), baseStep(server.URL), 1)
		assert.False(t, attempt.Request.BodyRedacted)
		assert.JSONEq(t, `{"id":"c-9","amount":42.5,"type":"conversion"}`, string(attempt.Request.Body))
	})

	t.Run("Failover também mascara", func(t *testing.T) {
		exec := newExecution(server.URL)
		exec.Pipeline.FailoverURL = server.URL
		exec.Pipeline.Steps[0].Body = step.Body

		body, err := ex.RenderBody(context.Background(), exec, exec.Pipeline.Steps[0])
		require.NoError(t, err)
		a := ex.Dispatch(context.Background(), exec, body)

		assert.Equal(t, domain.OutcomeSuccess, a.Outcome)
		assert.Contains(t, string(received), "segredo-123")
		assert.NotContains(t, string(a.Request.Body), "segredo-123")
		assert.True(t, a.Request.BodyRedacted)
	})
}

func TestExecutor_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   domain.Outcome
	}{
		{"2xx", 204, domain.OutcomeSuccess},
		{"500", 500, domain.OutcomeRetryableFailure},
		{"503", 503, domain.OutcomeRetryableFailure},
		{"429", 429, domain.OutcomeRetryableFailure},
		{"408", 408, domain.OutcomeTerminalFailure},
		{"404", 404, domain.OutcomeTerminalFailure},
		{"400", 400, domain.OutcomeTerminalFailure},
		{"301", 301, domain.OutcomeTerminalFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status))

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			ex := NewExecutor(config.DeliveryConf{}, nil, WithHTTPClient(&http.Client{
				CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
			}))
			attempt := ex.Execute(context.Background(), newExecution(server.URL), domain.Step{ID: "s1", URL: server.URL}, 1)
			assert.Equal(t, tt.want, attempt.Outcome)
			assert.Equal(t, tt.status, attempt.HTTPStatus)
			if tt.want != domain.OutcomeSuccess {
				require.NotNil(t, attempt.Error)
			}
		})
	}
}

func TestExecutor_NetworkFailures(t *testing.T) {
	t.Run("Conexão recusada é retentável", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := server.URL
		server.Close()

		ex := NewExecutor(config.DeliveryConf{}, nil)
		attempt := ex.Execute(context.Background(), newExecution(url), domain.Step{ID: "s1", URL: url}, 1)
		assert.Equal(t, domain.OutcomeRetryableFailure, attempt.Outcome)
		assert.Equal(t, 0, attempt.HTTPStatus)
		require.NotNil(t, attempt.Error)
	})

	t.Run("Timeout é retentável", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer server.Close()

		ex := NewExecutor(config.DeliveryConf{}, nil)
		step := domain.Step{ID: "s1", URL: server.URL, Timeout: domain.Duration(20 * time.Millisecond)}
		attempt := ex.Execute(context.Background(), newExecution(server.URL), step, 1)
		assert.Equal(t, domain.OutcomeRetryableFailure, attempt.Outcome)
	})
}

func TestExecutor_PrepareFailuresAreTerminal(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	tests := []struct {
		name string
		step domain.Step
	}{
		{"Segredo indisponível", domain.Step{ID: "s1", URL: server.URL, Headers: map[string]string{"X": "{{env.QUEBRADO}}"}}},
		{"Chave de assinatura ausente", domain.Step{ID: "s1", URL: server.URL, SignatureMode: domain.SignatureHMAC, SigningKeyRef: "NAO_EXISTE"}},
		{"URL renderizada inválida", domain.Step{ID: "s1", URL: "{{conversion.id}}"}},
	}

	ex := NewExecutor(config.DeliveryConf{}, mapSecrets{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempt := ex.Execute(context.Background(), newExecution(server.URL), tt.step, 1)
			assert.Equal(t, domain.OutcomeTerminalFailure, attempt.Outcome)
			require.NotNil(t, attempt.Error)
		})
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits), "nenhuma chamada de rede")
}

func TestExecutor_AuthAndJWT(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	ex := NewExecutor(config.DeliveryConf{}, mapSecrets{"JWT_KEY": "jwt-secret"}, WithTokenSource(staticTokens{"oauth-token"}))

	t.Run("Bearer do provider", func(t *testing.T) {
		step := domain.Step{ID: "s1", URL: server.URL, AuthProvider: "partner"}
		attempt := ex.Execute(context.Background(), newExecution(server.URL), step, 1)
		require.Equal(t, domain.OutcomeSuccess, attempt.Outcome)
		assert.Equal(t, "Bearer oauth-token", gotAuth)
		assert.Equal(t, redacted, attempt.Request.Headers["Authorization"])
	})

	t.Run("Modo jwt sobrescreve Authorization", func(t *testing.T) {
		step := domain.Step{ID: "s1", URL: server.URL, AuthProvider: "partner", SignatureMode: domain.SignatureJWT, SigningKeyRef: "JWT_KEY"}
		attempt := ex.Execute(context.Background(), newExecution(server.URL), step, 1)
		require.Equal(t, domain.OutcomeSuccess, attempt.Outcome)
		require.True(t, strings.HasPrefix(gotAuth, "Bearer "))

		claims, err := signer.VerifyJWT(strings.TrimPrefix(gotAuth, "Bearer "), "jwt-secret")
		require.NoError(t, err)
		assert.Equal(t, "exec-1", claims.ExecutionID)
		assert.Equal(t, "conversion", claims.TriggerType)
	})
}

func TestExecutor_ResponseTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer server.Close()

	ex := NewExecutor(config.DeliveryConf{MaxResponseBytes: 10}, nil)
	attempt := ex.Execute(context.Background(), newExecution(server.URL), domain.Step{ID: "s1", URL: server.URL}, 1)
	assert.Len(t, attempt.ResponseBody, 10)
}

func TestExecutor_CircuitBreaker(t *testing.T) {
	var hits int32
	status := int32(http.StatusInternalServerError)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer server.Close()

	t.Run("Abre após falhas consecutivas", func(t *testing.T) {
		ex := NewExecutor(config.DeliveryConf{Breaker: config.BreakerConf{Enabled: true, MaxFailures: 2, OpenTimeout: "1m"}}, nil)
		step := domain.Step{ID: "s1", URL: server.URL}

		for i := 1; i <= 2; i++ {
			a := ex.Execute(context.Background(), newExecution(server.URL), step, i)
			assert.Equal(t, 500, a.HTTPStatus)
		}
		a := ex.Execute(context.Background(), newExecution(server.URL), step, 3)
		assert.Equal(t, domain.OutcomeRetryableFailure, a.Outcome)
		require.NotNil(t, a.Error)
		assert.Equal(t, "circuit open", *a.Error)
		assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	})

	t.Run("4xx não abre o circuito", func(t *testing.T) {
		atomic.StoreInt32(&hits, 0)
		atomic.StoreInt32(&status, http.StatusBadRequest)
		ex := NewExecutor(config.DeliveryConf{Breaker: config.BreakerConf{Enabled: true, MaxFailures: 1}}, nil)
		step := domain.Step{ID: "s1", URL: server.URL}

		for i := 1; i <= 3; i++ {
			a := ex.Execute(context.Background(), newExecution(server.URL), step, i)
			assert.Equal(t, domain.OutcomeTerminalFailure, a.Outcome)
		}
		assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	})

	t.Run("Dry run não conta para o circuito", func(t *testing.T) {
		atomic.StoreInt32(&hits, 0)
		atomic.StoreInt32(&status, http.StatusInternalServerError)
		ex := NewExecutor(config.DeliveryConf{Breaker: config.BreakerConf{Enabled: true, MaxFailures: 1, OpenTimeout: "1m"}}, nil)
		step := domain.Step{ID: "s1", URL: server.URL}

		for i := 0; i < 3; i++ {
			a := ex.DryRun(context.Background(), newExecution(server.URL), step)
			assert.Equal(t, 500, a.HTTPStatus)
		}
		assert.Equal(t, int32(3), atomic.LoadInt32(&hits))

		a := ex.Execute(context.Background(), newExecution(server.URL), step, 1)
		assert.Equal(t, 500, a.HTTPStatus, "entrega real ainda chega ao target")
		assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
	})
}
