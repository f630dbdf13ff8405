// Package delivery executa uma única tentativa HTTP de um step: renderiza, assina,
// envia e classifica o resultado. Também faz o disparo único de failover.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raywall/fast-webhook-pipeline/pkg/config"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/signer"
	"github.com/raywall/fast-webhook-pipeline/pkg/template"
	"github.com/rs/zerolog/log"
)

const (
	redacted           = "[REDACTED]"
	defaultUserAgent   = "FastWebhookPipeline/1.0"
	defaultMaxRespBody = 64 * 1024
)

// HTTPClient permite trocar o transporte nos testes.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource fornece bearer tokens de auth providers (OAuth2).
type TokenSource interface {
	Token(ctx context.Context, providerID string) (string, error)
}

// Executor é seguro para uso concorrente.
type Executor struct {
	client    HTTPClient
	renderer  *template.Renderer
	masked    *template.Renderer
	secrets   template.SecretResolver
	signer    *signer.Signer
	tokens    TokenSource
	breakers  *Breakers
	userAgent string
	maxBody   int64
	now       func() time.Time
}

type Option func(*Executor)

func WithHTTPClient(c HTTPClient) Option { return func(e *Executor) { e.client = c } }

func WithTokenSource(t TokenSource) Option { return func(e *Executor) { e.tokens = t } }

func WithBreakers(b *Breakers) Option { return func(e *Executor) { e.breakers = b } }

func NewExecutor(cfg config.DeliveryConf, secrets template.SecretResolver, opts ...Option) *Executor {
	e := &Executor{
		client:    &http.Client{},
		renderer:  template.NewRenderer(secrets),
		masked:    template.NewRenderer(maskSecrets{}),
		secrets:   secrets,
		signer:    signer.New(),
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxResponseBytes,
		now:       time.Now,
	}
	if e.userAgent == "" {
		e.userAgent = defaultUserAgent
	}
	if e.maxBody <= 0 {
		e.maxBody = defaultMaxRespBody
	}
	if cfg.Breaker.Enabled {
		e.breakers = NewBreakers(cfg.Breaker)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request é a requisição pronta para envio.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	// Snapshot é a versão auditável (sem valores sensíveis).
	Snapshot domain.RequestSnapshot
}

// Prepare renderiza url, headers e body do step e aplica metadata, auth e assinatura.
func (e *Executor) Prepare(ctx context.Context, exec *domain.Execution, step domain.Step, attempt int) (*Request, error) {
	rc, err := template.NewContext(exec)
	if err != nil {
		return nil, err
	}

	target, urlRes, err := e.renderer.RenderString(ctx, step.URL, rc)
	if err != nil {
		return nil, fmt.Errorf("falha ao renderizar url: %w", err)
	}
	if _, err := url.ParseRequestURI(target); err != nil {
		return nil, fmt.Errorf("url renderizada inválida: %w", err)
	}

	body, err := e.renderBody(ctx, rc, step)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Method:  step.EffectiveMethod(),
		URL:     target,
		Headers: map[string]string{},
		Body:    body,
	}
	snapshotHeaders := map[string]string{}

	for name, tmpl := range step.Headers {
		val, res, err := e.renderer.RenderString(ctx, tmpl, rc)
		if err != nil {
			return nil, fmt.Errorf("falha ao renderizar header %s: %w", name, err)
		}
		req.Headers[name] = val
		snapshotHeaders[name] = val
		if res.UsedSecret {
			snapshotHeaders[name] = redacted
		}
	}

	for k, v := range signer.MetadataHeaders(exec.ID, exec.PipelineID, step.ID, attempt) {
		req.Headers[k] = v
		snapshotHeaders[k] = v
	}

	if step.AuthProvider != "" {
		if e.tokens == nil {
			return nil, fmt.Errorf("auth provider %q sem token source configurado", step.AuthProvider)
		}
		token, err := e.tokens.Token(ctx, step.AuthProvider)
		if err != nil {
			return nil, fmt.Errorf("falha ao obter token do provider %q: %w", step.AuthProvider, err)
		}
		req.Headers[signer.HeaderAuthorization] = "Bearer " + token
		snapshotHeaders[signer.HeaderAuthorization] = redacted
	}

	if err := e.sign(ctx, req, snapshotHeaders, exec, step.ID, step.SignatureMode, step.SigningKeyRef); err != nil {
		return nil, err
	}

	req.Snapshot = domain.RequestSnapshot{
		Method:  req.Method,
		URL:     target,
		Headers: snapshotHeaders,
	}
	req.Snapshot.Body, req.Snapshot.BodyRedacted = e.bodySnapshot(ctx, rc, step, body)
	if urlRes.UsedSecret {
		req.Snapshot.URL = step.URL
	}
	return req, nil
}

// RenderBody renderiza o template de body do step em JSON. Step sem body envia corpo vazio.
func (e *Executor) RenderBody(ctx context.Context, exec *domain.Execution, step domain.Step) ([]byte, error) {
	if step.Body == nil {
		return nil, nil
	}
	rc, err := template.NewContext(exec)
	if err != nil {
		return nil, err
	}
	return e.renderBody(ctx, rc, step)
}

func (e *Executor) renderBody(ctx context.Context, rc *template.Context, step domain.Step) ([]byte, error) {
	if step.Body == nil {
		return nil, nil
	}
	rendered, _, err := e.renderer.Render(ctx, step.Body, rc)
	if err != nil {
		return nil, fmt.Errorf("falha ao renderizar body: %w", err)
	}
	body, err := json.Marshal(rendered)
	if err != nil {
		return nil, fmt.Errorf("body renderizado não serializável: %w", err)
	}
	return body, nil
}

// bodySnapshot devolve a versão auditável do body. Se o template do step usa env.*,
// o body é renderizado de novo com os segredos mascarados.
func (e *Executor) bodySnapshot(ctx context.Context, rc *template.Context, step domain.Step, body []byte) (json.RawMessage, bool) {
	if step.Body == nil || len(body) == 0 {
		return snapshotBody(body), false
	}
	rendered, res, err := e.masked.Render(ctx, step.Body, rc)
	if err != nil || !res.UsedSecret {
		return snapshotBody(body), false
	}
	masked, err := json.Marshal(rendered)
	if err != nil {
		return json.RawMessage(`"` + redacted + `"`), true
	}
	return masked, true
}

// maskSecrets resolve qualquer env.* para o marcador de redação.
type maskSecrets struct{}

func (maskSecrets) Resolve(context.Context, string) (string, error) { return redacted, nil }

func (e *Executor) sign(ctx context.Context, req *Request, snapshot map[string]string, exec *domain.Execution, stepID string, mode domain.SignatureMode, keyRef string) error {
	if mode == "" || mode == domain.SignatureNone {
		return nil
	}
	var key string
	if keyRef != "" && e.secrets != nil {
		k, err := e.secrets.Resolve(ctx, keyRef)
		if err != nil {
			return fmt.Errorf("falha ao resolver chave de assinatura: %w", err)
		}
		key = k
	}

	headers, err := e.signer.Sign(signer.Request{
		ExecutionID: exec.ID,
		PipelineID:  exec.PipelineID,
		StepID:      stepID,
		TriggerType: exec.TriggerType,
		Body:        req.Body,
	}, mode, key)
	if err != nil {
		return fmt.Errorf("falha ao assinar requisição: %w", err)
	}
	for k, v := range headers {
		req.Headers[k] = v
		snapshot[k] = v
	}
	return nil
}

// Execute realiza uma tentativa do step e devolve exatamente um StepAttempt.
// Nunca retorna erro: falhas viram outcome na tentativa.
func (e *Executor) Execute(ctx context.Context, exec *domain.Execution, step domain.Step, attempt int) domain.StepAttempt {
	return e.attempt(ctx, exec, step, attempt, true)
}

// DryRun é Execute fora do circuit breaker: testes de configuração não podem abrir o
// circuito das entregas reais.
func (e *Executor) DryRun(ctx context.Context, exec *domain.Execution, step domain.Step) domain.StepAttempt {
	return e.attempt(ctx, exec, step, 1, false)
}

func (e *Executor) attempt(ctx context.Context, exec *domain.Execution, step domain.Step, attempt int, useBreaker bool) domain.StepAttempt {
	rec := domain.StepAttempt{
		ID:            uuid.NewString(),
		ExecutionID:   exec.ID,
		PipelineID:    exec.PipelineID,
		TenantID:      exec.TenantID,
		StepID:        step.ID,
		StepOrder:     step.Order,
		AttemptNumber: attempt,
		CreatedAt:     e.now(),
	}

	req, err := e.Prepare(ctx, exec, step, attempt)
	if err != nil {
		// erro de template/assinatura não melhora com retry
		rec.Request = domain.RequestSnapshot{Method: step.EffectiveMethod(), URL: step.URL}
		return finish(rec, domain.OutcomeTerminalFailure, err)
	}
	rec.Request = req.Snapshot

	resp, err := e.send(ctx, req, step.EffectiveTimeout(), useBreaker)
	rec.Latency = resp.latency
	rec.HTTPStatus = resp.status
	rec.ResponseBody = resp.body
	return finish(rec, resp.outcome, err)
}

type sendResult struct {
	status  int
	body    string
	latency time.Duration
	outcome domain.Outcome
}

var errCircuitOpen = errors.New("circuit open")

func (e *Executor) send(ctx context.Context, req *Request, timeout time.Duration, useBreaker bool) (sendResult, error) {
	call := func() (sendResult, error) { return e.do(ctx, req, timeout) }

	if !useBreaker || e.breakers == nil {
		return call()
	}

	// só falhas retentáveis (rede, 5xx, 429) contam para abrir o circuito
	var callErr error
	res, err := executeWithBreaker(e.breakers.get(hostOf(req.URL)), func() (sendResult, error) {
		r, err := call()
		callErr = err
		if r.outcome == domain.OutcomeRetryableFailure {
			return r, errBreakerFailure
		}
		return r, nil
	})
	if isBreakerOpen(err) {
		return sendResult{outcome: domain.OutcomeRetryableFailure}, errCircuitOpen
	}
	return res, callErr
}

func (e *Executor) do(ctx context.Context, req *Request, timeout time.Duration) (sendResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, strings.ToUpper(req.Method), req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return sendResult{outcome: domain.OutcomeTerminalFailure}, fmt.Errorf("erro ao criar request: %w", err)
	}
	httpReq.Header.Set("User-Agent", e.userAgent)
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		// conexão recusada, DNS, timeout: todos retentáveis
		return sendResult{latency: latency, outcome: domain.OutcomeRetryableFailure},
			fmt.Errorf("falha na conexão com target (%s): %w", hostOf(req.URL), err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	// drena o resto para reaproveitar a conexão
	_, _ = io.Copy(io.Discard, resp.Body)

	res := sendResult{
		status:  resp.StatusCode,
		body:    string(raw),
		latency: latency,
		outcome: Classify(resp.StatusCode),
	}
	if res.outcome != domain.OutcomeSuccess {
		return res, fmt.Errorf("target respondeu %d", resp.StatusCode)
	}
	return res, nil
}

// Classify mapeia o status HTTP no outcome da tentativa.
func Classify(status int) domain.Outcome {
	switch {
	case status >= 200 && status < 300:
		return domain.OutcomeSuccess
	case status >= 500, status == http.StatusTooManyRequests:
		return domain.OutcomeRetryableFailure
	default:
		return domain.OutcomeTerminalFailure
	}
}

func finish(rec domain.StepAttempt, outcome domain.Outcome, err error) domain.StepAttempt {
	rec.Outcome = outcome
	if err != nil {
		msg := err.Error()
		rec.Error = &msg
		log.Debug().
			Str("execution_id", rec.ExecutionID).
			Str("step_id", rec.StepID).
			Int("attempt", rec.AttemptNumber).
			Str("outcome", string(outcome)).
			Err(err).
			Msg("tentativa falhou")
	}
	return rec
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func snapshotBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	return json.RawMessage(append([]byte(nil), body...))
}
