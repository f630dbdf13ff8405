package delivery

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/signer"
	"github.com/raywall/fast-webhook-pipeline/pkg/template"
)

// FailoverStepID identifica a tentativa de failover no log de tentativas.
const FailoverStepID = "failover"

// Dispatch faz a única chamada de failover do pipeline com o body já renderizado do
// primeiro step. Não há retry nem circuit breaker aqui. A tentativa devolvida tem
// Failover=true; sucesso é Outcome == success.
func (e *Executor) Dispatch(ctx context.Context, exec *domain.Execution, firstBody []byte) domain.StepAttempt {
	p := exec.Pipeline
	rec := domain.StepAttempt{
		ID:            uuid.NewString(),
		ExecutionID:   exec.ID,
		PipelineID:    exec.PipelineID,
		TenantID:      exec.TenantID,
		StepID:        FailoverStepID,
		AttemptNumber: 1,
		Failover:      true,
		CreatedAt:     e.now(),
	}

	steps := p.OrderedSteps()
	if p.FailoverURL == "" || len(steps) == 0 {
		return finish(rec, domain.OutcomeTerminalFailure, fmt.Errorf("pipeline sem failover configurado"))
	}
	first := steps[0]

	mode := first.SignatureMode
	if p.FailoverSignatureMode != "" {
		mode = p.FailoverSignatureMode
	}

	req := &Request{
		Method:  http.MethodPost,
		URL:     p.FailoverURL,
		Headers: signer.MetadataHeaders(exec.ID, exec.PipelineID, FailoverStepID, 1),
		Body:    firstBody,
	}
	snapshot := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		snapshot[k] = v
	}
	if err := e.sign(ctx, req, snapshot, exec, FailoverStepID, mode, first.SigningKeyRef); err != nil {
		rec.Request = domain.RequestSnapshot{Method: req.Method, URL: req.URL, Headers: snapshot}
		return finish(rec, domain.OutcomeTerminalFailure, err)
	}
	rec.Request = domain.RequestSnapshot{
		Method:  req.Method,
		URL:     req.URL,
		Headers: snapshot,
		Body:    snapshotBody(firstBody),
	}
	if rc, err := template.NewContext(exec); err == nil {
		rec.Request.Body, rec.Request.BodyRedacted = e.bodySnapshot(ctx, rc, first, firstBody)
	}

	resp, err := e.send(ctx, req, first.EffectiveTimeout(), false)
	rec.Latency = resp.latency
	rec.HTTPStatus = resp.status
	rec.ResponseBody = resp.body
	if err != nil {
		// failover não é retentado: qualquer falha é final
		return finish(rec, domain.OutcomeTerminalFailure, err)
	}
	return finish(rec, resp.outcome, nil)
}
