package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/raywall/fast-webhook-pipeline/pkg/config"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/rules"
)

// DryRunResult é a resposta de TestPipeline. Nada é persistido.
type DryRunResult struct {
	PipelineID string               `json:"pipeline_id"`
	Succeeded  bool                 `json:"succeeded"`
	Attempts   []domain.StepAttempt `json:"attempts"`
	Skipped    []string             `json:"skipped,omitempty"`
}

// TestPipeline executa cada step do pipeline uma única vez contra o payload de exemplo,
// sem scheduler, retry, failover ou DLQ. Respeita condições e stop_on_failure.
func (e *Engine) TestPipeline(ctx context.Context, pipelineID string, sample json.RawMessage) (*DryRunResult, error) {
	p, err := e.catalog.Get(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	exec, payload, err := dryRunExecution(*p, sample)
	if err != nil {
		return nil, err
	}

	res := &DryRunResult{PipelineID: p.ID, Succeeded: true, Attempts: []domain.StepAttempt{}}
	for _, step := range p.OrderedSteps() {
		if step.Condition != "" {
			ok, err := e.rules.EvaluateBool(step.Condition, rules.Vars(exec, payload))
			if err != nil {
				return nil, fmt.Errorf("%w: condição do step %s: %v", ErrInvalidRequest, step.ID, err)
			}
			if !ok {
				res.Skipped = append(res.Skipped, step.ID)
				continue
			}
		}

		a := e.runner.DryRun(ctx, exec, step)
		res.Attempts = append(res.Attempts, a)
		if a.Outcome != domain.OutcomeSuccess {
			res.Succeeded = false
			if step.StopOnFailure {
				break
			}
		}
	}
	return res, nil
}

// TestStep executa um step avulso uma única vez e devolve a requisição e a resposta.
func (e *Engine) TestStep(ctx context.Context, tenantID string, trigger domain.TriggerType, step domain.Step, sample json.RawMessage) (*domain.StepAttempt, error) {
	if step.ID == "" {
		step.ID = "test-step"
	}
	p := domain.Pipeline{
		ID:          "test-pipeline",
		TenantID:    tenantID,
		TriggerType: trigger,
		Status:      domain.PipelineActive,
		Steps:       []domain.Step{step},
	}
	if err := config.ValidatePipeline(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	exec, _, err := dryRunExecution(p, sample)
	if err != nil {
		return nil, err
	}
	a := e.runner.DryRun(ctx, exec, step)
	return &a, nil
}

func dryRunExecution(p domain.Pipeline, sample json.RawMessage) (*domain.Execution, map[string]interface{}, error) {
	if len(sample) == 0 {
		sample = json.RawMessage(`{}`)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(sample, &payload); err != nil || payload == nil {
		return nil, nil, fmt.Errorf("%w: payload de exemplo deve ser um objeto JSON", ErrInvalidRequest)
	}
	return &domain.Execution{
		ID:             "dry-run-" + uuid.NewString(),
		TenantID:       p.TenantID,
		PipelineID:     p.ID,
		TriggerType:    p.TriggerType,
		TriggerPayload: sample,
		Pipeline:       p,
		Status:         domain.ExecutionRunning,
	}, payload, nil
}
