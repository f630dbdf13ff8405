package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/raywall/fast-webhook-pipeline/pkg/catalog"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/router"
	"github.com/raywall/fast-webhook-pipeline/pkg/store"
)

func (e *Engine) ListDLQ(ctx context.Context, filter store.DeadLetterFilter) ([]domain.DLQItem, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return e.store.ListDeadLetters(ctx, filter)
}

func (e *Engine) GetDLQItem(ctx context.Context, id string) (*domain.DLQItem, error) {
	return e.store.GetDeadLetter(ctx, id)
}

// RetryDLQ recria uma Execution a partir do payload guardado no item e a executa do
// primeiro step. A execução é criada antes de marcar o item: source_dlq_item_id é
// único no store, então dois retries concorrentes do mesmo item geram uma execução só,
// e uma falha na criação deixa o item reenviável.
func (e *Engine) RetryDLQ(ctx context.Context, itemID string) (*domain.Execution, error) {
	item, err := e.store.GetDeadLetter(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !item.CanRetry() {
		return nil, store.ErrAlreadyRetried
	}

	p, err := e.pipelineForRetry(ctx, item)
	if err != nil {
		return nil, err
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("%w: pipeline %s não tem steps", ErrInvalidRequest, p.ID)
	}

	correlationID, _ := ctx.Value(router.CorrelationKey{}).(string)
	exec := e.router.NewExecution(p, item.TriggerType, item.Payload, correlationID, item.ID)

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, store.ErrAlreadyRetried
		}
		return nil, err
	}
	log := e.Logger.With().Str("dlq_item_id", item.ID).Str("execution_id", exec.ID).Logger()

	// a execução já existe; a marcação só informa a UI
	if err := e.store.MarkRetried(ctx, item.ID, exec.ID, e.now().UTC()); err != nil {
		log.Warn().Err(err).Msg("execução criada mas item da DLQ não marcado")
	}
	if err := e.dispatch(exec.TenantID, exec.ID); err != nil {
		log.Warn().Err(err).Msg("execução criada mas não despachada")
	}

	log.Info().Str("pipeline_id", p.ID).Msg("item da DLQ reenviado")
	return exec, nil
}

// pipelineForRetry usa a definição atual do pipeline; se ele não existe mais, usa o
// snapshot guardado na execução original.
func (e *Engine) pipelineForRetry(ctx context.Context, item *domain.DLQItem) (domain.Pipeline, error) {
	p, err := e.catalog.Get(ctx, item.PipelineID)
	if err == nil {
		return *p, nil
	}
	if !errors.Is(err, catalog.ErrPipelineNotFound) {
		return domain.Pipeline{}, err
	}

	original, err := e.store.GetExecution(ctx, item.ExecutionID)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("pipeline %s removido e execução original indisponível: %w", item.PipelineID, err)
	}
	return original.Pipeline, nil
}

func (e *Engine) DeleteDLQ(ctx context.Context, itemID string) error {
	return e.store.DeleteDeadLetter(ctx, itemID)
}
