// Package router resolve quais pipelines reagem a um gatilho e cria uma Execution
// por pipeline. A Execution é persistida antes do retorno: o produtor do evento
// nunca espera a entrega.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/raywall/fast-webhook-pipeline/pkg/catalog"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/metrics"
	"github.com/raywall/fast-webhook-pipeline/pkg/store"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidTrigger = errors.New("tipo de gatilho inválido")
	ErrInvalidPayload = errors.New("payload do gatilho deve ser um objeto JSON")
)

// Dispatcher entrega a Execution recém-criada para execução assíncrona.
type Dispatcher interface {
	Dispatch(tenantID, executionID string) error
}

// DispatcherFunc adapta uma função a Dispatcher.
type DispatcherFunc func(tenantID, executionID string) error

func (f DispatcherFunc) Dispatch(tenantID, executionID string) error { return f(tenantID, executionID) }

type Router struct {
	catalog    catalog.Catalog
	store      store.ExecutionStore
	dispatcher Dispatcher
	metrics    *metrics.Recorder
	now        func() time.Time
}

func New(cat catalog.Catalog, st store.ExecutionStore, dispatcher Dispatcher, recorder *metrics.Recorder) *Router {
	return &Router{
		catalog:    cat,
		store:      st,
		dispatcher: dispatcher,
		metrics:    recorder,
		now:        time.Now,
	}
}

// Route cria uma Execution para cada pipeline ativo do tenant ligado ao gatilho e
// devolve as execuções criadas, na ordem de despacho (prioridade desc, id).
func (r *Router) Route(ctx context.Context, tenantID string, trigger domain.TriggerType, payload json.RawMessage) ([]domain.Execution, error) {
	if !trigger.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTrigger, trigger)
	}
	snapshot, err := snapshotPayload(payload)
	if err != nil {
		return nil, err
	}

	candidates, err := r.catalog.PipelinesFor(ctx, tenantID, trigger)
	if err != nil {
		return nil, fmt.Errorf("falha ao consultar catálogo: %w", err)
	}
	pipelines := Eligible(candidates)

	logger := zerolog.Ctx(ctx).With().
		Str("tenant_id", tenantID).
		Str("trigger_type", string(trigger)).
		Logger()

	r.metrics.Routed(tenantID, string(trigger), len(pipelines))
	if len(pipelines) == 0 {
		logger.Debug().Msg("nenhum pipeline ativo para o gatilho")
		return nil, nil
	}

	correlationID, _ := ctx.Value(CorrelationKey{}).(string)
	created := make([]domain.Execution, 0, len(pipelines))

	for _, p := range pipelines {
		exec, err := r.CreateExecution(ctx, p, trigger, snapshot, correlationID, "")
		if err != nil {
			// um pipeline com falha de persistência não impede os demais
			logger.Error().Err(err).Str("pipeline_id", p.ID).Msg("falha ao criar execução")
			continue
		}
		created = append(created, *exec)
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("nenhuma execução pôde ser criada para %d pipelines", len(pipelines))
	}

	logger.Info().Int("executions", len(created)).Msg("gatilho roteado")
	return created, nil
}

// CreateExecution persiste uma Execution pending para o pipeline e a despacha.
func (r *Router) CreateExecution(ctx context.Context, p domain.Pipeline, trigger domain.TriggerType, payload json.RawMessage, correlationID, sourceDLQItemID string) (*domain.Execution, error) {
	exec := r.NewExecution(p, trigger, payload, correlationID, sourceDLQItemID)
	if err := r.Submit(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// NewExecution monta a Execution sem persistir, para quem precisa do id antes da gravação.
func (r *Router) NewExecution(p domain.Pipeline, trigger domain.TriggerType, payload json.RawMessage, correlationID, sourceDLQItemID string) *domain.Execution {
	return &domain.Execution{
		ID:              uuid.NewString(),
		TenantID:        p.TenantID,
		PipelineID:      p.ID,
		TriggerType:     trigger,
		TriggerPayload:  payload,
		Pipeline:        p,
		Status:          domain.ExecutionPending,
		CorrelationID:   correlationID,
		SourceDLQItemID: sourceDLQItemID,
		CreatedAt:       r.now().UTC(),
	}
}

// Submit persiste e despacha. Uma falha no despacho não desfaz a criação: a execução
// pending é recuperada no boot.
func (r *Router) Submit(ctx context.Context, exec *domain.Execution) error {
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return err
	}
	if r.dispatcher != nil {
		if err := r.dispatcher.Dispatch(exec.TenantID, exec.ID); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("execution_id", exec.ID).Msg("execução criada mas não despachada")
		}
	}
	return nil
}

// Eligible filtra pipelines ativos com ao menos um step e ordena por prioridade desc, id.
func Eligible(pipelines []domain.Pipeline) []domain.Pipeline {
	out := make([]domain.Pipeline, 0, len(pipelines))
	for _, p := range pipelines {
		if p.Status != domain.PipelineActive || len(p.Steps) == 0 {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// snapshotPayload valida e copia o payload. A cópia é re-serializada de forma
// canônica para que a Execution nunca compartilhe memória com o chamador.
func snapshotPayload(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return nil, ErrInvalidPayload
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, ErrInvalidPayload
	}
	return out, nil
}

// CorrelationKey é a chave de contexto do correlation id propagado pelos transportes.
type CorrelationKey struct{}

// WithCorrelationID anexa o correlation id ao contexto.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationKey{}, id)
}
