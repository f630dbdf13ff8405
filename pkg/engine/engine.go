// Package engine é a fachada da engine de entrega de webhooks: recebe gatilhos,
// expõe logs de execução, estatísticas e a DLQ, e roda os testes de configuração.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/catalog"
	"github.com/raywall/fast-webhook-pipeline/pkg/config"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/metrics"
	"github.com/raywall/fast-webhook-pipeline/pkg/pipeline"
	"github.com/raywall/fast-webhook-pipeline/pkg/router"
	"github.com/raywall/fast-webhook-pipeline/pkg/rules"
	"github.com/raywall/fast-webhook-pipeline/pkg/scheduler"
	"github.com/raywall/fast-webhook-pipeline/pkg/store"
	"github.com/raywall/fast-webhook-pipeline/pkg/worker"
	"github.com/rs/zerolog"
)

var ErrInvalidRequest = errors.New("requisição inválida")

// requeueDelay adia um despertar que não pôde ser entregue ao pool.
const requeueDelay = 5 * time.Second

// Runner é o StepRunner do pipeline mais a tentativa avulsa usada pelos testes de
// configuração. Implementado por delivery.Executor.
type Runner interface {
	pipeline.StepRunner
	DryRun(ctx context.Context, exec *domain.Execution, step domain.Step) domain.StepAttempt
}

// Components reúne as peças já construídas. Build monta a partir do YAML; testes montam à mão.
type Components struct {
	Config    *config.EngineConfig
	Logger    zerolog.Logger
	Store     store.Store
	Catalog   catalog.Catalog
	Runner    Runner
	Scheduler *scheduler.Scheduler
	Pool      *worker.Pool
	Rules     *rules.RuleManager
	Metrics   *metrics.Recorder
	// Closers são chamados no Shutdown, na ordem inversa.
	Closers []func() error
}

type Engine struct {
	Config *config.EngineConfig
	Logger zerolog.Logger

	store     store.Store
	catalog   catalog.Catalog
	runner    Runner
	scheduler *scheduler.Scheduler
	pool      *worker.Pool
	rules     *rules.RuleManager
	executor  *pipeline.Executor
	router    *router.Router
	metrics   *metrics.Recorder
	closers   []func() error
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(c Components) (*Engine, error) {
	if c.Store == nil || c.Catalog == nil || c.Runner == nil || c.Scheduler == nil || c.Pool == nil {
		return nil, fmt.Errorf("engine: componentes obrigatórios ausentes")
	}
	if c.Rules == nil {
		rm, err := rules.NewRuleManager()
		if err != nil {
			return nil, fmt.Errorf("falha fatal ao iniciar RuleManager: %w", err)
		}
		c.Rules = rm
	}
	if c.Config == nil {
		c.Config = &config.EngineConfig{}
		c.Config.ApplyDefaults()
	}

	e := &Engine{
		Config:    c.Config,
		Logger:    c.Logger,
		store:     c.Store,
		catalog:   c.Catalog,
		runner:    c.Runner,
		scheduler: c.Scheduler,
		pool:      c.Pool,
		rules:     c.Rules,
		metrics:   c.Metrics,
		closers:   c.Closers,
		now:       time.Now,
	}
	e.executor = pipeline.NewExecutor(c.Store, c.Runner, c.Scheduler, nil, c.Rules, c.Metrics)
	e.router = router.New(c.Catalog, c.Store, router.DispatcherFunc(e.dispatch), c.Metrics)
	return e, nil
}

// FireTrigger roteia um gatilho. Retorna depois que as execuções foram persistidas;
// a entrega acontece em background.
func (e *Engine) FireTrigger(ctx context.Context, tenantID string, trigger domain.TriggerType, payload json.RawMessage) ([]domain.Execution, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id obrigatório", ErrInvalidRequest)
	}
	return e.router.Route(ctx, tenantID, trigger, payload)
}

// GetExecution devolve a execução com suas tentativas.
func (e *Engine) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := e.store.ListAttempts(ctx, id)
	if err != nil {
		return nil, err
	}
	exec.Attempts = attempts
	return exec, nil
}

// ListRecent lista execuções mais recentes primeiro.
func (e *Engine) ListRecent(ctx context.Context, filter store.ExecutionFilter) ([]domain.Execution, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return e.store.ListExecutions(ctx, filter)
}

// ListFailed lista execuções failed e dead_lettered.
func (e *Engine) ListFailed(ctx context.Context, filter store.ExecutionFilter) ([]domain.Execution, error) {
	filter.Statuses = []domain.ExecutionStatus{domain.ExecutionFailed, domain.ExecutionDeadLettered}
	return e.ListRecent(ctx, filter)
}

// Stats agrega o histórico do pipeline desde since (zero = todo o histórico).
func (e *Engine) Stats(ctx context.Context, pipelineID string, since time.Time) (*domain.PipelineStats, error) {
	if pipelineID == "" {
		return nil, fmt.Errorf("%w: pipeline_id obrigatório", ErrInvalidRequest)
	}
	return e.store.PipelineStats(ctx, pipelineID, since)
}

func (e *Engine) TriggerTypes() []domain.TriggerType {
	return append([]domain.TriggerType(nil), domain.TriggerTypes...)
}

func (e *Engine) SignatureModes() []domain.SignatureMode {
	return append([]domain.SignatureMode(nil), domain.SignatureModes...)
}

// Reload recarrega o catálogo quando a fonte suporta.
func (e *Engine) Reload(ctx context.Context) error {
	if r, ok := e.catalog.(catalog.Reloader); ok {
		return r.Reload(ctx)
	}
	return nil
}

// dispatch envia a execução para o pool do tenant.
func (e *Engine) dispatch(tenantID, executionID string) error {
	return e.pool.Submit(tenantID, func(ctx context.Context) {
		e.executor.Start(ctx, executionID)
	})
}

// onWakeup é o handler do scheduler.
func (e *Engine) onWakeup(ctx context.Context, w scheduler.Wakeup) {
	tenantID := w.TenantID
	if tenantID == "" {
		exec, err := e.store.GetExecution(ctx, w.ExecutionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				e.Logger.Error().Str("execution_id", w.ExecutionID).Msg("despertar para execução desconhecida")
				return
			}
			e.requeue(ctx, w, err)
			return
		}
		tenantID = exec.TenantID
	}
	err := e.pool.Submit(tenantID, func(ctx context.Context) {
		e.executor.Resume(ctx, w)
	})
	if err != nil {
		// pool encerrado: devolve o despertar para o próximo processo
		e.requeue(ctx, w, err)
	}
}

func (e *Engine) requeue(ctx context.Context, w scheduler.Wakeup, cause error) {
	w.DueAt = e.now().Add(requeueDelay)
	if err := e.scheduler.Schedule(ctx, w); err != nil {
		e.Logger.Error().Err(err).AnErr("cause", cause).Str("execution_id", w.ExecutionID).Msg("despertar perdido; será recuperado no boot")
	}
}
