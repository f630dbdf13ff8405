// Package pipeline conduz uma Execution pela máquina de estados:
// pending -> running -> succeeded | failed -> (failover) -> dead_lettered.
//
// O executor nunca bloqueia esperando um retry: ele agenda um despertar no scheduler e
// retorna. Quando o despertar vence, Resume continua do step e da tentativa agendados.
//
// Cada rodada reserva a execução com um lease no store. Tentativas que já constam no
// log nunca são reenviadas: uma retomada após falha interna só repete o que não foi gravado.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/metrics"
	"github.com/raywall/fast-webhook-pipeline/pkg/retry"
	"github.com/raywall/fast-webhook-pipeline/pkg/rules"
	"github.com/raywall/fast-webhook-pipeline/pkg/scheduler"
	"github.com/raywall/fast-webhook-pipeline/pkg/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// internalRetryDelay é o atraso usado quando uma dependência interna (store) falha.
	internalRetryDelay = 5 * time.Second
	// leaseTTL é a folga do lease da execução além do timeout do step em andamento.
	leaseTTL = time.Minute
)

// StepRunner executa tentativas HTTP. Implementado por delivery.Executor.
type StepRunner interface {
	Execute(ctx context.Context, exec *domain.Execution, step domain.Step, attempt int) domain.StepAttempt
	Dispatch(ctx context.Context, exec *domain.Execution, firstBody []byte) domain.StepAttempt
	RenderBody(ctx context.Context, exec *domain.Execution, step domain.Step) ([]byte, error)
}

// Scheduler persiste despertares de retry.
type Scheduler interface {
	Schedule(ctx context.Context, w scheduler.Wakeup) error
	Pending(ctx context.Context, executionID string) (bool, error)
}

// ConditionEvaluator avalia as condições dos steps. Implementado por rules.RuleManager.
type ConditionEvaluator interface {
	EvaluateBool(expression string, vars map[string]interface{}) (bool, error)
}

type Executor struct {
	store      store.Store
	runner     StepRunner
	scheduler  Scheduler
	retry      *retry.Evaluator
	conditions ConditionEvaluator
	metrics    *metrics.Recorder
	now        func() time.Time

	// owner identifica este processo nos leases das execuções
	owner string

	// execuções em andamento neste processo
	inflight sync.Map
}

func NewExecutor(st store.Store, runner StepRunner, sched Scheduler, evaluator *retry.Evaluator, conditions ConditionEvaluator, recorder *metrics.Recorder) *Executor {
	if evaluator == nil {
		evaluator = retry.NewEvaluator(0)
	}
	return &Executor{
		store:      st,
		runner:     runner,
		scheduler:  sched,
		retry:      evaluator,
		conditions: conditions,
		metrics:    recorder,
		now:        time.Now,
		owner:      uuid.NewString(),
	}
}

// Start executa a Execution a partir do cursor persistido.
func (e *Executor) Start(ctx context.Context, executionID string) {
	e.run(ctx, scheduler.Wakeup{ExecutionID: executionID})
}

// Resume continua uma Execution a partir de um despertar do scheduler.
func (e *Executor) Resume(ctx context.Context, w scheduler.Wakeup) {
	e.run(ctx, w)
}

func (e *Executor) run(ctx context.Context, w scheduler.Wakeup) {
	if _, busy := e.inflight.LoadOrStore(w.ExecutionID, struct{}{}); busy {
		log.Debug().Str("execution_id", w.ExecutionID).Msg("execução já em andamento neste processo")
		return
	}
	defer e.inflight.Delete(w.ExecutionID)

	logger := log.With().Str("execution_id", w.ExecutionID).Logger()
	ctx = logger.WithContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("panic", fmt.Sprint(r)).Msg("panic recuperado no executor de pipeline")
		}
	}()

	now := e.now()
	if err := e.store.ClaimExecution(ctx, w.ExecutionID, e.owner, now, now.Add(leaseTTL)); err != nil {
		switch {
		case errors.Is(err, store.ErrLeaseHeld):
			logger.Debug().Msg("execução conduzida por outra réplica")
			e.watch(ctx, w)
		case errors.Is(err, store.ErrNotFound):
			logger.Warn().Msg("despertar para execução inexistente")
		default:
			logger.Error().Err(err).Msg("falha ao reservar execução; será retomada")
			e.reschedule(ctx, w)
		}
		return
	}
	defer e.release(ctx, w.ExecutionID)

	exec, err := e.store.GetExecution(ctx, w.ExecutionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn().Msg("despertar para execução inexistente")
			return
		}
		logger.Error().Err(err).Msg("falha ao carregar execução; será retomada")
		e.reschedule(ctx, w)
		return
	}
	if exec.Closed() {
		return
	}

	if err := e.advance(ctx, exec, w.StepID, w.Attempt); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			logger.Warn().Msg("lease perdido; outra réplica assumiu a execução")
			return
		}
		// dependência interna fora: retoma do cursor persistido, repetindo só o que não foi registrado
		logger.Error().Err(err).Msg("falha interna; execução será retomada")
		e.reschedule(ctx, scheduler.Wakeup{ExecutionID: exec.ID, TenantID: exec.TenantID})
	}
}

// advance percorre os steps até suspender (retry agendado) ou fechar a execução.
// Tentativas já presentes no log são reaproveitadas, nunca reenviadas.
func (e *Executor) advance(ctx context.Context, exec *domain.Execution, stepID string, attempt int) error {
	logger := zerolog.Ctx(ctx)

	if exec.Status == domain.ExecutionFailed {
		// falha já decidida numa rodada anterior: resta failover e DLQ
		return e.fail(ctx, exec)
	}

	steps := exec.Pipeline.OrderedSteps()
	idx := exec.CurrentStep
	if stepID != "" {
		idx = indexOf(steps, stepID)
		if idx < 0 {
			return e.close(ctx, exec, fmt.Sprintf("step %q não existe no snapshot do pipeline", stepID))
		}
	}
	if attempt < 1 {
		attempt = 1
	}

	if exec.Status == domain.ExecutionPending {
		now := e.now()
		exec.Status = domain.ExecutionRunning
		exec.StartedAt = &now
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			return err
		}
	}

	done, err := e.history(ctx, exec.ID)
	if err != nil {
		return err
	}

	payload, payloadErr := decodePayload(exec.TriggerPayload)
	if payloadErr != nil {
		logger.Error().Err(payloadErr).Msg("payload da execução corrompido")
	}

	for idx < len(steps) {
		step := steps[idx]
		exec.CurrentStep = idx

		a, replayed := done[attemptKey(step.ID, attempt)]
		if !replayed {
			ok, err := e.shouldRun(exec, step, payload, payloadErr)
			if err == nil && !ok {
				logger.Info().Str("step_id", step.ID).Msg("step ignorado pela condição")
				idx, attempt = idx+1, 1
				continue
			}
			if err != nil {
				// condição quebrada conta como falha terminal do step, sem chamada de rede
				a = e.conditionFailure(exec, step, attempt, err)
			} else {
				if err := e.extend(ctx, exec, step.EffectiveTimeout()); err != nil {
					return err
				}
				a = e.runner.Execute(ctx, exec, step, attempt)
			}
			if err := e.record(ctx, exec, a); err != nil {
				return err
			}
		}

		switch a.Outcome {
		case domain.OutcomeSuccess:
			idx, attempt = idx+1, 1
			exec.CurrentStep = idx
			if err := e.store.UpdateExecution(ctx, exec); err != nil {
				return err
			}
			continue

		case domain.OutcomeRetryableFailure:
			decision := e.retry.NextDelay(step.EffectiveRetryPolicy(), attempt)
			if !decision.Exhausted {
				if _, ok := done[attemptKey(step.ID, attempt+1)]; ok {
					attempt++
					continue
				}
				exec.LastError = errText(a)
				if err := e.store.UpdateExecution(ctx, exec); err != nil {
					return err
				}
				return e.scheduler.Schedule(ctx, scheduler.Wakeup{
					ExecutionID: exec.ID,
					TenantID:    exec.TenantID,
					StepID:      step.ID,
					Attempt:     attempt + 1,
					DueAt:       e.now().Add(decision.Delay),
				})
			}
			logger.Warn().Str("step_id", step.ID).Int("attempt", attempt).Msg("tentativas esgotadas")
		}

		// terminal ou retentável esgotado; o cursor persistido já aponta além do step
		stop := e.stepFailed(exec, step, errText(a))
		idx, attempt = idx+1, 1
		if stop {
			idx = len(steps)
		}
		exec.CurrentStep = idx
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			return err
		}
	}

	if exec.FailedSteps > 0 {
		return e.fail(ctx, exec)
	}
	return e.succeed(ctx, exec)
}

func (e *Executor) shouldRun(exec *domain.Execution, step domain.Step, payload map[string]interface{}, payloadErr error) (bool, error) {
	if step.Condition == "" || e.conditions == nil {
		return true, nil
	}
	if payloadErr != nil {
		return false, fmt.Errorf("payload da execução corrompido: %w", payloadErr)
	}
	return e.conditions.EvaluateBool(step.Condition, rules.Vars(exec, payload))
}

// stepFailed registra a falha e indica se o pipeline deve parar.
func (e *Executor) stepFailed(exec *domain.Execution, step domain.Step, reason string) bool {
	exec.FailedSteps++
	exec.LastError = fmt.Sprintf("step %s: %s", step.ID, reason)
	return step.StopOnFailure
}

func (e *Executor) record(ctx context.Context, exec *domain.Execution, a domain.StepAttempt) error {
	if err := e.store.AppendAttempt(ctx, a); err != nil {
		return fmt.Errorf("falha ao gravar tentativa: %w", err)
	}
	e.metrics.Attempt(exec.TenantID, exec.PipelineID, string(a.Outcome), a.Latency)
	return nil
}

func (e *Executor) succeed(ctx context.Context, exec *domain.Execution) error {
	now := e.now()
	exec.Status = domain.ExecutionSucceeded
	exec.CompletedAt = &now
	exec.LastError = ""
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return ignoreClosed(err)
	}
	e.metrics.ExecutionClosed(exec.TenantID, exec.PipelineID, string(exec.Status))
	zerolog.Ctx(ctx).Info().Str("pipeline_id", exec.PipelineID).Msg("execução concluída com sucesso")
	return nil
}

// fail aplica failover (se houver) e, se ele não entregar, move a execução para a DLQ.
// O status failed é persistido antes, com o cursor além do último step, para que uma
// retomada vá direto para esta fase.
func (e *Executor) fail(ctx context.Context, exec *domain.Execution) error {
	logger := zerolog.Ctx(ctx)

	if exec.Status != domain.ExecutionFailed {
		exec.Status = domain.ExecutionFailed
		exec.CurrentStep = len(exec.Pipeline.OrderedSteps())
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			return ignoreClosed(err)
		}
	}

	if exec.Pipeline.FailoverURL != "" {
		a, err := e.failover(ctx, exec)
		if err != nil {
			return err
		}
		if a.Outcome == domain.OutcomeSuccess {
			now := e.now()
			exec.FailoverDelivered = true
			exec.CompletedAt = &now
			if err := e.store.UpdateExecution(ctx, exec); err != nil {
				return ignoreClosed(err)
			}
			e.metrics.ExecutionClosed(exec.TenantID, exec.PipelineID, string(exec.Status))
			logger.Warn().Msg("execução falhou; failover entregue")
			return nil
		}
		logger.Warn().Str("error", errText(a)).Msg("failover falhou")
	}

	return e.close(ctx, exec, exec.LastError)
}

// failover faz a chamada única de failover. Se ela já consta no log, o resultado
// registrado é reaproveitado.
func (e *Executor) failover(ctx context.Context, exec *domain.Execution) (domain.StepAttempt, error) {
	attempts, err := e.store.ListAttempts(ctx, exec.ID)
	if err != nil {
		return domain.StepAttempt{}, err
	}
	for _, a := range attempts {
		if a.Failover {
			return a, nil
		}
	}

	if steps := exec.Pipeline.OrderedSteps(); len(steps) > 0 {
		if err := e.extend(ctx, exec, steps[0].EffectiveTimeout()); err != nil {
			return domain.StepAttempt{}, err
		}
	}
	a := e.runner.Dispatch(ctx, exec, e.firstBody(ctx, exec, attempts))
	if err := e.record(ctx, exec, a); err != nil {
		return a, err
	}
	return a, nil
}

// close move a execução para dead_lettered e grava o item da DLQ antes do status, para
// que uma queda entre as duas escritas nunca deixe execução fechada sem item.
func (e *Executor) close(ctx context.Context, exec *domain.Execution, reason string) error {
	attempts, err := e.store.ListAttempts(ctx, exec.ID)
	if err != nil {
		return err
	}
	count := 0
	for _, a := range attempts {
		if !a.Failover {
			count++
		}
	}

	now := e.now()
	item := domain.DLQItem{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		TenantID:    exec.TenantID,
		PipelineID:  exec.PipelineID,
		TriggerType: exec.TriggerType,
		FailedAt:    now,
		Attempts:    count,
		LastError:   reason,
		Payload:     exec.TriggerPayload,
	}
	if err := e.store.PutDeadLetter(ctx, item); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("falha ao gravar item na DLQ: %w", err)
	}

	exec.Status = domain.ExecutionDeadLettered
	exec.LastError = reason
	exec.CompletedAt = &now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return ignoreClosed(err)
	}

	e.metrics.DeadLettered(exec.TenantID, exec.PipelineID)
	e.metrics.ExecutionClosed(exec.TenantID, exec.PipelineID, string(exec.Status))
	zerolog.Ctx(ctx).Error().Str("pipeline_id", exec.PipelineID).Int("attempts", count).Str("error", reason).Msg("execução enviada para a DLQ")
	return nil
}

// firstBody recupera o body enviado na primeira tentativa do primeiro step. Se ele não
// foi registrado (ou foi mascarado), renderiza de novo a partir do snapshot.
func (e *Executor) firstBody(ctx context.Context, exec *domain.Execution, attempts []domain.StepAttempt) []byte {
	steps := exec.Pipeline.OrderedSteps()
	if len(steps) == 0 {
		return nil
	}
	first := steps[0]

	for _, a := range attempts {
		if a.StepID == first.ID && !a.Failover && !a.Request.BodyRedacted && len(a.Request.Body) > 0 {
			return a.Request.Body
		}
	}
	body, err := e.runner.RenderBody(ctx, exec, first)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failover sem body: falha ao renderizar primeiro step")
		return nil
	}
	return body
}

func (e *Executor) conditionFailure(exec *domain.Execution, step domain.Step, attempt int, err error) domain.StepAttempt {
	msg := fmt.Sprintf("condição inválida: %v", err)
	return domain.StepAttempt{
		ID:            uuid.NewString(),
		ExecutionID:   exec.ID,
		PipelineID:    exec.PipelineID,
		TenantID:      exec.TenantID,
		StepID:        step.ID,
		StepOrder:     step.Order,
		AttemptNumber: attempt,
		Request:       domain.RequestSnapshot{Method: step.EffectiveMethod(), URL: step.URL},
		Error:         &msg,
		Outcome:       domain.OutcomeTerminalFailure,
		CreatedAt:     e.now(),
	}
}

// history indexa as tentativas já registradas por step e número.
func (e *Executor) history(ctx context.Context, executionID string) (map[string]domain.StepAttempt, error) {
	attempts, err := e.store.ListAttempts(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("falha ao ler tentativas: %w", err)
	}
	done := make(map[string]domain.StepAttempt, len(attempts))
	for _, a := range attempts {
		if !a.Failover {
			done[attemptKey(a.StepID, a.AttemptNumber)] = a
		}
	}
	return done, nil
}

func (e *Executor) extend(ctx context.Context, exec *domain.Execution, timeout time.Duration) error {
	now := e.now()
	return e.store.ClaimExecution(ctx, exec.ID, e.owner, now, now.Add(timeout+leaseTTL))
}

func (e *Executor) release(ctx context.Context, executionID string) {
	if err := e.store.ReleaseExecution(context.WithoutCancel(ctx), executionID, e.owner); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("falha ao liberar lease; expira sozinho")
	}
}

// watch cobre a réplica dona do lease que cair no meio de um step: se ela não deixou
// despertar, a execução é checada de novo quando o lease vencer.
func (e *Executor) watch(ctx context.Context, w scheduler.Wakeup) {
	if e.scheduler == nil {
		return
	}
	if pending, err := e.scheduler.Pending(ctx, w.ExecutionID); err != nil || pending {
		return
	}
	w.DueAt = e.now().Add(leaseTTL)
	if err := e.scheduler.Schedule(ctx, w); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("falha ao agendar checagem do lease")
	}
}

func (e *Executor) reschedule(ctx context.Context, w scheduler.Wakeup) {
	if e.scheduler == nil {
		return
	}
	w.DueAt = e.now().Add(internalRetryDelay)
	if err := e.scheduler.Schedule(ctx, w); err != nil {
		// sem scheduler a execução fica parada e é recuperada no próximo boot
		zerolog.Ctx(ctx).Error().Err(err).Msg("falha ao agendar retomada")
	}
}

func decodePayload(raw json.RawMessage) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if len(raw) == 0 {
		return payload, nil
	}
	err := json.Unmarshal(raw, &payload)
	return payload, err
}

func attemptKey(stepID string, attempt int) string {
	return fmt.Sprintf("%s#%d", stepID, attempt)
}

func indexOf(steps []domain.Step, id string) int {
	for i, s := range steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func errText(a domain.StepAttempt) string {
	if a.Error != nil {
		return *a.Error
	}
	return string(a.Outcome)
}

func ignoreClosed(err error) error {
	if errors.Is(err, store.ErrTerminalExecution) {
		return nil
	}
	return err
}
