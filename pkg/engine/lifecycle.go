package engine

import (
	"context"
	"errors"

	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/store"
)

// Start recupera execuções interrompidas e inicia o loop do scheduler em background.
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.Recover(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loopCtx = e.Logger.WithContext(loopCtx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scheduler.Start(loopCtx, e.onWakeup)
	}()
	return nil
}

// Recover redespacha execuções abertas que não têm despertar agendado: pending, running
// e failed ainda sem DLQ nem failover entregue. Roda no boot: uma queda entre duas
// escritas não pode deixar execução parada. Se outra réplica ainda conduz uma delas, o
// lease no store impede o reenvio.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	stuck, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []domain.ExecutionStatus{domain.ExecutionPending, domain.ExecutionRunning, domain.ExecutionFailed},
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, exec := range stuck {
		if exec.Closed() {
			continue
		}
		if exec.Status != domain.ExecutionPending {
			pending, err := e.scheduler.Pending(ctx, exec.ID)
			if err != nil {
				return recovered, err
			}
			if pending {
				continue
			}
		}
		if err := e.dispatch(exec.TenantID, exec.ID); err != nil {
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 {
		e.Logger.Warn().Int("executions", recovered).Msg("execuções interrompidas redespachadas")
	}
	return recovered, nil
}

// Shutdown para o scheduler, espera as entregas em andamento e fecha os recursos.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	var errs []error
	if err := e.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
