// Package scheduler mantém os despertares de retry persistidos. Cada execução tem no
// máximo um despertar pendente; um loop de polling reclama os vencidos e os entrega ao
// handler registrado. Como os despertares ficam fora do processo, um restart não perde
// retries agendados.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/metrics"
	"github.com/rs/zerolog/log"
)

var ErrInvalidWakeup = errors.New("despertar sem execution_id")

// Wakeup representa "retome a execução X no step Y, tentativa N, a partir de DueAt".
// StepID vazio retoma do cursor persistido da execução.
type Wakeup struct {
	ExecutionID string    `json:"execution_id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	StepID      string    `json:"step_id"`
	Attempt     int       `json:"attempt"`
	DueAt       time.Time `json:"due_at"`
}

// Store é o backend durável dos despertares.
type Store interface {
	// Put grava ou substitui o despertar da execução.
	Put(ctx context.Context, w Wakeup) error
	// ClaimDue remove e devolve até limit despertares vencidos. Um mesmo despertar
	// nunca é devolvido para dois chamadores.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Wakeup, error)
	Get(ctx context.Context, executionID string) (*Wakeup, error)
	Remove(ctx context.Context, executionID string) error
	Len(ctx context.Context) (int, error)
}

// Handler recebe um despertar vencido. Deve retornar rápido (normalmente enfileira no pool).
type Handler func(ctx context.Context, w Wakeup)

type Scheduler struct {
	store    Store
	interval time.Duration
	batch    int
	metrics  *metrics.Recorder
	now      func() time.Time
}

func New(store Store, interval time.Duration, batch int, recorder *metrics.Recorder) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Scheduler{
		store:    store,
		interval: interval,
		batch:    batch,
		metrics:  recorder,
		now:      time.Now,
	}
}

// Schedule agenda (ou reagenda) o despertar de uma execução.
func (s *Scheduler) Schedule(ctx context.Context, w Wakeup) error {
	if w.ExecutionID == "" {
		return ErrInvalidWakeup
	}
	if err := s.store.Put(ctx, w); err != nil {
		return err
	}
	s.metrics.Scheduled(w.DueAt.Sub(s.now()))
	log.Ctx(ctx).Debug().
		Str("execution_id", w.ExecutionID).
		Str("step_id", w.StepID).
		Int("attempt", w.Attempt).
		Time("due_at", w.DueAt).
		Msg("retry agendado")
	return nil
}

// Pending indica se a execução tem um despertar aguardando.
func (s *Scheduler) Pending(ctx context.Context, executionID string) (bool, error) {
	w, err := s.store.Get(ctx, executionID)
	if err != nil {
		return false, err
	}
	return w != nil, nil
}

func (s *Scheduler) Cancel(ctx context.Context, executionID string) error {
	return s.store.Remove(ctx, executionID)
}

func (s *Scheduler) Len(ctx context.Context) (int, error) {
	return s.store.Len(ctx)
}

// Tick reclama os despertares vencidos e os entrega ao handler. Retorna quantos disparou.
func (s *Scheduler) Tick(ctx context.Context, handler Handler) (int, error) {
	fired := 0
	for {
		due, err := s.store.ClaimDue(ctx, s.now(), s.batch)
		if err != nil {
			return fired, err
		}
		for _, w := range due {
			handler(ctx, w)
		}
		fired += len(due)
		if len(due) < s.batch || ctx.Err() != nil {
			break
		}
	}
	s.metrics.SchedulerFired(fired)
	return fired, nil
}

// Start executa o loop de polling até o contexto ser cancelado.
func (s *Scheduler) Start(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("scheduler iniciado")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler finalizado")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx, handler); err != nil {
				log.Error().Err(err).Msg("falha ao reclamar despertares vencidos")
			}
		}
	}
}
