// Package store define as coleções duráveis da engine: execuções, tentativas (log de
// auditoria) e a dead letter queue. As implementações devem aceitar escritas concorrentes.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
)

var (
	ErrNotFound          = errors.New("registro não encontrado")
	ErrTerminalExecution = errors.New("execução já está em estado terminal")
	ErrAlreadyRetried    = errors.New("item da DLQ já foi reenviado")
	ErrDuplicate         = errors.New("registro duplicado")
	ErrLeaseHeld         = errors.New("execução conduzida por outro processo")
)

// ExecutionFilter filtra listagens de execuções. Campos vazios não filtram.
type ExecutionFilter struct {
	TenantID   string
	PipelineID string
	Statuses   []domain.ExecutionStatus
	Since      time.Time
	Limit      int
}

// DeadLetterFilter filtra listagens da DLQ.
type DeadLetterFilter struct {
	TenantID       string
	PipelineID     string
	IncludeRetried bool
	Limit          int
}

type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *domain.Execution) error
	// UpdateExecution falha com ErrTerminalExecution se a versão persistida já estiver fechada.
	UpdateExecution(ctx context.Context, exec *domain.Execution) error
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.Execution, error)

	// ClaimExecution reserva a execução para owner até until. O mesmo owner pode
	// estender o lease; outro owner recebe ErrLeaseHeld enquanto until > now.
	ClaimExecution(ctx context.Context, id, owner string, now, until time.Time) error
	// ReleaseExecution libera o lease se ainda pertencer a owner.
	ReleaseExecution(ctx context.Context, id, owner string) error
}

// AttemptLog é append-only.
type AttemptLog interface {
	AppendAttempt(ctx context.Context, attempt domain.StepAttempt) error
	ListAttempts(ctx context.Context, executionID string) ([]domain.StepAttempt, error)
}

type DeadLetterStore interface {
	PutDeadLetter(ctx context.Context, item domain.DLQItem) error
	GetDeadLetter(ctx context.Context, id string) (*domain.DLQItem, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]domain.DLQItem, error)
	// MarkRetried falha com ErrAlreadyRetried se o item já foi reenviado.
	MarkRetried(ctx context.Context, id, executionID string, at time.Time) error
	DeleteDeadLetter(ctx context.Context, id string) error
}

type StatsReader interface {
	PipelineStats(ctx context.Context, pipelineID string, since time.Time) (*domain.PipelineStats, error)
}

// Store agrupa todas as coleções.
type Store interface {
	ExecutionStore
	AttemptLog
	DeadLetterStore
	StatsReader
}

// ComputeStats agrega execuções e tentativas já carregadas. Usado pelos backends
// que não agregam no próprio banco.
func ComputeStats(pipelineID string, execs []domain.Execution, attempts []domain.StepAttempt) *domain.PipelineStats {
	stats := &domain.PipelineStats{PipelineID: pipelineID}
	for _, e := range execs {
		stats.Executions++
		switch e.Status {
		case domain.ExecutionSucceeded:
			stats.Succeeded++
		case domain.ExecutionDeadLettered:
			stats.DeadLettered++
		case domain.ExecutionFailed:
			stats.Failed++
		default:
			stats.InFlight++
		}
	}

	closed := stats.Succeeded + stats.Failed + stats.DeadLettered
	if closed > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(closed)
	}

	latencies := make([]float64, 0, len(attempts))
	var total float64
	for _, a := range attempts {
		ms := float64(a.Latency) / float64(time.Millisecond)
		latencies = append(latencies, ms)
		total += ms
	}
	stats.Attempts = len(latencies)
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		stats.AvgLatencyMillis = total / float64(len(latencies))
		stats.P95LatencyMillis = Percentile(latencies, 0.95)
	}
	return stats
}

// Percentile usa nearest-rank sobre valores já ordenados.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
