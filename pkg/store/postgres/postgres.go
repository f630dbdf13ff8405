// Package postgres persiste execuções, tentativas e a DLQ no PostgreSQL (driver lib/pq).
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/raywall/fast-webhook-pipeline/pkg/config"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/store"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// closedPredicate espelha domain.Execution.Closed.
const closedPredicate = `(status IN ('succeeded','dead_lettered') OR (status = 'failed' AND completed_at IS NOT NULL))`

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open abre o pool e, se configurado, aplica o schema.
func Open(ctx context.Context, cfg config.PostgresConf) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("erro ao abrir conexão SQL: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.GetConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres indisponível: %w", err)
	}

	s := New(db)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("falha ao aplicar schema: %w", err)
	}
	log.Info().Msg("schema do postgres aplicado")
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- Execuções ---

func (s *Store) CreateExecution(ctx context.Context, e *domain.Execution) error {
	snapshot, err := json.Marshal(e.Pipeline)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_executions (id, tenant_id, pipeline_id, trigger_type, trigger_payload, pipeline_snapshot,
			status, current_step, failed_steps, failover_delivered, last_error, correlation_id, source_dlq_item_id,
			created_at, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		e.ID, e.TenantID, e.PipelineID, string(e.TriggerType), payloadOrNull(e.TriggerPayload), snapshot,
		string(e.Status), e.CurrentStep, e.FailedSteps, e.FailoverDelivered, e.LastError, e.CorrelationID,
		e.SourceDLQItemID, e.CreatedAt, nullTime(e.StartedAt), nullTime(e.CompletedAt))
	return mapError(err)
}

func (s *Store) UpdateExecution(ctx context.Context, e *domain.Execution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_executions SET status=$2, current_step=$3, failed_steps=$4, failover_delivered=$5,
			last_error=$6, started_at=$7, completed_at=$8
		WHERE id=$1 AND NOT `+closedPredicate,
		e.ID, string(e.Status), e.CurrentStep, e.FailedSteps, e.FailoverDelivered, e.LastError,
		nullTime(e.StartedAt), nullTime(e.CompletedAt))
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Nenhuma linha: ou não existe ou já fechou
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM webhook_executions WHERE id=$1)`, e.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrTerminalExecution
}

// claimQuery só toma o lease livre, vencido ou já do mesmo dono.
const claimQuery = `
	UPDATE webhook_executions SET lease_owner=$2, lease_until=$3
	WHERE id=$1 AND (lease_owner = '' OR lease_owner=$2 OR lease_until IS NULL OR lease_until <= $4)`

func (s *Store) ClaimExecution(ctx context.Context, id, owner string, now, until time.Time) error {
	res, err := s.db.ExecContext(ctx, claimQuery, id, owner, until, now)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM webhook_executions WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrLeaseHeld
}

func (s *Store) ReleaseExecution(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_executions SET lease_owner='', lease_until=NULL WHERE id=$1 AND lease_owner=$2`, id, owner)
	return mapError(err)
}

const executionColumns = `id, tenant_id, pipeline_id, trigger_type, trigger_payload, pipeline_snapshot, status,
	current_step, failed_steps, failover_delivered, last_error, correlation_id, source_dlq_item_id,
	created_at, started_at, completed_at`

func (s *Store) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM webhook_executions WHERE id=$1`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return e, err
}

func (s *Store) ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]domain.Execution, error) {
	query, args := buildExecutionQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("erro na query SQL: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// buildExecutionQuery monta o SELECT filtrado; separado para ser testável sem banco.
func buildExecutionQuery(f store.ExecutionFilter) (string, []interface{}) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.PipelineID != "" {
		add("pipeline_id = $%d", f.PipelineID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + executionColumns + ` FROM webhook_executions`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		b.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}
	return b.String(), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (*domain.Execution, error) {
	var (
		e                  domain.Execution
		trigger, status    string
		payload, snapshot  []byte
		started, completed sql.NullTime
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.PipelineID, &trigger, &payload, &snapshot, &status,
		&e.CurrentStep, &e.FailedSteps, &e.FailoverDelivered, &e.LastError, &e.CorrelationID,
		&e.SourceDLQItemID, &e.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	e.TriggerType = domain.TriggerType(trigger)
	e.Status = domain.ExecutionStatus(status)
	e.TriggerPayload = json.RawMessage(payload)
	if err := json.Unmarshal(snapshot, &e.Pipeline); err != nil {
		return nil, fmt.Errorf("snapshot de pipeline corrompido (%s): %w", e.ID, err)
	}
	e.StartedAt = timePtr(started)
	e.CompletedAt = timePtr(completed)
	return &e, nil
}

// --- Tentativas ---

func (s *Store) AppendAttempt(ctx context.Context, a domain.StepAttempt) error {
	req, err := json.Marshal(a.Request)
	if err != nil {
		return err
	}
	var errText sql.NullString
	if a.Error != nil {
		errText = sql.NullString{String: *a.Error, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_step_attempts (id, execution_id, pipeline_id, tenant_id, step_id, step_order,
			attempt_number, failover, request, http_status, response_body, latency_ms, error, outcome, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		a.ID, a.ExecutionID, a.PipelineID, a.TenantID, a.StepID, a.StepOrder, a.AttemptNumber, a.Failover,
		req, a.HTTPStatus, a.ResponseBody, float64(a.Latency)/float64(time.Millisecond), errText,
		string(a.Outcome), a.CreatedAt)
	return mapError(err)
}

func (s *Store) ListAttempts(ctx context.Context, executionID string) ([]domain.StepAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, pipeline_id, tenant_id, step_id, step_order, attempt_number, failover,
			request, http_status, response_body, latency_ms, error, outcome, created_at
		FROM webhook_step_attempts WHERE execution_id=$1 ORDER BY created_at, attempt_number`, executionID)
	if err != nil {
		return nil, fmt.Errorf("erro na query SQL: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepAttempt, 0)
	for rows.Next() {
		var (
			a       domain.StepAttempt
			req     []byte
			latency float64
			errText sql.NullString
			outcome string
		)
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.PipelineID, &a.TenantID, &a.StepID, &a.StepOrder,
			&a.AttemptNumber, &a.Failover, &req, &a.HTTPStatus, &a.ResponseBody, &latency, &errText,
			&outcome, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(req, &a.Request); err != nil {
			return nil, err
		}
		a.Latency = time.Duration(latency * float64(time.Millisecond))
		a.Outcome = domain.Outcome(outcome)
		if errText.Valid {
			msg := errText.String
			a.Error = &msg
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- DLQ ---

const dlqColumns = `id, execution_id, tenant_id, pipeline_id, trigger_type, failed_at, attempts, last_error,
	payload, retried_at, retry_execution_id`

func (s *Store) PutDeadLetter(ctx context.Context, d domain.DLQItem) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO webhook_dlq (`+dlqColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.ExecutionID, d.TenantID, d.PipelineID, string(d.TriggerType), d.FailedAt, d.Attempts,
		d.LastError, payloadOrNull(d.Payload), nullTime(d.RetriedAt), d.RetryExecutionID)
	return mapError(err)
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*domain.DLQItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM webhook_dlq WHERE id=$1`, id)
	d, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return d, err
}

func (s *Store) ListDeadLetters(ctx context.Context, f store.DeadLetterFilter) ([]domain.DLQItem, error) {
	query, args := buildDeadLetterQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("erro na query SQL: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DLQItem, 0)
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func buildDeadLetterQuery(f store.DeadLetterFilter) (string, []interface{}) {
	var where []string
	var args []interface{}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if f.PipelineID != "" {
		args = append(args, f.PipelineID)
		where = append(where, fmt.Sprintf("pipeline_id = $%d", len(args)))
	}
	if !f.IncludeRetried {
		where = append(where, "retried_at IS NULL")
	}

	query := `SELECT ` + dlqColumns + ` FROM webhook_dlq`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY failed_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func scanDeadLetter(row scanner) (*domain.DLQItem, error) {
	var (
		d       domain.DLQItem
		trigger string
		payload []byte
		retried sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.ExecutionID, &d.TenantID, &d.PipelineID, &trigger, &d.FailedAt,
		&d.Attempts, &d.LastError, &payload, &retried, &d.RetryExecutionID); err != nil {
		return nil, err
	}
	d.TriggerType = domain.TriggerType(trigger)
	d.Payload = json.RawMessage(payload)
	d.RetriedAt = timePtr(retried)
	return &d, nil
}

// MarkRetried é condicional a retried_at IS NULL, então dois retries concorrentes
// não geram duas execuções.
func (s *Store) MarkRetried(ctx context.Context, id, executionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_dlq SET retried_at=$2, retry_execution_id=$3 WHERE id=$1 AND retried_at IS NULL`,
		id, at, executionID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetDeadLetter(ctx, id); err != nil {
		return err
	}
	return store.ErrAlreadyRetried
}

func (s *Store) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_dlq WHERE id=$1`, id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Estatísticas ---

// PipelineStats agrega no próprio banco; o p95 usa percentile_disc, equivalente ao
// nearest-rank do store em memória.
func (s *Store) PipelineStats(ctx context.Context, pipelineID string, since time.Time) (*domain.PipelineStats, error) {
	stats := &domain.PipelineStats{PipelineID: pipelineID}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'succeeded'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'dead_lettered'),
			COUNT(*) FILTER (WHERE status IN ('pending','running'))
		FROM webhook_executions WHERE pipeline_id=$1 AND created_at >= $2`, pipelineID, since).
		Scan(&stats.Executions, &stats.Succeeded, &stats.Failed, &stats.DeadLettered, &stats.InFlight)
	if err != nil {
		return nil, fmt.Errorf("erro na query SQL: %w", err)
	}

	var avg, p95 sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(a.*), AVG(a.latency_ms), percentile_disc(0.95) WITHIN GROUP (ORDER BY a.latency_ms)
		FROM webhook_step_attempts a
		JOIN webhook_executions e ON e.id = a.execution_id
		WHERE e.pipeline_id=$1 AND e.created_at >= $2`, pipelineID, since).
		Scan(&stats.Attempts, &avg, &p95)
	if err != nil {
		return nil, fmt.Errorf("erro na query SQL: %w", err)
	}
	stats.AvgLatencyMillis = avg.Float64
	stats.P95LatencyMillis = p95.Float64

	if closed := stats.Succeeded + stats.Failed + stats.DeadLettered; closed > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(closed)
	}
	return stats, nil
}

// --- Helpers ---

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, pqErr.Constraint)
	}
	return err
}

func payloadOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
