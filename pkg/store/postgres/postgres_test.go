package postgres

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/store"
	"github.com/stretchr/testify/assert"
)

func TestBuildExecutionQuery(t *testing.T) {
	t.Run("Sem filtros", func(t *testing.T) {
		q, args := buildExecutionQuery(store.ExecutionFilter{})
		assert.NotContains(t, q, "WHERE")
		assert.True(t, strings.HasSuffix(q, "ORDER BY created_at DESC, id DESC"))
		assert.Empty(t, args)
	})

	t.Run("Todos os filtros numerados em ordem", func(t *testing.T) {
		since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		q, args := buildExecutionQuery(store.ExecutionFilter{
			TenantID:   "t1",
			PipelineID: "p1",
			Statuses:   []domain.ExecutionStatus{domain.ExecutionFailed, domain.ExecutionDeadLettered},
			Since:      since,
			Limit:      20,
		})
		assert.Contains(t, q, "tenant_id = $1 AND pipeline_id = $2 AND status = ANY($3) AND created_at >= $4")
		assert.Contains(t, q, "LIMIT $5")
		assert.Len(t, args, 5)
		assert.Equal(t, "t1", args[0])
		assert.Equal(t, since, args[3])
		assert.Equal(t, 20, args[4])
	})
}

func TestBuildDeadLetterQuery(t *testing.T) {
	q, args := buildDeadLetterQuery(store.DeadLetterFilter{TenantID: "t1", Limit: 10})
	assert.Contains(t, q, "tenant_id = $1 AND retried_at IS NULL")
	assert.Contains(t, q, "LIMIT $2")
	assert.Equal(t, []interface{}{"t1", 10}, args)

	q, args = buildDeadLetterQuery(store.DeadLetterFilter{IncludeRetried: true})
	assert.NotContains(t, q, "WHERE")
	assert.Empty(t, args)
}

func TestClaimQuery(t *testing.T) {
	assert.Contains(t, claimQuery, "lease_owner=$2 OR lease_until IS NULL OR lease_until <= $4")
	assert.Contains(t, schema, "lease_until")
	assert.Contains(t, schema, "idx_webhook_executions_source_dlq")
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))

	dup := &pq.Error{Code: uniqueViolation, Constraint: "webhook_dlq_execution_id_key"}
	assert.ErrorIs(t, mapError(dup), store.ErrDuplicate)

	other := errors.New("conexão recusada")
	assert.Equal(t, other, mapError(other))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, []byte("null"), payloadOrNull(nil))
	assert.Equal(t, []byte(`{"a":1}`), payloadOrNull([]byte(`{"a":1}`)))

	now := time.Now()
	nt := nullTime(&now)
	assert.True(t, nt.Valid)
	assert.False(t, nullTime(nil).Valid)
	assert.Nil(t, timePtr(nullTime(nil)))
	assert.Equal(t, now, *timePtr(nt))
}
