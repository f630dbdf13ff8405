package dynamo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/raywall/fast-webhook-pipeline/pkg/catalog"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type MockDynamo struct {
	QueryFunc func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	ScanFunc  func(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

func (m *MockDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return m.QueryFunc(ctx, params, optFns...)
}

func (m *MockDynamo) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return m.ScanFunc(ctx, params, optFns...)
}

func item(t *testing.T, p domain.Pipeline) map[string]types.AttributeValue {
	t.Helper()
	av, err := Encode(p)
	require.NoError(t, err)
	return av
}

func samplePipeline(id string) domain.Pipeline {
	return domain.Pipeline{
		ID:          id,
		TenantID:    "t1",
		Name:        "Conversões",
		TriggerType: domain.TriggerConversion,
		Status:      domain.PipelineActive,
		Priority:    3,
		Steps: []domain.Step{{
			ID:            "s1",
			Order:         1,
			URL:           "https://hooks.example.com/{{tenant.id}}",
			Headers:       map[string]string{"X-Key": "{{env.KEY}}"},
			Body:          map[string]interface{}{"amount": "{{payload.conversion.amount}}"},
			Timeout:       domain.Duration(3 * time.Second),
			SignatureMode: domain.SignatureHMAC,
			RetryPolicy:   &domain.RetryPolicy{MaxAttempts: 3, BackoffType: domain.BackoffFixed, InitialDelay: domain.Duration(5 * time.Second)},
		}},
	}
}

// --- Testes ---

func TestCatalog_PipelinesFor(t *testing.T) {
	calls := 0
	client := &MockDynamo{
		QueryFunc: func(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			calls++
			assert.Equal(t, "webhook-pipelines", *params.TableName)
			require.NotNil(t, params.KeyConditionExpression)
			require.NotNil(t, params.FilterExpression)

			var values []string
			for _, v := range params.ExpressionAttributeValues {
				values = append(values, v.(*types.AttributeValueMemberS).Value)
			}
			assert.ElementsMatch(t, []string{"t1", "conversion"}, values)

			if calls == 1 {
				return &dynamodb.QueryOutput{
					Items:            []map[string]types.AttributeValue{item(t, samplePipeline("p1"))},
					LastEvaluatedKey: map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "p1"}},
				}, nil
			}
			assert.NotNil(t, params.ExclusiveStartKey)
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item(t, samplePipeline("p2"))}}, nil
		},
	}

	c := New(client, "webhook-pipelines", "")
	list, err := c.PipelinesFor(context.Background(), "t1", domain.TriggerConversion)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2, calls)

	p := list[0]
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, 3, p.Priority)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "p1", p.Steps[0].PipelineID)
	assert.Equal(t, 3*time.Second, p.Steps[0].EffectiveTimeout())
	assert.Equal(t, "{{env.KEY}}", p.Steps[0].Headers["X-Key"])
	assert.Equal(t, 3, p.Steps[0].RetryPolicy.MaxAttempts)
}

func TestCatalog_Get(t *testing.T) {
	t.Run("Via índice", func(t *testing.T) {
		client := &MockDynamo{
			QueryFunc: func(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
				require.NotNil(t, params.IndexName)
				assert.Equal(t, "by-id", *params.IndexName)
				return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item(t, samplePipeline("p9"))}}, nil
			},
		}
		p, err := New(client, "tbl", "by-id").Get(context.Background(), "p9")
		require.NoError(t, err)
		assert.Equal(t, "p9", p.ID)
	})

	t.Run("Via scan paginado", func(t *testing.T) {
		pages := 0
		client := &MockDynamo{
			ScanFunc: func(_ context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
				pages++
				if pages == 1 {
					return &dynamodb.ScanOutput{LastEvaluatedKey: map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "x"}}}, nil
				}
				return &dynamodb.ScanOutput{Items: []map[string]types.AttributeValue{item(t, samplePipeline("p7"))}}, nil
			},
		}
		p, err := New(client, "tbl", "").Get(context.Background(), "p7")
		require.NoError(t, err)
		assert.Equal(t, "p7", p.ID)
		assert.Equal(t, 2, pages)
	})

	t.Run("Não encontrado", func(t *testing.T) {
		client := &MockDynamo{
			ScanFunc: func(context.Context, *dynamodb.ScanInput, ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
				return &dynamodb.ScanOutput{}, nil
			},
		}
		_, err := New(client, "tbl", "").Get(context.Background(), "nope")
		assert.ErrorIs(t, err, catalog.ErrPipelineNotFound)
	})

	t.Run("Erro da AWS", func(t *testing.T) {
		client := &MockDynamo{
			QueryFunc: func(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
				return nil, errors.New("throttled")
			},
		}
		_, err := New(client, "tbl", "by-id").Get(context.Background(), "p1")
		assert.ErrorContains(t, err, "throttled")
	})
}
