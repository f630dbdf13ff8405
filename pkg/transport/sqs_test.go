package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// --- Mocks ---

type MockSQSClient struct {
	mock.Mock
}

func (m *MockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ReceiveMessageOutput), args.Error(1)
}

func (m *MockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, params)
	return &sqs.DeleteMessageOutput{}, args.Error(1)
}

// MockEngineReloader Thread-Safe
type MockEngineReloader struct {
	mu    sync.Mutex
	count int
	Err   error
}

func (m *MockEngineReloader) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	return m.Err
}

func (m *MockEngineReloader) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func message(body, handle string) types.Message {
	return types.Message{
		MessageId:     stringPtr("msg-" + handle),
		Body:          stringPtr(body),
		ReceiptHandle: stringPtr(handle),
	}
}

// --- Tests ---

func TestSQSReloader(t *testing.T) {
	t.Run("Um reload por lote e mensagens removidas", func(t *testing.T) {
		mockSQS := new(MockSQSClient)
		reloader := &MockEngineReloader{}

		mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
			Messages: []types.Message{message(`{}`, "h1"), message(`{}`, "h2")},
		}, nil).Once()
		mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{}, nil).Maybe()
		mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).Return(nil, nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan struct{})
		go func() {
			NewSQSReloader(mockSQS, "http://queue", reloader).Start(ctx)
			close(done)
		}()

		assert.Eventually(t, func() bool { return reloader.Count() == 1 }, time.Second, 10*time.Millisecond)
		cancel()
		<-done

		assert.Equal(t, 1, reloader.Count())
		mockSQS.AssertNumberOfCalls(t, "DeleteMessage", 2)
	})

	t.Run("Sem fila configurada retorna imediatamente", func(t *testing.T) {
		mockSQS := new(MockSQSClient)
		NewSQSReloader(mockSQS, "", &MockEngineReloader{}).Start(context.Background())
		mockSQS.AssertNotCalled(t, "ReceiveMessage", mock.Anything, mock.Anything)
	})

	t.Run("Falha no reload ainda remove a notificação", func(t *testing.T) {
		mockSQS := new(MockSQSClient)
		reloader := &MockEngineReloader{Err: errors.New("yaml inválido")}

		mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
			Messages: []types.Message{message(`{}`, "h1")},
		}, nil).Once()
		mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{}, nil).Maybe()
		mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).Return(nil, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			NewSQSReloader(mockSQS, "http://queue", reloader).Start(ctx)
			close(done)
		}()

		assert.Eventually(t, func() bool { return reloader.Count() == 1 }, time.Second, 10*time.Millisecond)
		cancel()
		<-done
		mockSQS.AssertCalled(t, "DeleteMessage", mock.Anything, mock.Anything)
	})
}

func TestSQSConsumer(t *testing.T) {
	t.Run("Remove processadas e malformadas, mantém falhas retentáveis", func(t *testing.T) {
		mockSQS := new(MockSQSClient)
		firer := &FakeFirer{FireFunc: func(tenantID string, _ domain.TriggerType) ([]domain.Execution, error) {
			if tenantID == "flaky" {
				return nil, errors.New("db down")
			}
			return []domain.Execution{{ID: "e"}}, nil
		}}

		mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
			Messages: []types.Message{
				message(`{"tenant_id":"t1","trigger_type":"click","payload":{}}`, "ok"),
				message(`garbage`, "bad"),
				message(`{"tenant_id":"flaky","trigger_type":"click"}`, "retry"),
			},
		}, nil).Once()
		mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{}, nil).Maybe()

		var mu sync.Mutex
		var deleted []string
		mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			mu.Lock()
			deleted = append(deleted, *args.Get(1).(*sqs.DeleteMessageInput).ReceiptHandle)
			mu.Unlock()
		}).Return(nil, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			NewSQSConsumer(mockSQS, "http://queue", firer).Start(ctx)
			close(done)
		}()

		assert.Eventually(t, func() bool { return len(firer.Calls()) == 2 }, time.Second, 10*time.Millisecond)
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(deleted) == 2
		}, time.Second, 10*time.Millisecond)
		cancel()
		<-done

		mu.Lock()
		defer mu.Unlock()
		assert.ElementsMatch(t, []string{"ok", "bad"}, deleted)
	})

	t.Run("Correlation id vem do atributo da mensagem", func(t *testing.T) {
		mockSQS := new(MockSQSClient)
		firer := &FakeFirer{}
		msg := message(`{"tenant_id":"t1","trigger_type":"click"}`, "h")
		msg.MessageAttributes = map[string]types.MessageAttributeValue{
			HeaderCorrelationID: {DataType: stringPtr("String"), StringValue: stringPtr("corr-9")},
		}
		mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).Return(nil, nil)

		NewSQSConsumer(mockSQS, "http://queue", firer).handle(context.Background(), msg)

		calls := firer.Calls()
		if assert.Len(t, calls, 1) {
			assert.Equal(t, "corr-9", calls[0].CorrelationID)
		}
	})
}
