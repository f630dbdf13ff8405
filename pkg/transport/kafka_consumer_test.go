package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	sarama.ConsumerGroupSession
	marked []int64
}

func (s *fakeSession) Context() context.Context { return context.Background() }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func TestKafkaHandler_ConsumeClaim(t *testing.T) {
	firer := &FakeFirer{FireFunc: func(tenantID string, _ domain.TriggerType) ([]domain.Execution, error) {
		if tenantID == "flaky" {
			return nil, errors.New("db down")
		}
		return nil, nil
	}}
	h := &kafkaHandler{firer: firer, logger: zerolog.Nop()}

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 4)}
	claim.ch <- &sarama.ConsumerMessage{Topic: "conversion", Offset: 1, Value: []byte(`{"tenant_id":"t1","payload":{"v":1}}`)}
	claim.ch <- &sarama.ConsumerMessage{Topic: "click", Offset: 2, Value: []byte(`{"tenant_id":"flaky","trigger_type":"click"}`)}
	claim.ch <- &sarama.ConsumerMessage{Topic: "click", Offset: 3, Value: []byte(`lixo`)}
	claim.ch <- &sarama.ConsumerMessage{
		Topic:   "fraud",
		Offset:  4,
		Value:   []byte(`{"tenant_id":"t2"}`),
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderCorrelationID), Value: []byte("corr-k")}},
	}
	close(claim.ch)

	session := &fakeSession{}
	require.NoError(t, h.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{1, 3, 4}, session.marked)

	calls := firer.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, domain.TriggerConversion, calls[0].Trigger, "tópico vira trigger_type")
	assert.Equal(t, domain.TriggerFraud, calls[2].Trigger)
	assert.Equal(t, "corr-k", calls[2].CorrelationID)
}

func TestNewSaramaConfig(t *testing.T) {
	cfg := newSaramaConfig()
	assert.Equal(t, sarama.OffsetOldest, cfg.Consumer.Offsets.Initial)
	assert.True(t, cfg.Consumer.Return.Errors)
	assert.NoError(t, cfg.Validate())
}
