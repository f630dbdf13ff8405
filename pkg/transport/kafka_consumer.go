package transport

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// KafkaConsumer consome gatilhos de um consumer group. Quando a mensagem não traz
// trigger_type, o nome do tópico é usado.
type KafkaConsumer struct {
	brokers []string
	groupID string
	topics  []string
	handler *kafkaHandler
	logger  zerolog.Logger
}

func NewKafkaConsumer(brokers []string, groupID string, topics []string, firer TriggerFirer) *KafkaConsumer {
	logger := log.With().Str("component", "kafka_consumer").Logger()
	return &KafkaConsumer{
		brokers: brokers,
		groupID: groupID,
		topics:  topics,
		handler: &kafkaHandler{firer: firer, logger: logger},
		logger:  logger,
	}
}

func newSaramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V3_0_0_0
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.BalanceStrategyRoundRobin}
	return config
}

// Run bloqueia até o contexto ser cancelado.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	group, err := sarama.NewConsumerGroup(c.brokers, c.groupID, newSaramaConfig())
	if err != nil {
		return err
	}
	defer func() {
		if err := group.Close(); err != nil {
			c.logger.Error().Err(err).Msg("erro ao fechar consumer group")
		}
	}()

	go func() {
		for err := range group.Errors() {
			c.logger.Error().Err(err).Msg("erro no consumer group")
		}
	}()

	c.logger.Info().Strs("topics", c.topics).Str("group", c.groupID).Msg("Consumindo gatilhos do Kafka")

	for {
		if err := group.Consume(ctx, c.topics, c.handler); err != nil {
			c.logger.Error().Err(err).Msg("erro no loop de consumo")
			sleep(ctx, time.Second)
		}
		if ctx.Err() != nil {
			c.logger.Info().Msg("Contexto cancelado, encerrando consumer")
			return nil
		}
	}
}

type kafkaHandler struct {
	firer  TriggerFirer
	logger zerolog.Logger
}

func (h *kafkaHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *kafkaHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *kafkaHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.process(session.Context(), msg); err != nil {
			h.logger.Error().
				Err(err).
				Str("topic", msg.Topic).
				Int32("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("falha ao processar mensagem")
			continue
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *kafkaHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	corrID := ""
	for _, header := range msg.Headers {
		if header != nil && string(header.Key) == HeaderCorrelationID {
			corrID = string(header.Value)
		}
	}
	if corrID != "" {
		ctx, _ = withCorrelation(ctx, corrID)
	} else {
		ctx = h.logger.WithContext(ctx)
	}
	_, err := fire(ctx, h.firer, msg.Value, msg.Topic)
	return err
}
