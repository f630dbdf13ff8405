package transport

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SQSConsumer faz long polling na fila de gatilhos. Mensagens que falham de forma
// retentável não são removidas e voltam após o visibility timeout.
type SQSConsumer struct {
	client    SQSClient
	queueURL  string
	firer     TriggerFirer
	logger    zerolog.Logger
	errorWait time.Duration
}

func NewSQSConsumer(client SQSClient, queueURL string, firer TriggerFirer) *SQSConsumer {
	return &SQSConsumer{
		client:    client,
		queueURL:  queueURL,
		firer:     firer,
		logger:    log.With().Str("component", "sqs_consumer").Logger(),
		errorWait: 5 * time.Second,
	}
}

// Start bloqueia até o contexto ser cancelado.
func (c *SQSConsumer) Start(ctx context.Context) {
	c.logger.Info().Str("queue", c.queueURL).Msg("Consumindo gatilhos da fila SQS")

	for {
		if ctx.Err() != nil {
			c.logger.Info().Msg("Parando consumo SQS")
			return
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(c.queueURL),
			MaxNumberOfMessages:   10,
			WaitTimeSeconds:       20,
			MessageAttributeNames: []string{HeaderCorrelationID},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msgf("Erro no SQS. Retentando em %s...", c.errorWait)
			sleep(ctx, c.errorWait)
			continue
		}

		for _, msg := range out.Messages {
			c.handle(ctx, msg)
		}
	}
}

func (c *SQSConsumer) handle(ctx context.Context, msg types.Message) {
	corrID := aws.ToString(msg.MessageId)
	if attr, ok := msg.MessageAttributes[HeaderCorrelationID]; ok && attr.StringValue != nil {
		corrID = *attr.StringValue
	}
	msgCtx, logger := withCorrelation(ctx, corrID)

	if _, err := fire(msgCtx, c.firer, []byte(aws.ToString(msg.Body)), ""); err != nil {
		logger.Error().Err(err).Msg("falha ao disparar gatilho; mensagem volta para a fila")
		return
	}

	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		logger.Warn().Err(err).Msg("falha ao remover mensagem processada")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
