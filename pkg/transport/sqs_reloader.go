package transport

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SQSClient é o subconjunto do SDK usado pelos consumidores (permite Mocking)
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Reloader recarrega o catálogo de pipelines.
type Reloader interface {
	Reload(ctx context.Context) error
}

// SQSReloader escuta notificações de alteração do catálogo.
type SQSReloader struct {
	client    SQSClient
	queueUrl  string
	reloader  Reloader
	logger    zerolog.Logger
	errorWait time.Duration
}

func NewSQSReloader(client SQSClient, queueUrl string, reloader Reloader) *SQSReloader {
	return &SQSReloader{
		client:    client,
		queueUrl:  queueUrl,
		reloader:  reloader,
		logger:    log.With().Str("component", "sqs_reloader").Logger(),
		errorWait: 5 * time.Second,
	}
}

// Start inicia o monitoramento (bloqueante)
func (s *SQSReloader) Start(ctx context.Context) {
	if s.queueUrl == "" {
		s.logger.Warn().Msg("URL da fila SQS não configurada. Hot Reload desativado.")
		return
	}

	s.logger.Info().Str("queue", s.queueUrl).Msg("Monitorando fila SQS para Hot Reload do catálogo")

	for {
		if ctx.Err() != nil {
			s.logger.Info().Msg("Parando monitoramento SQS")
			return
		}

		out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(s.queueUrl),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msgf("Erro no SQS. Retentando em %s...", s.errorWait)
			sleep(ctx, s.errorWait)
			continue
		}
		if len(out.Messages) == 0 {
			continue
		}

		// Várias notificações no mesmo lote resultam em um único reload.
		if err := s.reloader.Reload(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Falha no reload; catálogo anterior mantido")
		} else {
			s.logger.Info().Int("notifications", len(out.Messages)).Msg("Catálogo recarregado")
		}

		for _, msg := range out.Messages {
			_, _ = s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(s.queueUrl),
				ReceiptHandle: msg.ReceiptHandle,
			})
		}
	}
}
