package transport

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog/log"
)

// LambdaHandler adapta lotes de mensagens SQS entregues ao Lambda para a engine.
type LambdaHandler struct {
	firer TriggerFirer
}

func NewLambdaHandler(firer TriggerFirer) *LambdaHandler {
	return &LambdaHandler{firer: firer}
}

// Handle dispara um gatilho por mensagem. Só as falhas retentáveis voltam em
// BatchItemFailures; mensagens malformadas são descartadas.
func (h *LambdaHandler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse

	for _, record := range event.Records {
		corrID := record.MessageId
		if attr, ok := record.MessageAttributes[HeaderCorrelationID]; ok && attr.StringValue != nil {
			corrID = *attr.StringValue
		}
		msgCtx, logger := withCorrelation(ctx, corrID)

		n, err := fire(msgCtx, h.firer, []byte(record.Body), "")
		if err != nil {
			logger.Error().Err(err).Str("message_id", record.MessageId).Msg("falha ao disparar gatilho")
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
			continue
		}
		logger.Debug().Int("executions", n).Str("message_id", record.MessageId).Msg("gatilho processado")
	}

	if len(resp.BatchItemFailures) > 0 {
		log.Warn().Int("failures", len(resp.BatchItemFailures)).Int("total", len(event.Records)).Msg("lote SQS com falhas parciais")
	}
	return resp, nil
}
