package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/engine"
	"github.com/raywall/fast-webhook-pipeline/pkg/router"
)

// TriggerFirer é o ponto de entrada comum a todos os transportes de ingestão.
type TriggerFirer interface {
	FireTrigger(ctx context.Context, tenantID string, trigger domain.TriggerType, payload json.RawMessage) ([]domain.Execution, error)
}

// TriggerMessage é o envelope aceito por HTTP, SQS, Lambda e Kafka.
type TriggerMessage struct {
	TenantID    string             `json:"tenant_id"`
	TriggerType domain.TriggerType `json:"trigger_type"`
	Payload     json.RawMessage    `json:"payload"`
}

// errMalformed marca mensagens que nunca serão aceitas; reenviá-las não adianta.
var errMalformed = errors.New("mensagem de gatilho malformada")

// decodeTrigger lê o envelope. fallback é usado quando a mensagem não traz trigger_type
// (no Kafka, o nome do tópico).
func decodeTrigger(body []byte, fallback string) (TriggerMessage, error) {
	var msg TriggerMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if msg.TriggerType == "" {
		msg.TriggerType = domain.TriggerType(fallback)
	}
	if msg.TenantID == "" {
		return msg, fmt.Errorf("%w: tenant_id ausente", errMalformed)
	}
	if !msg.TriggerType.Valid() {
		return msg, fmt.Errorf("%w: trigger_type %q", errMalformed, msg.TriggerType)
	}
	return msg, nil
}

// permanent indica que o erro de ingestão não se resolve com nova tentativa.
func permanent(err error) bool {
	return errors.Is(err, errMalformed) ||
		errors.Is(err, router.ErrInvalidTrigger) ||
		errors.Is(err, router.ErrInvalidPayload) ||
		errors.Is(err, engine.ErrInvalidRequest)
}

// fire decodifica e dispara. Mensagens malformadas são descartadas com log; o erro
// devolvido é sempre retentável.
func fire(ctx context.Context, firer TriggerFirer, body []byte, fallback string) (int, error) {
	msg, err := decodeTrigger(body, fallback)
	if err == nil {
		var execs []domain.Execution
		execs, err = firer.FireTrigger(ctx, msg.TenantID, msg.TriggerType, msg.Payload)
		if err == nil {
			return len(execs), nil
		}
	}
	if permanent(err) {
		logFrom(ctx).Warn().Err(err).Msg("gatilho descartado")
		return 0, nil
	}
	return 0, err
}
