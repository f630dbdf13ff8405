package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TriggerType identifica o evento de domínio que dispara pipelines.
type TriggerType string

const (
	TriggerClick              TriggerType = "click"
	TriggerConversion         TriggerType = "conversion"
	TriggerConversionApproved TriggerType = "conversion_approved"
	TriggerConversionRejected TriggerType = "conversion_rejected"
	TriggerPostback           TriggerType = "postback"
	TriggerFraud              TriggerType = "fraud"
	TriggerOfferJoined        TriggerType = "offer_joined"
	TriggerAPIKeyEvent        TriggerType = "api_key_event"
)

// TriggerTypes lista os gatilhos suportados, na ordem exibida pela API.
var TriggerTypes = []TriggerType{
	TriggerClick,
	TriggerConversion,
	TriggerConversionApproved,
	TriggerConversionRejected,
	TriggerPostback,
	TriggerFraud,
	TriggerOfferJoined,
	TriggerAPIKeyEvent,
}

func (t TriggerType) Valid() bool {
	for _, known := range TriggerTypes {
		if t == known {
			return true
		}
	}
	return false
}

type PipelineStatus string

const (
	PipelineActive   PipelineStatus = "active"
	PipelinePaused   PipelineStatus = "paused"
	PipelineDisabled PipelineStatus = "disabled"
)

type SignatureMode string

const (
	SignatureNone SignatureMode = "none"
	SignatureHMAC SignatureMode = "hmac"
	SignatureJWT  SignatureMode = "jwt"
)

var SignatureModes = []SignatureMode{SignatureNone, SignatureHMAC, SignatureJWT}

type BackoffType string

const (
	BackoffFixed             BackoffType = "fixed"
	BackoffExponential       BackoffType = "exponential"
	BackoffExponentialJitter BackoffType = "exponential_jitter"
)

// Duration aceita "5s" ou milissegundos inteiros no YAML/JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw interface{}) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case int:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case string:
		if v == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("duração inválida: %v", raw)
	}
	return nil
}

// RetryPolicy define o orçamento de tentativas de um step.
type RetryPolicy struct {
	MaxAttempts  int         `json:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	BackoffType  BackoffType `json:"backoff_type" yaml:"backoff_type" validate:"oneof=fixed exponential exponential_jitter"`
	InitialDelay Duration    `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     Duration    `json:"max_delay" yaml:"max_delay"`
	JitterFactor float64     `json:"jitter_factor" yaml:"jitter_factor" validate:"gte=0,lte=1"`
}

// DefaultRetryPolicy é aplicada quando o step não declara política própria.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		BackoffType:  BackoffExponentialJitter,
		InitialDelay: Duration(5 * time.Second),
		MaxDelay:     Duration(5 * time.Minute),
		JitterFactor: 0.2,
	}
}

// Step é uma unidade de entrega HTTP dentro do pipeline.
type Step struct {
	ID            string                 `json:"id" yaml:"id" validate:"required"`
	PipelineID    string                 `json:"pipeline_id" yaml:"pipeline_id"`
	Name          string                 `json:"name" yaml:"name"`
	Order         int                    `json:"order" yaml:"order" validate:"gte=0"`
	URL           string                 `json:"url" yaml:"url" validate:"required"`
	Method        string                 `json:"method" yaml:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers       map[string]string      `json:"headers,omitempty" yaml:"headers"`
	Body          map[string]interface{} `json:"body,omitempty" yaml:"body"`
	Timeout       Duration               `json:"timeout" yaml:"timeout"`
	RetryPolicy   *RetryPolicy           `json:"retry_policy,omitempty" yaml:"retry_policy"`
	StopOnFailure bool                   `json:"stop_on_failure" yaml:"stop_on_failure"`
	SignatureMode SignatureMode          `json:"signature_mode" yaml:"signature_mode" validate:"omitempty,oneof=none hmac jwt"`
	SigningKeyRef string                 `json:"signing_key_ref,omitempty" yaml:"signing_key_ref"`
	Condition     string                 `json:"condition,omitempty" yaml:"condition"`
	AuthProvider  string                 `json:"auth_provider,omitempty" yaml:"auth_provider"`
}

// EffectiveRetryPolicy devolve a política do step ou a padrão.
func (s Step) EffectiveRetryPolicy() RetryPolicy {
	if s.RetryPolicy == nil {
		return DefaultRetryPolicy()
	}
	return *s.RetryPolicy
}

// EffectiveMethod devolve o método HTTP (POST quando vazio).
func (s Step) EffectiveMethod() string {
	if s.Method == "" {
		return "POST"
	}
	return s.Method
}

// EffectiveTimeout devolve o timeout do step (10s quando vazio).
func (s Step) EffectiveTimeout() time.Duration {
	if s.Timeout <= 0 {
		return 10 * time.Second
	}
	return s.Timeout.Std()
}

// Pipeline é lido do catálogo de configuração; a engine nunca o escreve.
type Pipeline struct {
	ID                    string         `json:"id" yaml:"id" validate:"required"`
	TenantID              string         `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	Name                  string         `json:"name" yaml:"name"`
	TriggerType           TriggerType    `json:"trigger_type" yaml:"trigger_type" validate:"required,oneof=click conversion conversion_approved conversion_rejected postback fraud offer_joined api_key_event"`
	Status                PipelineStatus `json:"status" yaml:"status" validate:"required,oneof=active paused disabled"`
	Priority              int            `json:"priority" yaml:"priority"`
	Steps                 []Step         `json:"steps" yaml:"steps" validate:"dive"`
	FailoverURL           string         `json:"failover_url,omitempty" yaml:"failover_url" validate:"omitempty,url"`
	FailoverSignatureMode SignatureMode  `json:"failover_signature_mode,omitempty" yaml:"failover_signature_mode" validate:"omitempty,oneof=none hmac jwt"`
	Version               int64          `json:"version" yaml:"version"`
	UpdatedAt             time.Time      `json:"updated_at" yaml:"updated_at"`
}

// OrderedSteps devolve uma cópia dos steps ordenada por Order.
func (p Pipeline) OrderedSteps() []Step {
	steps := make([]Step, len(p.Steps))
	copy(steps, p.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// StepByID procura um step pelo id.
func (p Pipeline) StepByID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

type ExecutionStatus string

const (
	ExecutionPending      ExecutionStatus = "pending"
	ExecutionRunning      ExecutionStatus = "running"
	ExecutionSucceeded    ExecutionStatus = "succeeded"
	ExecutionFailed       ExecutionStatus = "failed"
	ExecutionDeadLettered ExecutionStatus = "dead_lettered"
)

// Terminal indica se o status não admite mais transições.
// failed só é terminal após a decisão de failover/DLQ, registrada em CompletedAt.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSucceeded || s == ExecutionDeadLettered
}

// Execution é uma execução concreta de um pipeline para uma ocorrência de gatilho.
type Execution struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	PipelineID        string          `json:"pipeline_id"`
	TriggerType       TriggerType     `json:"trigger_type"`
	TriggerPayload    json.RawMessage `json:"trigger_payload"`
	Pipeline          Pipeline        `json:"pipeline_snapshot"`
	Status            ExecutionStatus `json:"status"`
	CurrentStep       int             `json:"current_step"`
	FailedSteps       int             `json:"failed_steps"`
	FailoverDelivered bool            `json:"failover_delivered"`
	LastError         string          `json:"last_error,omitempty"`
	CorrelationID     string          `json:"correlation_id,omitempty"`
	SourceDLQItemID   string          `json:"source_dlq_item_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Attempts          []StepAttempt   `json:"attempts,omitempty"`
}

// Closed indica que a execução chegou ao fim do ciclo (incluindo failed pós failover).
func (e Execution) Closed() bool {
	return e.Status.Terminal() || (e.Status == ExecutionFailed && e.CompletedAt != nil)
}

type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeRetryableFailure Outcome = "retryable_failure"
	OutcomeTerminalFailure  Outcome = "terminal_failure"
)

// RequestSnapshot guarda a requisição renderizada e assinada, para auditoria e replay.
type RequestSnapshot struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body,omitempty"`

	// BodyRedacted indica que Body teve valores de segredo mascarados.
	BodyRedacted bool `json:"body_redacted,omitempty"`
}

// StepAttempt registra uma única tentativa HTTP.
type StepAttempt struct {
	ID            string          `json:"id"`
	ExecutionID   string          `json:"execution_id"`
	PipelineID    string          `json:"pipeline_id"`
	TenantID      string          `json:"tenant_id"`
	StepID        string          `json:"step_id"`
	StepOrder     int             `json:"step_order"`
	AttemptNumber int             `json:"attempt_number"`
	Failover      bool            `json:"failover,omitempty"`
	Request       RequestSnapshot `json:"request"`
	HTTPStatus    int             `json:"http_status"`
	ResponseBody  string          `json:"response_body,omitempty"`
	Latency       time.Duration   `json:"latency"`
	Error         *string         `json:"error,omitempty"`
	Outcome       Outcome         `json:"outcome"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DLQItem pertence 1:1 a uma Execution em dead_lettered.
type DLQItem struct {
	ID               string          `json:"id"`
	ExecutionID      string          `json:"execution_id"`
	TenantID         string          `json:"tenant_id"`
	PipelineID       string          `json:"pipeline_id"`
	TriggerType      TriggerType     `json:"trigger_type"`
	FailedAt         time.Time       `json:"failed_at"`
	Attempts         int             `json:"attempts"`
	LastError        string          `json:"last_error"`
	Payload          json.RawMessage `json:"payload"`
	RetriedAt        *time.Time      `json:"retried_at,omitempty"`
	RetryExecutionID string          `json:"retry_execution_id,omitempty"`
}

// CanRetry indica se o item ainda pode ser reenviado.
func (d DLQItem) CanRetry() bool { return d.RetriedAt == nil }

// PipelineStats agrega o histórico de um pipeline para o dashboard.
type PipelineStats struct {
	PipelineID       string  `json:"pipeline_id"`
	Executions       int     `json:"executions"`
	Succeeded        int     `json:"succeeded"`
	Failed           int     `json:"failed"`
	DeadLettered     int     `json:"dead_lettered"`
	InFlight         int     `json:"in_flight"`
	Attempts         int     `json:"attempts"`
	SuccessRate      float64 `json:"success_rate"`
	AvgLatencyMillis float64 `json:"avg_latency_ms"`
	P95LatencyMillis float64 `json:"p95_latency_ms"`
}
