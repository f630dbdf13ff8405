package metrics

// Provider define o contrato para envio de métricas.
// Isso permite trocar Datadog por Prometheus ou Logging sem alterar a lógica de negócio.
type Provider interface {
	Count(name string, value float64, tags []string) error
	Gauge(name string, value float64, tags []string) error
	Histogram(name string, value float64, tags []string) error
}

// Nomes das métricas emitidas pela engine.
const (
	MetricAttempt          = "webhook.attempt"
	MetricAttemptLatency   = "webhook.attempt.latency_ms"
	MetricExecutionClosed  = "webhook.execution.terminal"
	MetricDeadLetter       = "webhook.dlq.insert"
	MetricScheduled        = "webhook.scheduler.scheduled"
	MetricSchedulerFired   = "webhook.scheduler.fired"
	MetricRouteMatched     = "webhook.route.matched"
	MetricTenantSaturation = "webhook.worker.tenant_waiting"
)
