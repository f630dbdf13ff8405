package metrics

import (
	"time"
)

// Recorder traduz eventos de entrega em métricas. Falhas do provider são ignoradas:
// métrica nunca interrompe uma entrega.
type Recorder struct {
	provider Provider
}

// NewRecorder cria um Recorder. provider nil equivale a Noop.
func NewRecorder(provider Provider) *Recorder {
	return &Recorder{provider: provider}
}

func (r *Recorder) Attempt(tenantID, pipelineID, outcome string, latency time.Duration) {
	if r == nil || r.provider == nil {
		return
	}
	tags := []string{"tenant:" + tenantID, "pipeline:" + pipelineID, "outcome:" + outcome}
	_ = r.provider.Count(MetricAttempt, 1, tags)
	_ = r.provider.Histogram(MetricAttemptLatency, float64(latency.Milliseconds()), tags)
}

func (r *Recorder) ExecutionClosed(tenantID, pipelineID, status string) {
	if r == nil || r.provider == nil {
		return
	}
	_ = r.provider.Count(MetricExecutionClosed, 1, []string{"tenant:" + tenantID, "pipeline:" + pipelineID, "status:" + status})
}

func (r *Recorder) DeadLettered(tenantID, pipelineID string) {
	if r == nil || r.provider == nil {
		return
	}
	_ = r.provider.Count(MetricDeadLetter, 1, []string{"tenant:" + tenantID, "pipeline:" + pipelineID})
}

func (r *Recorder) Scheduled(delay time.Duration) {
	if r == nil || r.provider == nil {
		return
	}
	_ = r.provider.Histogram(MetricScheduled, float64(delay.Milliseconds()), nil)
}

func (r *Recorder) SchedulerFired(count int) {
	if r == nil || r.provider == nil || count == 0 {
		return
	}
	_ = r.provider.Count(MetricSchedulerFired, float64(count), nil)
}

func (r *Recorder) Routed(tenantID, triggerType string, matched int) {
	if r == nil || r.provider == nil {
		return
	}
	_ = r.provider.Count(MetricRouteMatched, float64(matched), []string{"tenant:" + tenantID, "trigger:" + triggerType})
}

func (r *Recorder) TenantWaiting(tenantID string, waiting int) {
	if r == nil || r.provider == nil {
		return
	}
	_ = r.provider.Gauge(MetricTenantSaturation, float64(waiting), []string{"tenant:" + tenantID})
}
