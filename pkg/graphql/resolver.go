package graphql

import (
	"errors"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/store"
)

type resolver struct {
	src Source
}

func (r *resolver) execution(p graphql.ResolveParams) (interface{}, error) {
	exec, err := r.src.GetExecution(p.Context, toString(p.Args["id"]))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return exec, err
}

func (r *resolver) executions(p graphql.ResolveParams) (interface{}, error) {
	return r.src.ListRecent(p.Context, executionFilter(p.Args))
}

func (r *resolver) failedExecutions(p graphql.ResolveParams) (interface{}, error) {
	return r.src.ListFailed(p.Context, executionFilter(p.Args))
}

func (r *resolver) dlqItem(p graphql.ResolveParams) (interface{}, error) {
	item, err := r.src.GetDLQItem(p.Context, toString(p.Args["id"]))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return item, err
}

func (r *resolver) dlq(p graphql.ResolveParams) (interface{}, error) {
	includeRetried, _ := p.Args["includeRetried"].(bool)
	limit, _ := p.Args["limit"].(int)
	return r.src.ListDLQ(p.Context, store.DeadLetterFilter{
		TenantID:       toString(p.Args["tenantId"]),
		PipelineID:     toString(p.Args["pipelineId"]),
		IncludeRetried: includeRetried,
		Limit:          limit,
	})
}

func (r *resolver) stats(p graphql.ResolveParams) (interface{}, error) {
	since, _ := p.Args["since"].(time.Time)
	return r.src.Stats(p.Context, toString(p.Args["pipelineId"]), since)
}

func (r *resolver) triggerTypes(graphql.ResolveParams) (interface{}, error) {
	out := make([]string, 0, len(r.src.TriggerTypes()))
	for _, t := range r.src.TriggerTypes() {
		out = append(out, string(t))
	}
	return out, nil
}

func (r *resolver) signatureModes(graphql.ResolveParams) (interface{}, error) {
	out := make([]string, 0, len(r.src.SignatureModes()))
	for _, m := range r.src.SignatureModes() {
		out = append(out, string(m))
	}
	return out, nil
}

// --- campos derivados ---

func executionPayload(p graphql.ResolveParams) (interface{}, error) {
	switch e := p.Source.(type) {
	case domain.Execution:
		return string(e.TriggerPayload), nil
	case *domain.Execution:
		return string(e.TriggerPayload), nil
	}
	return nil, nil
}

func dlqPayload(p graphql.ResolveParams) (interface{}, error) {
	switch d := p.Source.(type) {
	case domain.DLQItem:
		return string(d.Payload), nil
	case *domain.DLQItem:
		return string(d.Payload), nil
	}
	return nil, nil
}

func attemptLatency(p graphql.ResolveParams) (interface{}, error) {
	if a, ok := p.Source.(domain.StepAttempt); ok {
		return float64(a.Latency) / float64(time.Millisecond), nil
	}
	return nil, nil
}

func attemptURL(p graphql.ResolveParams) (interface{}, error) {
	if a, ok := p.Source.(domain.StepAttempt); ok {
		return a.Request.URL, nil
	}
	return nil, nil
}

func executionFilter(args map[string]interface{}) store.ExecutionFilter {
	f := store.ExecutionFilter{
		TenantID:   toString(args["tenantId"]),
		PipelineID: toString(args["pipelineId"]),
	}
	f.Limit, _ = args["limit"].(int)
	f.Since, _ = args["since"].(time.Time)
	if statuses, ok := args["status"].([]interface{}); ok {
		for _, s := range statuses {
			f.Statuses = append(f.Statuses, domain.ExecutionStatus(toString(s)))
		}
	}
	return f
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
