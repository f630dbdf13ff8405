package graphql

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/store"
	"github.com/rs/zerolog/log"
)

// Source é a parte de leitura da engine consultada pelo schema.
type Source interface {
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	ListRecent(ctx context.Context, filter store.ExecutionFilter) ([]domain.Execution, error)
	ListFailed(ctx context.Context, filter store.ExecutionFilter) ([]domain.Execution, error)
	Stats(ctx context.Context, pipelineID string, since time.Time) (*domain.PipelineStats, error)
	ListDLQ(ctx context.Context, filter store.DeadLetterFilter) ([]domain.DLQItem, error)
	GetDLQItem(ctx context.Context, id string) (*domain.DLQItem, error)
	TriggerTypes() []domain.TriggerType
	SignatureModes() []domain.SignatureMode
}

// GraphQLEngine expõe execuções, DLQ e métricas em modo somente leitura.
type GraphQLEngine struct {
	Schema graphql.Schema
}

func NewGraphQLEngine(src Source) (*GraphQLEngine, error) {
	schema, err := buildSchema(&resolver{src: src})
	if err != nil {
		return nil, err
	}
	return &GraphQLEngine{Schema: schema}, nil
}

func (ge *GraphQLEngine) Execute(ctx context.Context, query string, variables map[string]interface{}) *graphql.Result {
	return graphql.Do(graphql.Params{
		Schema:         ge.Schema,
		RequestString:  query,
		VariableValues: variables,
		Context:        ctx,
	})
}

// ServeHTTP aceita o corpo padrão {"query": ..., "variables": ...}.
func (ge *GraphQLEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Query     string                 `json:"query"`
		Variables map[string]interface{} `json:"variables"`
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "Invalid JSON Body"}`))
		return
	}

	result := ge.Execute(r.Context(), p.Query, p.Variables)
	if len(result.Errors) > 0 {
		log.Ctx(r.Context()).Debug().Interface("errors", result.Errors).Msg("consulta GraphQL com erros")
	}
	_ = json.NewEncoder(w).Encode(result)
}
