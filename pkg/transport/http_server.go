package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/raywall/fast-webhook-pipeline/pkg/catalog"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/engine"
	"github.com/raywall/fast-webhook-pipeline/pkg/router"
	"github.com/raywall/fast-webhook-pipeline/pkg/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	HeaderCorrelationID = "x-correlation-id"
	HeaderLatency       = "x-latency-ms"
)

// API é a superfície da engine exposta pelo HTTP.
type API interface {
	TriggerFirer
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	ListRecent(ctx context.Context, filter store.ExecutionFilter) ([]domain.Execution, error)
	ListFailed(ctx context.Context, filter store.ExecutionFilter) ([]domain.Execution, error)
	Stats(ctx context.Context, pipelineID string, since time.Time) (*domain.PipelineStats, error)
	ListDLQ(ctx context.Context, filter store.DeadLetterFilter) ([]domain.DLQItem, error)
	GetDLQItem(ctx context.Context, id string) (*domain.DLQItem, error)
	RetryDLQ(ctx context.Context, itemID string) (*domain.Execution, error)
	DeleteDLQ(ctx context.Context, itemID string) error
	TestPipeline(ctx context.Context, pipelineID string, sample json.RawMessage) (*engine.DryRunResult, error)
	TestStep(ctx context.Context, tenantID string, trigger domain.TriggerType, step domain.Step, sample json.RawMessage) (*domain.StepAttempt, error)
	TriggerTypes() []domain.TriggerType
	SignatureModes() []domain.SignatureMode
}

var _ API = (*engine.Engine)(nil)

// NewRouter registra as rotas da API. graphql é opcional.
func NewRouter(api API, graphqlRoute string, graphql http.Handler) *mux.Router {
	h := &handlers{api: api}
	r := mux.NewRouter()
	r.Use(ObservabilityMiddleware)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/triggers", h.fireTrigger).Methods(http.MethodPost)

	r.HandleFunc("/executions", h.listExecutions).Methods(http.MethodGet)
	r.HandleFunc("/executions/failed", h.listFailed).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}", h.getExecution).Methods(http.MethodGet)

	r.HandleFunc("/pipelines/{id}/stats", h.stats).Methods(http.MethodGet)
	r.HandleFunc("/pipelines/{id}/test", h.testPipeline).Methods(http.MethodPost)
	r.HandleFunc("/steps/test", h.testStep).Methods(http.MethodPost)

	r.HandleFunc("/dlq", h.listDLQ).Methods(http.MethodGet)
	r.HandleFunc("/dlq/{id}", h.getDLQ).Methods(http.MethodGet)
	r.HandleFunc("/dlq/{id}", h.deleteDLQ).Methods(http.MethodDelete)
	r.HandleFunc("/dlq/{id}/retry", h.retryDLQ).Methods(http.MethodPost)

	r.HandleFunc("/trigger-types", h.triggerTypes).Methods(http.MethodGet)
	r.HandleFunc("/signature-modes", h.signatureModes).Methods(http.MethodGet)

	if graphql != nil && graphqlRoute != "" {
		r.Handle(graphqlRoute, graphql).Methods(http.MethodPost)
	}
	return r
}

// StartHTTPServer serve até o contexto ser cancelado e então encerra de forma graciosa.
func StartHTTPServer(ctx context.Context, port int, timeout time.Duration, handler http.Handler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           http.TimeoutHandler(handler, timeout, `{"error":"timeout"}`),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("Servidor HTTP ouvindo em %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type handlers struct {
	api API
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) fireTrigger(w http.ResponseWriter, r *http.Request) {
	var msg TriggerMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, r, fmt.Errorf("%w: body inválido", engine.ErrInvalidRequest))
		return
	}
	execs, err := h.api.FireTrigger(r.Context(), msg.TenantID, msg.TriggerType, msg.Payload)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ids := make([]string, 0, len(execs))
	for _, e := range execs {
		ids = append(ids, e.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"execution_ids": ids})
}

func (h *handlers) listExecutions(w http.ResponseWriter, r *http.Request) {
	filter, err := executionFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.api.ListRecent(r.Context(), filter)
	respond(w, r, out, err)
}

func (h *handlers) listFailed(w http.ResponseWriter, r *http.Request) {
	filter, err := executionFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.api.ListFailed(r.Context(), filter)
	respond(w, r, out, err)
}

func (h *handlers) getExecution(w http.ResponseWriter, r *http.Request) {
	out, err := h.api.GetExecution(r.Context(), mux.Vars(r)["id"])
	respond(w, r, out, err)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.api.Stats(r.Context(), mux.Vars(r)["id"], since)
	respond(w, r, out, err)
}

func (h *handlers) testPipeline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, fmt.Errorf("%w: body inválido", engine.ErrInvalidRequest))
		return
	}
	out, err := h.api.TestPipeline(r.Context(), mux.Vars(r)["id"], body.Payload)
	respond(w, r, out, err)
}

func (h *handlers) testStep(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID    string             `json:"tenant_id"`
		TriggerType domain.TriggerType `json:"trigger_type"`
		Step        domain.Step        `json:"step"`
		Payload     json.RawMessage    `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, fmt.Errorf("%w: body inválido", engine.ErrInvalidRequest))
		return
	}
	out, err := h.api.TestStep(r.Context(), body.TenantID, body.TriggerType, body.Step, body.Payload)
	respond(w, r, out, err)
}

func (h *handlers) listDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.api.ListDLQ(r.Context(), store.DeadLetterFilter{
		TenantID:       q.Get("tenant_id"),
		PipelineID:     q.Get("pipeline_id"),
		IncludeRetried: q.Get("include_retried") == "true",
		Limit:          limit,
	})
	respond(w, r, out, err)
}

func (h *handlers) getDLQ(w http.ResponseWriter, r *http.Request) {
	out, err := h.api.GetDLQItem(r.Context(), mux.Vars(r)["id"])
	respond(w, r, out, err)
}

func (h *handlers) retryDLQ(w http.ResponseWriter, r *http.Request) {
	exec, err := h.api.RetryDLQ(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (h *handlers) deleteDLQ(w http.ResponseWriter, r *http.Request) {
	if err := h.api.DeleteDLQ(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) triggerTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.api.TriggerTypes())
}

func (h *handlers) signatureModes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.api.SignatureModes())
}

// --- helpers ---

func executionFilter(r *http.Request) (store.ExecutionFilter, error) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return store.ExecutionFilter{}, err
	}
	since, err := parseSince(r)
	if err != nil {
		return store.ExecutionFilter{}, err
	}
	f := store.ExecutionFilter{
		TenantID:   q.Get("tenant_id"),
		PipelineID: q.Get("pipeline_id"),
		Since:      since,
		Limit:      limit,
	}
	for _, s := range q["status"] {
		f.Statuses = append(f.Statuses, domain.ExecutionStatus(s))
	}
	return f, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit inválido", engine.ErrInvalidRequest)
	}
	return n, nil
}

// parseSince aceita RFC3339 ou uma duração relativa ("24h").
func parseSince(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return time.Now().Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("%w: since inválido", engine.ErrInvalidRequest)
}

func respond(w http.ResponseWriter, r *http.Request, body interface{}, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Ctx(r.Context()).Error().Err(err).Msg("Erro crítico na execução REST")
	}
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, catalog.ErrPipelineNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyRetried):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, router.ErrInvalidTrigger),
		errors.Is(err, router.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// --- MIDDLEWARE DE OBSERVABILIDADE ---
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode  int
	startTime   time.Time
	wroteHeader bool
}

func (rw *responseWriterWrapper) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.Header().Set(HeaderLatency, strconv.FormatInt(time.Since(rw.startTime).Milliseconds(), 10))
	rw.ResponseWriter.WriteHeader(code)
	rw.wroteHeader = true
}

func (rw *responseWriterWrapper) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// ObservabilityMiddleware propaga o correlation id para o logger do contexto e para
// as execuções criadas na requisição.
func ObservabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		corrID := r.Header.Get(HeaderCorrelationID)
		if corrID == "" {
			corrID = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, corrID)

		ctx, logger := withCorrelation(r.Context(), corrID)

		wrapper := &responseWriterWrapper{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
			startTime:      start,
		}

		next.ServeHTTP(wrapper, r.WithContext(ctx))

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Int64("latency_ms", time.Since(start).Milliseconds()).
			Msg("request completed")
	})
}

func withCorrelation(ctx context.Context, corrID string) (context.Context, zerolog.Logger) {
	logger := log.With().Str("correlation_id", corrID).Logger()
	ctx = logger.WithContext(ctx)
	return router.WithCorrelationID(ctx, corrID), logger
}

func logFrom(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
