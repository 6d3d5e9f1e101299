package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/l0p7/promptguard/internal/decision"
	"github.com/l0p7/promptguard/internal/metrics"
	"github.com/l0p7/promptguard/internal/rules"
)

const maxBodyBytes = 1 << 20

// Analyzer is the surface the HTTP API needs from the gateway.
type Analyzer interface {
	Analyze(ctx context.Context, text, label string) decision.Decision
	AnalyzeStream(ctx context.Context, text, label string, onFragment func(string) error) decision.Decision
	AnalyzeUnsafe(ctx context.Context, text, label string) decision.Decision
	Metrics() metrics.Snapshot
	ResetMetrics()
	RuleSet() *rules.RuleSet
	CacheSize(ctx context.Context) int64
}

// HandlerOptions tune the API handler.
type HandlerOptions struct {
	CorrelationHeader string
	AllowedOrigins    []string
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

type api struct {
	logger            *slog.Logger
	gateway           Analyzer
	correlationHeader string
}

type analyzeRequest struct {
	Text    string `json:"text"`
	Context string `json:"context"`
}

type ruleView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Severity    decision.Severity `json:"severity"`
	Action      decision.Action   `json:"action"`
	Valid       bool              `json:"valid"`
}

// NewHandler routes the gateway API. Cross-origin requests are only
// answered when AllowedOrigins is set.
func NewHandler(logger *slog.Logger, gw Analyzer, opts HandlerOptions) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if gw == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "gateway unavailable")
		})
	}
	a := &api{
		logger:            logger.With(slog.String("agent", "http")),
		gateway:           gw,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /analyze", a.analyze)
	mux.HandleFunc("POST /analyze/stream", a.analyzeStream)
	mux.HandleFunc("POST /analyze/unsafe", a.analyzeUnsafe)
	mux.HandleFunc("GET /stats", a.stats)
	mux.HandleFunc("POST /stats/reset", a.resetStats)
	mux.HandleFunc("GET /rules", a.rules)
	mux.HandleFunc("GET /healthz", a.health)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	handler := a.withCorrelation(mux)
	if len(opts.AllowedOrigins) == 0 {
		return handler
	}
	corsOpts := cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}
	if a.correlationHeader != "" {
		corsOpts.AllowedHeaders = append(corsOpts.AllowedHeaders, a.correlationHeader)
		corsOpts.ExposedHeaders = []string{a.correlationHeader}
	}
	return cors.New(corsOpts).Handler(handler)
}

type correlationKey struct{}

func (a *api) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if a.correlationHeader != "" {
			id = strings.TrimSpace(r.Header.Get(a.correlationHeader))
		}
		if id == "" {
			id = uuid.NewString()
		}
		if a.correlationHeader != "" {
			w.Header().Set(a.correlationHeader, id)
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func (a *api) requestLogger(r *http.Request) *slog.Logger {
	id, _ := r.Context().Value(correlationKey{}).(string)
	return a.logger.With(slog.String("correlation_id", id), slog.String("path", r.URL.Path))
}

func (a *api) analyze(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.gateway.Analyze(r.Context(), req.Text, req.Context))
}

func (a *api) analyzeUnsafe(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.gateway.AnalyzeUnsafe(r.Context(), req.Text, req.Context))
}

// analyzeStream answers with server-sent events: one "fragment" event per
// piece of output and a closing "decision" event.
func (a *api) analyzeStream(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	logger := a.requestLogger(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	d := a.gateway.AnalyzeStream(r.Context(), req.Text, req.Context, func(fragment string) error {
		if err := writeEvent(w, "fragment", map[string]string{"text": fragment}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err := writeEvent(w, "decision", d); err != nil {
		logger.Debug("stream closed before decision was sent", slog.Any("error", err))
		return
	}
	flusher.Flush()
}

func (a *api) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.gateway.Metrics())
}

func (a *api) resetStats(w http.ResponseWriter, _ *http.Request) {
	a.gateway.ResetMetrics()
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) rules(w http.ResponseWriter, _ *http.Request) {
	rs := a.gateway.RuleSet()
	views := make([]ruleView, 0, rs.Len())
	for _, rule := range rs.Rules() {
		views = append(views, ruleView{
			ID:          rule.ID,
			Name:        rule.Name,
			Description: rule.Description,
			Severity:    rule.Severity,
			Action:      rule.Action,
			Valid:       rule.Valid(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metadata": rs.Metadata(),
		"rules":    views,
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	rs := a.gateway.RuleSet()
	inert := rs.Inert()
	if inert == nil {
		inert = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"rules":        rs.Len(),
		"inertRules":   inert,
		"cacheEntries": a.gateway.CacheSize(r.Context()),
	})
}

func (a *api) decode(w http.ResponseWriter, r *http.Request) (analyzeRequest, bool) {
	var req analyzeRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusBadRequest, fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body required")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON body")
		}
		return req, false
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return req, false
	}
	return req, true
}

func writeEvent(w io.Writer, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
