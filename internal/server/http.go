package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sitepay/core/internal/bus"
	"github.com/sitepay/core/internal/core"
	"github.com/sitepay/core/internal/insurance"
	"github.com/sitepay/core/internal/registry"
	"github.com/sitepay/core/internal/repository"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
	metricsHandler     http.Handler
	recordRequest      func(method, route, status string, durationSeconds float64)
}

// Option configures the HTTP handler.
type Option func(*HTTPServer)

// WithStreamPollInterval sets how often /v1/stream polls the event log.
func WithStreamPollInterval(interval time.Duration) Option {
	return func(s *HTTPServer) {
		if interval > 0 {
			s.streamPollInterval = interval
		}
	}
}

// WithMaxJSONBodyBytes caps accepted request body sizes.
func WithMaxJSONBodyBytes(limit int64) Option {
	return func(s *HTTPServer) {
		if limit > 0 {
			s.maxJSONBodyBytes = limit
		}
	}
}

// WithMetricsHandler mounts a Prometheus handler at GET /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(s *HTTPServer) {
		if handler != nil {
			s.metricsHandler = handler
		}
	}
}

// WithRequestMetrics records method, matched route, status, and latency for
// every request.
func WithRequestMetrics(record func(method, route, status string, durationSeconds float64)) Option {
	return func(s *HTTPServer) {
		s.recordRequest = record
	}
}

type transitionRequest struct {
	Status core.Status `json:"status"`
}

type decisionRequest struct {
	Decision insurance.Decision `json:"decision"`
}

type errorResponse struct {
	Error        string   `json:"error"`
	Missing      []string `json:"missing,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`
	ActualDays   int      `json:"actual_days,omitempty"`
	RequiredDays int      `json:"required_days,omitempty"`
}

func NewHTTPHandler(svc Service, opts ...Option) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/modules", server.handleListModules)
	mux.HandleFunc("GET /v1/modules/stats", server.handleModuleStats)
	mux.HandleFunc("GET /v1/modules/{key}", server.handleGetModule)
	mux.HandleFunc("GET /v1/modules/{key}/dependencies", server.handleDependencies)
	mux.HandleFunc("POST /v1/modules/{key}/transition", server.handleTransition)
	mux.HandleFunc("PATCH /v1/modules/{key}/settings", server.handleUpdateSettings)
	mux.HandleFunc("POST /v1/policies", server.handleCreatePolicy)
	mux.HandleFunc("GET /v1/policies", server.handleListPolicies)
	mux.HandleFunc("GET /v1/policies/{id}", server.handleGetPolicy)
	mux.HandleFunc("POST /v1/incidents", server.handleReportIncident)
	mux.HandleFunc("GET /v1/incidents", server.handleListIncidents)
	mux.HandleFunc("POST /v1/incidents/{id}/evaluate", server.handleEvaluateIncident)
	mux.HandleFunc("GET /v1/claims", server.handleListClaims)
	mux.HandleFunc("GET /v1/claims/{id}", server.handleGetClaim)
	mux.HandleFunc("POST /v1/claims/{id}/decision", server.handleDecideClaim)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metricsHandler != nil {
		mux.Handle("GET /metrics", server.metricsHandler)
	}

	if server.recordRequest == nil {
		return mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Resolve the route pattern before serving so the metric label stays
		// bounded regardless of request paths.
		_, route := mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		mux.ServeHTTP(sw, r)
		server.recordRequest(r.Method, route, strconv.Itoa(sw.status), time.Since(start).Seconds())
	})
}

// statusWriter captures the response status for request metrics. Flush is
// forwarded so SSE streaming keeps working behind the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.status = http.StatusOK
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	// ResponseController walks Unwrap chains, so flushing still reaches the
	// underlying connection when another wrapper sits between.
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (s *HTTPServer) handleListModules(w http.ResponseWriter, r *http.Request) {
	modules, err := s.service.ListModules(r.Context(), strings.TrimSpace(r.URL.Query().Get("category")))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, modules)
}

func (s *HTTPServer) handleGetModule(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	module, err := s.service.GetModule(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, module)
}

func (s *HTTPServer) handleModuleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.ModuleStats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleDependencies(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	if _, err := s.service.GetModule(r.Context(), key); err != nil {
		s.writeServiceError(w, err)
		return
	}

	check, err := s.service.CheckDependencies(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, check)
}

func (s *HTTPServer) handleTransition(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var request transitionRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(string(request.Status)) == "" {
		writeJSONError(w, http.StatusBadRequest, "status is required")
		return
	}

	module, err := s.service.RequestTransition(r.Context(), key, request.Status)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, module)
}

func (s *HTTPServer) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var patch map[string]any
	if err := s.decodeJSONBody(w, r, &patch); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if len(patch) == 0 {
		writeJSONError(w, http.StatusBadRequest, "settings patch is empty")
		return
	}

	module, err := s.service.UpdateModuleSettings(r.Context(), key, patch)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, module)
}

func (s *HTTPServer) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy insurance.Policy
	if err := s.decodeJSONBody(w, r, &policy); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreatePolicy(r.Context(), policy)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	policy, err := s.service.GetPolicy(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, policy)
}

func (s *HTTPServer) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.service.ListPolicies(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, policies)
}

func (s *HTTPServer) handleReportIncident(w http.ResponseWriter, r *http.Request) {
	var incident insurance.Incident
	if err := s.decodeJSONBody(w, r, &incident); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.ReportIncident(r.Context(), incident)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.service.ListIncidents(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, incidents)
}

func (s *HTTPServer) handleEvaluateIncident(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	claim, err := s.service.EvaluateIncident(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, claim)
}

func (s *HTTPServer) handleListClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := s.service.ListClaims(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, claims)
}

func (s *HTTPServer) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	claim, err := s.service.GetClaim(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, claim)
}

func (s *HTTPServer) handleDecideClaim(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	var request decisionRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(string(request.Decision)) == "" {
		writeJSONError(w, http.StatusBadRequest, "decision is required")
		return
	}

	claim, err := s.service.DecideClaim(r.Context(), id, request.Decision)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, claim)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.EventRecord) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.Kind)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), currentEventID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, "event log unavailable")
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(kind string) string {
	switch bus.Kind(strings.TrimSpace(kind)) {
	case bus.KindModuleChanged, bus.KindIncidentReported, bus.KindClaimCreated, bus.KindClaimDecided:
		return kind
	default:
		return ""
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	var missingErr *core.MissingDependenciesError
	var dependentsErr *core.DependentsEnabledError
	var thresholdErr *insurance.ThresholdNotMetError

	switch {
	case errors.As(err, &missingErr):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:   missingErr.Error(),
			Missing: missingErr.Missing,
		})
	case errors.As(err, &dependentsErr):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:      dependentsErr.Error(),
			Dependents: dependentsErr.Dependents,
		})
	case errors.As(err, &thresholdErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:        thresholdErr.Error(),
			ActualDays:   thresholdErr.ActualDays,
			RequiredDays: thresholdErr.RequiredDays,
		})
	case errors.Is(err, registry.ErrComingSoon),
		errors.Is(err, insurance.ErrClaimFinalized):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, insurance.ErrNoPolicyForProject):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, registry.ErrInvalidStatus),
		errors.Is(err, insurance.ErrInvalidDecision),
		errors.Is(err, insurance.ErrInvalidInput):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, insurance.ErrPolicyNotFound),
		errors.Is(err, insurance.ErrIncidentNotFound),
		errors.Is(err, insurance.ErrClaimNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
