package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sitepay/core/internal/core"
	"github.com/sitepay/core/internal/insurance"
	"github.com/sitepay/core/internal/middleware"
	"github.com/sitepay/core/internal/registry"
	"github.com/sitepay/core/internal/repository"
)

func TestHTTPHandlerListModules(t *testing.T) {
	svc := &fakeService{
		listModulesFunc: func(_ context.Context, category string) ([]core.Module, error) {
			if category != "risk" {
				t.Fatalf("ListModules category = %q, want %q", category, "risk")
			}
			return []core.Module{
				{Key: "insurance_bonding", Category: "risk", Status: core.StatusAvailable},
				{Key: "dispute_resolution", Category: "risk", Status: core.StatusAvailable},
			}, nil
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodGet, "/v1/modules?category=risk", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}

	var got []core.Module
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got) != 2 || got[0].Key != "insurance_bonding" {
		t.Fatalf("response = %#v, want two risk modules", got)
	}
}

func TestHTTPHandlerGetModuleNotFound(t *testing.T) {
	svc := &fakeService{
		getModuleFunc: func(_ context.Context, _ string) (core.Module, error) {
			return core.Module{}, registry.ErrNotFound
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodGet, "/v1/modules/unknown", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHTTPHandlerModuleStats(t *testing.T) {
	svc := &fakeService{
		moduleStatsFunc: func(context.Context) (core.Stats, error) {
			return core.Stats{Enabled: 2, Available: 5, ComingSoon: 1}, nil
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodGet, "/v1/modules/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got core.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Enabled != 2 || got.Available != 5 || got.ComingSoon != 1 {
		t.Fatalf("stats = %+v, want {2 5 1}", got)
	}
}

func TestHTTPHandlerDependencies(t *testing.T) {
	svc := &fakeService{
		getModuleFunc: func(_ context.Context, key string) (core.Module, error) {
			return core.Module{Key: key}, nil
		},
		checkDependenciesFunc: func(_ context.Context, key string) (core.DependencyCheck, error) {
			if key != "insurance_bonding" {
				t.Fatalf("CheckDependencies key = %q", key)
			}
			return core.DependencyCheck{Satisfied: false, Missing: []string{"oracles"}}, nil
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodGet, "/v1/modules/insurance_bonding/dependencies", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got core.DependencyCheck
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Satisfied || len(got.Missing) != 1 || got.Missing[0] != "oracles" {
		t.Fatalf("check = %+v, want missing oracles", got)
	}
}

func TestHTTPHandlerTransition(t *testing.T) {
	svc := &fakeService{
		requestTransitionFunc: func(_ context.Context, key string, target core.Status) (core.Module, error) {
			if key != "oracles" || target != core.StatusEnabled {
				t.Fatalf("RequestTransition(%q, %q)", key, target)
			}
			return core.Module{Key: key, Status: target}, nil
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/modules/oracles/transition",
		strings.NewReader(`{"status":"enabled"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got core.Module
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Status != core.StatusEnabled {
		t.Fatalf("status = %q, want enabled", got.Status)
	}
}

func TestHTTPHandlerTransitionMissingDependencies(t *testing.T) {
	svc := &fakeService{
		requestTransitionFunc: func(_ context.Context, _ string, _ core.Status) (core.Module, error) {
			return core.Module{}, &core.MissingDependenciesError{
				Key:     "insurance_bonding",
				Missing: []string{"oracles"},
			}
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/modules/insurance_bonding/transition",
		strings.NewReader(`{"status":"enabled"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}

	var got errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got.Missing) != 1 || got.Missing[0] != "oracles" {
		t.Fatalf("missing = %v, want [oracles]", got.Missing)
	}
}

func TestHTTPHandlerTransitionDependentsEnabled(t *testing.T) {
	svc := &fakeService{
		requestTransitionFunc: func(_ context.Context, _ string, _ core.Status) (core.Module, error) {
			return core.Module{}, &core.DependentsEnabledError{
				Key:        "smart_escrow",
				Dependents: []string{"lending_pool"},
			}
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/modules/smart_escrow/transition",
		strings.NewReader(`{"status":"disabled"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}

	var got errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got.Dependents) != 1 || got.Dependents[0] != "lending_pool" {
		t.Fatalf("dependents = %v, want [lending_pool]", got.Dependents)
	}
}

func TestHTTPHandlerTransitionComingSoon(t *testing.T) {
	svc := &fakeService{
		requestTransitionFunc: func(_ context.Context, _ string, _ core.Status) (core.Module, error) {
			return core.Module{}, registry.ErrComingSoon
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/modules/ai_automation/transition",
		strings.NewReader(`{"status":"enabled"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestHTTPHandlerTransitionRequiresStatus(t *testing.T) {
	svc := &fakeService{
		requestTransitionFunc: func(_ context.Context, _ string, _ core.Status) (core.Module, error) {
			t.Fatal("RequestTransition should not be called without a status")
			return core.Module{}, nil
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/modules/oracles/transition",
		strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerUpdateSettings(t *testing.T) {
	svc := &fakeService{
		updateModuleSettingsFunc: func(_ context.Context, key string, patch map[string]any) (core.Module, error) {
			if key != "smart_escrow" || patch["release_delay_days"] != float64(10) {
				t.Fatalf("UpdateModuleSettings(%q, %v)", key, patch)
			}
			return core.Module{Key: key, Settings: patch}, nil
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPatch, "/v1/modules/smart_escrow/settings",
		strings.NewReader(`{"release_delay_days":10}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHTTPHandlerUpdateSettingsRejectsEmptyPatch(t *testing.T) {
	svc := &fakeService{
		updateModuleSettingsFunc: func(_ context.Context, _ string, _ map[string]any) (core.Module, error) {
			t.Fatal("UpdateModuleSettings should not be called for an empty patch")
			return core.Module{}, nil
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPatch, "/v1/modules/smart_escrow/settings",
		strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerCreatePolicy(t *testing.T) {
	svc := &fakeService{
		createPolicyFunc: func(_ context.Context, policy insurance.Policy) (insurance.Policy, error) {
			policy.ID = "p1"
			policy.Status = insurance.PolicyActive
			return policy, nil
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/policies",
		strings.NewReader(`{"project":"tower-a","coverage_cents":1000000,"delay_threshold_days":14}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var got insurance.Policy
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.ID != "p1" || got.Project != "tower-a" {
		t.Fatalf("policy = %+v", got)
	}
}

func TestHTTPHandlerCreatePolicyInvalidInput(t *testing.T) {
	svc := &fakeService{
		createPolicyFunc: func(_ context.Context, _ insurance.Policy) (insurance.Policy, error) {
			return insurance.Policy{}, insurance.ErrInvalidInput
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/policies",
		strings.NewReader(`{"coverage_cents":1000000}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerEvaluateIncidentThresholdNotMet(t *testing.T) {
	svc := &fakeService{
		evaluateIncidentFunc: func(_ context.Context, id string) (insurance.Claim, error) {
			if id != "i1" {
				t.Fatalf("EvaluateIncident id = %q", id)
			}
			return insurance.Claim{}, &insurance.ThresholdNotMetError{ActualDays: 5, RequiredDays: 14}
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/incidents/i1/evaluate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}

	var got errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.ActualDays != 5 || got.RequiredDays != 14 {
		t.Fatalf("response = %+v, want actual 5 required 14", got)
	}
}

func TestHTTPHandlerEvaluateIncidentNoPolicy(t *testing.T) {
	svc := &fakeService{
		evaluateIncidentFunc: func(_ context.Context, _ string) (insurance.Claim, error) {
			return insurance.Claim{}, insurance.ErrNoPolicyForProject
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/incidents/i1/evaluate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestHTTPHandlerDecideClaim(t *testing.T) {
	svc := &fakeService{
		decideClaimFunc: func(_ context.Context, id string, decision insurance.Decision) (insurance.Claim, error) {
			if id != "c1" || decision != insurance.DecisionApprove {
				t.Fatalf("DecideClaim(%q, %q)", id, decision)
			}
			return insurance.Claim{ID: id, Status: insurance.ClaimApproved}, nil
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/claims/c1/decision",
		strings.NewReader(`{"decision":"approve"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got insurance.Claim
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Status != insurance.ClaimApproved {
		t.Fatalf("claim status = %q, want approved", got.Status)
	}
}

func TestHTTPHandlerDecideClaimFinalized(t *testing.T) {
	svc := &fakeService{
		decideClaimFunc: func(_ context.Context, _ string, _ insurance.Decision) (insurance.Claim, error) {
			return insurance.Claim{}, insurance.ErrClaimFinalized
		},
	}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/claims/c1/decision",
		strings.NewReader(`{"decision":"reject"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestHTTPHandlerOversizedBody(t *testing.T) {
	svc := &fakeService{
		createPolicyFunc: func(_ context.Context, _ insurance.Policy) (insurance.Policy, error) {
			t.Fatal("CreatePolicy should not be called for oversized request bodies")
			return insurance.Policy{}, nil
		},
	}

	oversizedProject := strings.Repeat("a", defaultMaxJSONBodyBytes+1)
	body := `{"project":"` + oversizedProject + `"}`

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/policies", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if !strings.Contains(rec.Body.String(), `"error":"request body too large"`) {
		t.Fatalf("body = %q, want request body too large error", rec.Body.String())
	}
}

func TestHTTPHandlerInvalidJSONBody(t *testing.T) {
	svc := &fakeService{}

	handler := NewHTTPHandler(svc)
	req := httptest.NewRequest(http.MethodPost, "/v1/modules/oracles/transition",
		strings.NewReader(`{"status":`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), `"error":"invalid JSON body"`) {
		t.Fatalf("body = %q, want invalid JSON body error", rec.Body.String())
	}
}

func TestHTTPHandlerStream(t *testing.T) {
	events := []repository.EventRecord{
		{EventID: 1, Kind: "module.changed", EntityKey: "oracles", Payload: json.RawMessage(`{"key":"oracles","status":"enabled"}`)},
		{EventID: 2, Kind: "claim.created", EntityKey: "c1", Payload: json.RawMessage(`{"claim_id":"c1"}`)},
	}

	svc := &fakeService{
		listEventsSinceFunc: func(_ context.Context, eventID int64) ([]repository.EventRecord, error) {
			out := make([]repository.EventRecord, 0)
			for _, event := range events {
				if event.EventID > eventID {
					out = append(out, event)
				}
			}
			return out, nil
		},
	}

	handler := NewHTTPHandler(svc, WithStreamPollInterval(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", got)
	}

	body := rec.Body.String()
	if strings.Contains(body, "id: 1\n") {
		t.Fatalf("stream replayed event 1 despite Last-Event-ID: %q", body)
	}
	if !strings.Contains(body, "id: 2\nevent: claim.created\ndata: {\"claim_id\":\"c1\"}\n\n") {
		t.Fatalf("stream body = %q, want SSE frame for event 2", body)
	}
}

// Exercises the serving chain the binary builds: request metrics inside the
// request-logging middleware, over a real connection. Events must reach the
// client before the stream blocks waiting for more, which only happens when
// every writer in the chain forwards Flush.
func TestHTTPHandlerStreamFlushesThroughMiddleware(t *testing.T) {
	svc := &fakeService{
		listEventsSinceFunc: func(_ context.Context, eventID int64) ([]repository.EventRecord, error) {
			if eventID >= 1 {
				return nil, nil
			}
			return []repository.EventRecord{
				{EventID: 1, Kind: "claim.created", EntityKey: "c1", Payload: json.RawMessage(`{"claim_id":"c1"}`)},
			}, nil
		},
	}

	apiHandler := NewHTTPHandler(svc,
		WithStreamPollInterval(time.Hour),
		WithRequestMetrics(func(_, _, _ string, _ float64) {}),
	)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(middleware.HTTPRequestLogging(logger)(apiHandler))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", got)
	}

	reader := bufio.NewReader(resp.Body)
	var frame strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v (received %q)", err, frame.String())
		}
		frame.WriteString(line)
		if line == "\n" {
			break
		}
	}

	want := "id: 1\nevent: claim.created\ndata: {\"claim_id\":\"c1\"}\n\n"
	if frame.String() != want {
		t.Fatalf("frame = %q, want %q", frame.String(), want)
	}
}

func TestHTTPHandlerStreamInvalidLastEventID(t *testing.T) {
	handler := NewHTTPHandler(&fakeService{})
	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	req.Header.Set("Last-Event-ID", "not-a-number")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerHealthz(t *testing.T) {
	handler := NewHTTPHandler(&fakeService{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %q, want status ok", rec.Body.String())
	}
}

func TestHTTPHandlerMetrics(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("metrics here"))
	})

	handler := NewHTTPHandler(&fakeService{}, WithMetricsHandler(metricsHandler))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "metrics here" {
		t.Fatalf("body = %q, want metrics passthrough", rec.Body.String())
	}
}

func TestHTTPHandlerRequestMetrics(t *testing.T) {
	svc := &fakeService{
		getModuleFunc: func(_ context.Context, key string) (core.Module, error) {
			return core.Module{Key: key}, nil
		},
	}

	type sample struct {
		method, route, status string
	}
	var samples []sample
	handler := NewHTTPHandler(svc, WithRequestMetrics(func(method, route, status string, _ float64) {
		samples = append(samples, sample{method, route, status})
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/modules/oracles", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if len(samples) != 1 {
		t.Fatalf("recorded %d samples, want 1", len(samples))
	}
	got := samples[0]
	if got.method != http.MethodGet || got.route != "GET /v1/modules/{key}" || got.status != "200" {
		t.Fatalf("sample = %+v, want GET /v1/modules/{key} 200", got)
	}
}

type fakeService struct {
	getModuleFunc            func(ctx context.Context, key string) (core.Module, error)
	listModulesFunc          func(ctx context.Context, category string) ([]core.Module, error)
	moduleStatsFunc          func(ctx context.Context) (core.Stats, error)
	checkDependenciesFunc    func(ctx context.Context, key string) (core.DependencyCheck, error)
	requestTransitionFunc    func(ctx context.Context, key string, target core.Status) (core.Module, error)
	updateModuleSettingsFunc func(ctx context.Context, key string, patch map[string]any) (core.Module, error)
	createPolicyFunc         func(ctx context.Context, policy insurance.Policy) (insurance.Policy, error)
	getPolicyFunc            func(ctx context.Context, id string) (insurance.Policy, error)
	listPoliciesFunc         func(ctx context.Context) ([]insurance.Policy, error)
	reportIncidentFunc       func(ctx context.Context, incident insurance.Incident) (insurance.Incident, error)
	listIncidentsFunc        func(ctx context.Context) ([]insurance.Incident, error)
	evaluateIncidentFunc     func(ctx context.Context, incidentID string) (insurance.Claim, error)
	decideClaimFunc          func(ctx context.Context, claimID string, decision insurance.Decision) (insurance.Claim, error)
	getClaimFunc             func(ctx context.Context, id string) (insurance.Claim, error)
	listClaimsFunc           func(ctx context.Context) ([]insurance.Claim, error)
	listEventsSinceFunc      func(ctx context.Context, eventID int64) ([]repository.EventRecord, error)
}

func (f *fakeService) GetModule(ctx context.Context, key string) (core.Module, error) {
	if f.getModuleFunc != nil {
		return f.getModuleFunc(ctx, key)
	}
	return core.Module{}, errors.New("GetModule not implemented")
}

func (f *fakeService) ListModules(ctx context.Context, category string) ([]core.Module, error) {
	if f.listModulesFunc != nil {
		return f.listModulesFunc(ctx, category)
	}
	return nil, errors.New("ListModules not implemented")
}

func (f *fakeService) ModuleStats(ctx context.Context) (core.Stats, error) {
	if f.moduleStatsFunc != nil {
		return f.moduleStatsFunc(ctx)
	}
	return core.Stats{}, errors.New("ModuleStats not implemented")
}

func (f *fakeService) CheckDependencies(ctx context.Context, key string) (core.DependencyCheck, error) {
	if f.checkDependenciesFunc != nil {
		return f.checkDependenciesFunc(ctx, key)
	}
	return core.DependencyCheck{}, errors.New("CheckDependencies not implemented")
}

func (f *fakeService) RequestTransition(ctx context.Context, key string, target core.Status) (core.Module, error) {
	if f.requestTransitionFunc != nil {
		return f.requestTransitionFunc(ctx, key, target)
	}
	return core.Module{}, errors.New("RequestTransition not implemented")
}

func (f *fakeService) UpdateModuleSettings(ctx context.Context, key string, patch map[string]any) (core.Module, error) {
	if f.updateModuleSettingsFunc != nil {
		return f.updateModuleSettingsFunc(ctx, key, patch)
	}
	return core.Module{}, errors.New("UpdateModuleSettings not implemented")
}

func (f *fakeService) CreatePolicy(ctx context.Context, policy insurance.Policy) (insurance.Policy, error) {
	if f.createPolicyFunc != nil {
		return f.createPolicyFunc(ctx, policy)
	}
	return insurance.Policy{}, errors.New("CreatePolicy not implemented")
}

func (f *fakeService) GetPolicy(ctx context.Context, id string) (insurance.Policy, error) {
	if f.getPolicyFunc != nil {
		return f.getPolicyFunc(ctx, id)
	}
	return insurance.Policy{}, errors.New("GetPolicy not implemented")
}

func (f *fakeService) ListPolicies(ctx context.Context) ([]insurance.Policy, error) {
	if f.listPoliciesFunc != nil {
		return f.listPoliciesFunc(ctx)
	}
	return nil, errors.New("ListPolicies not implemented")
}

func (f *fakeService) ReportIncident(ctx context.Context, incident insurance.Incident) (insurance.Incident, error) {
	if f.reportIncidentFunc != nil {
		return f.reportIncidentFunc(ctx, incident)
	}
	return insurance.Incident{}, errors.New("ReportIncident not implemented")
}

func (f *fakeService) ListIncidents(ctx context.Context) ([]insurance.Incident, error) {
	if f.listIncidentsFunc != nil {
		return f.listIncidentsFunc(ctx)
	}
	return nil, errors.New("ListIncidents not implemented")
}

func (f *fakeService) EvaluateIncident(ctx context.Context, incidentID string) (insurance.Claim, error) {
	if f.evaluateIncidentFunc != nil {
		return f.evaluateIncidentFunc(ctx, incidentID)
	}
	return insurance.Claim{}, errors.New("EvaluateIncident not implemented")
}

func (f *fakeService) DecideClaim(ctx context.Context, claimID string, decision insurance.Decision) (insurance.Claim, error) {
	if f.decideClaimFunc != nil {
		return f.decideClaimFunc(ctx, claimID, decision)
	}
	return insurance.Claim{}, errors.New("DecideClaim not implemented")
}

func (f *fakeService) GetClaim(ctx context.Context, id string) (insurance.Claim, error) {
	if f.getClaimFunc != nil {
		return f.getClaimFunc(ctx, id)
	}
	return insurance.Claim{}, errors.New("GetClaim not implemented")
}

func (f *fakeService) ListClaims(ctx context.Context) ([]insurance.Claim, error) {
	if f.listClaimsFunc != nil {
		return f.listClaimsFunc(ctx)
	}
	return nil, errors.New("ListClaims not implemented")
}

func (f *fakeService) ListEventsSince(ctx context.Context, eventID int64) ([]repository.EventRecord, error) {
	if f.listEventsSinceFunc != nil {
		return f.listEventsSinceFunc(ctx, eventID)
	}
	return nil, errors.New("ListEventsSince not implemented")
}
