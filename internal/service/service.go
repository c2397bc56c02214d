// Package service composes the in-memory rules core (module registry,
// insurance store, event bus) with the PostgreSQL repository. Mutations run
// against the in-memory stores first, then write through to storage; every
// bus event is appended to the durable event log on a best-effort basis to
// drive streaming consumers and replica invalidation.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sitepay/core/internal/bus"
	"github.com/sitepay/core/internal/core"
	"github.com/sitepay/core/internal/insurance"
	"github.com/sitepay/core/internal/registry"
	"github.com/sitepay/core/internal/repository"
)

const (
	bestEffortTimeout     = 2 * time.Second
	defaultResyncInterval = time.Minute
	stateReloadTimeout    = 5 * time.Second
)

// Repository is the persistence surface the service needs.
type Repository interface {
	ListModuleState(ctx context.Context) ([]repository.ModuleState, error)
	UpsertModuleState(ctx context.Context, state repository.ModuleState) error
	ListPolicies(ctx context.Context) ([]repository.PolicyRecord, error)
	SavePolicy(ctx context.Context, policy repository.PolicyRecord) error
	ListIncidents(ctx context.Context) ([]repository.IncidentRecord, error)
	SaveIncident(ctx context.Context, incident repository.IncidentRecord) error
	ListClaims(ctx context.Context) ([]repository.ClaimRecord, error)
	SaveClaim(ctx context.Context, claim repository.ClaimRecord) error
	PublishEvent(ctx context.Context, event repository.EventRecord) (repository.EventRecord, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.EventRecord, error)
}

type invalidationSubscriber interface {
	SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// MetricsHooks are optional callbacks invoked on rule outcomes. Nil fields
// are skipped.
type MetricsHooks struct {
	ModuleTransition   func(status string)
	TransitionRejected func(reason string)
	ClaimCreated       func()
	ClaimDecided       func(status string)
	StateReload        func()
	ModuleStats        func(stats core.Stats)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsHooks wires outcome callbacks, typically Prometheus counters.
func WithMetricsHooks(hooks MetricsHooks) Option {
	return func(s *Service) {
		s.metrics = hooks
	}
}

// WithResyncInterval overrides the safety-net state reload interval.
func WithResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// Service is the application facade over the rules core and its storage.
type Service struct {
	registry *registry.Registry
	claims   *insurance.Store
	bus      *bus.Bus
	repo     Repository
	logger   *slog.Logger
	metrics  MetricsHooks

	resyncInterval time.Duration
}

// New builds a Service: it rehydrates the in-memory stores from storage,
// subscribes the durable event log to the in-process bus, and starts the
// LISTEN/NOTIFY-driven resync loop when the repository supports it.
func New(ctx context.Context, reg *registry.Registry, claims *insurance.Store, eventBus *bus.Bus, repo Repository, opts ...Option) (*Service, error) {
	if reg == nil || claims == nil || eventBus == nil {
		return nil, errors.New("registry, claims store, and event bus are required")
	}
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	s := &Service{
		registry:       reg,
		claims:         claims,
		bus:            eventBus,
		repo:           repo,
		logger:         slog.Default(),
		resyncInterval: defaultResyncInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadState(ctx); err != nil {
		return nil, err
	}

	for _, kind := range []bus.Kind{
		bus.KindModuleChanged,
		bus.KindIncidentReported,
		bus.KindClaimCreated,
		bus.KindClaimDecided,
	} {
		s.bus.Subscribe(kind, s.appendToEventLog)
	}

	if subscriber, ok := repo.(invalidationSubscriber); ok {
		if err := s.startResyncListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	s.publishStats()

	return s, nil
}

// GetModule returns one module by key.
func (s *Service) GetModule(_ context.Context, key string) (core.Module, error) {
	return s.registry.Get(key)
}

// ListModules returns modules in declaration order, optionally filtered by
// category.
func (s *Service) ListModules(_ context.Context, category string) ([]core.Module, error) {
	return s.registry.List(category), nil
}

// ModuleStats aggregates module counts by status.
func (s *Service) ModuleStats(_ context.Context) (core.Stats, error) {
	return s.registry.Stats(), nil
}

// CheckDependencies evaluates a module's prerequisites against current state.
func (s *Service) CheckDependencies(_ context.Context, key string) (core.DependencyCheck, error) {
	return s.registry.CheckDependencies(key), nil
}

// RequestTransition changes a module's status, persisting the new state on
// success. Rejections are counted by reason and returned unchanged for the
// caller to surface.
func (s *Service) RequestTransition(ctx context.Context, key string, target core.Status) (core.Module, error) {
	module, err := s.registry.RequestTransition(key, target)
	if err != nil {
		s.recordRejection(err)
		return core.Module{}, err
	}

	if s.metrics.ModuleTransition != nil {
		s.metrics.ModuleTransition(string(module.Status))
	}
	s.publishStats()
	s.persistModuleState(ctx, module)

	return module, nil
}

// UpdateModuleSettings shallow-merges a settings patch, persisting the
// result.
func (s *Service) UpdateModuleSettings(ctx context.Context, key string, patch map[string]any) (core.Module, error) {
	module, err := s.registry.UpdateSettings(key, patch)
	if err != nil {
		return core.Module{}, err
	}

	s.persistModuleState(ctx, module)
	return module, nil
}

// CreatePolicy registers an insurance policy and persists it.
func (s *Service) CreatePolicy(ctx context.Context, policy insurance.Policy) (insurance.Policy, error) {
	created, err := s.claims.AddPolicy(policy)
	if err != nil {
		return insurance.Policy{}, err
	}

	if err := s.repo.SavePolicy(ctx, policyToRecord(created)); err != nil {
		s.logger.Error("persist policy", "policy_id", created.ID, "error", err)
		return insurance.Policy{}, fmt.Errorf("persist policy: %w", err)
	}
	return created, nil
}

// GetPolicy returns one policy by ID.
func (s *Service) GetPolicy(_ context.Context, id string) (insurance.Policy, error) {
	return s.claims.GetPolicy(id)
}

// ListPolicies returns policies in registration order.
func (s *Service) ListPolicies(_ context.Context) ([]insurance.Policy, error) {
	return s.claims.ListPolicies(), nil
}

// ReportIncident records a field incident and persists it.
func (s *Service) ReportIncident(ctx context.Context, incident insurance.Incident) (insurance.Incident, error) {
	created, err := s.claims.ReportIncident(incident)
	if err != nil {
		return insurance.Incident{}, err
	}

	if err := s.repo.SaveIncident(ctx, incidentToRecord(created)); err != nil {
		s.logger.Error("persist incident", "incident_id", created.ID, "error", err)
		return insurance.Incident{}, fmt.Errorf("persist incident: %w", err)
	}
	return created, nil
}

// ListIncidents returns incidents in report order.
func (s *Service) ListIncidents(_ context.Context) ([]insurance.Incident, error) {
	return s.claims.ListIncidents(), nil
}

// EvaluateIncident runs claim eligibility for an incident, persisting any
// newly created claim. Re-evaluating an already-claimed incident returns the
// existing claim.
func (s *Service) EvaluateIncident(ctx context.Context, incidentID string) (insurance.Claim, error) {
	claim, err := s.claims.EvaluateIncident(incidentID)
	if err != nil {
		s.recordRejection(err)
		return insurance.Claim{}, err
	}

	if s.metrics.ClaimCreated != nil {
		s.metrics.ClaimCreated()
	}
	if err := s.repo.SaveClaim(ctx, claimToRecord(claim)); err != nil {
		s.logger.Error("persist claim", "claim_id", claim.ID, "error", err)
		return insurance.Claim{}, fmt.Errorf("persist claim: %w", err)
	}
	return claim, nil
}

// DecideClaim finalizes a pending claim and persists the outcome.
func (s *Service) DecideClaim(ctx context.Context, claimID string, decision insurance.Decision) (insurance.Claim, error) {
	claim, err := s.claims.Decide(claimID, decision)
	if err != nil {
		s.recordRejection(err)
		return insurance.Claim{}, err
	}

	if s.metrics.ClaimDecided != nil {
		s.metrics.ClaimDecided(string(claim.Status))
	}
	if err := s.repo.SaveClaim(ctx, claimToRecord(claim)); err != nil {
		s.logger.Error("persist claim decision", "claim_id", claim.ID, "error", err)
		return insurance.Claim{}, fmt.Errorf("persist claim: %w", err)
	}
	return claim, nil
}

// GetClaim returns one claim by ID.
func (s *Service) GetClaim(_ context.Context, id string) (insurance.Claim, error) {
	return s.claims.GetClaim(id)
}

// ListClaims returns claims in creation order.
func (s *Service) ListClaims(_ context.Context) ([]insurance.Claim, error) {
	return s.claims.ListClaims(), nil
}

// ListEventsSince returns durable events with IDs greater than eventID.
func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.EventRecord, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}
	return events, nil
}

// appendToEventLog mirrors an in-process bus event into the durable event
// log. The write is best-effort: streaming and replica invalidation degrade,
// the in-memory mutation that triggered the event stands either way.
func (s *Service) appendToEventLog(event bus.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshal event payload", "kind", string(event.EventKind()), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), bestEffortTimeout)
	defer cancel()

	if _, err := s.repo.PublishEvent(ctx, repository.EventRecord{
		Kind:      string(event.EventKind()),
		EntityKey: eventEntityKey(event),
		Payload:   payload,
	}); err != nil {
		s.logger.Error("append event log", "kind", string(event.EventKind()), "error", err)
	}
}

func eventEntityKey(event bus.Event) string {
	switch e := event.(type) {
	case bus.ModuleChanged:
		return e.Key
	case bus.IncidentReported:
		return e.IncidentID
	case bus.ClaimCreated:
		return e.ClaimID
	case bus.ClaimDecided:
		return e.ClaimID
	default:
		return ""
	}
}

func (s *Service) recordRejection(err error) {
	if s.metrics.TransitionRejected == nil {
		return
	}
	s.metrics.TransitionRejected(rejectionReason(err))
}

func rejectionReason(err error) string {
	var missingErr *core.MissingDependenciesError
	var dependentsErr *core.DependentsEnabledError
	var thresholdErr *insurance.ThresholdNotMetError

	switch {
	case errors.As(err, &missingErr):
		return "missing_dependencies"
	case errors.As(err, &dependentsErr):
		return "dependents_enabled"
	case errors.As(err, &thresholdErr):
		return "threshold_not_met"
	case errors.Is(err, registry.ErrComingSoon):
		return "coming_soon"
	case errors.Is(err, insurance.ErrNoPolicyForProject):
		return "no_policy"
	case errors.Is(err, insurance.ErrClaimFinalized):
		return "claim_finalized"
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, insurance.ErrIncidentNotFound),
		errors.Is(err, insurance.ErrClaimNotFound):
		return "not_found"
	default:
		return "other"
	}
}

func (s *Service) publishStats() {
	if s.metrics.ModuleStats != nil {
		s.metrics.ModuleStats(s.registry.Stats())
	}
}

// persistModuleState writes a module's runtime state through to storage. The
// in-memory registry stays canonical for the single writer; a failed write is
// logged and retried by the next resync-driven snapshot of that module.
func (s *Service) persistModuleState(ctx context.Context, module core.Module) {
	settings, err := json.Marshal(module.Settings)
	if err != nil {
		s.logger.Error("marshal module settings", "key", module.Key, "error", err)
		return
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	if err := s.repo.UpsertModuleState(persistCtx, repository.ModuleState{
		Key:      module.Key,
		Status:   string(module.Status),
		Settings: settings,
	}); err != nil {
		s.logger.Error("persist module state", "key", module.Key, "error", err)
	}
}

func (s *Service) loadState(ctx context.Context) error {
	states, err := s.repo.ListModuleState(ctx)
	if err != nil {
		return fmt.Errorf("load module state: %w", err)
	}
	for _, state := range states {
		var settings map[string]any
		if len(state.Settings) > 0 {
			if err := json.Unmarshal(state.Settings, &settings); err != nil {
				s.logger.Warn("decode module settings", "key", state.Key, "error", err)
				settings = nil
			}
		}
		s.registry.Restore(state.Key, core.Status(state.Status), settings)
	}

	policies, err := s.repo.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	incidents, err := s.repo.ListIncidents(ctx)
	if err != nil {
		return fmt.Errorf("load incidents: %w", err)
	}
	claims, err := s.repo.ListClaims(ctx)
	if err != nil {
		return fmt.Errorf("load claims: %w", err)
	}

	s.claims.Restore(
		policiesFromRecords(policies),
		incidentsFromRecords(incidents),
		claimsFromRecords(claims),
	)

	if s.metrics.StateReload != nil {
		s.metrics.StateReload()
	}

	return nil
}

func (s *Service) startResyncListener(ctx context.Context, subscriber invalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadState(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.reloadState(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadState(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, stateReloadTimeout)
	defer cancel()
	if err := s.loadState(reloadCtx); err != nil {
		s.logger.Error("reload state", "error", err)
	}
	s.publishStats()
}

func policyToRecord(policy insurance.Policy) repository.PolicyRecord {
	return repository.PolicyRecord{
		ID:                 policy.ID,
		Project:            policy.Project,
		CoverageCents:      policy.CoverageCents,
		DeductibleCents:    policy.DeductibleCents,
		DelayThresholdDays: policy.DelayThresholdDays,
		Status:             string(policy.Status),
		CreatedAt:          policy.CreatedAt,
	}
}

func incidentToRecord(incident insurance.Incident) repository.IncidentRecord {
	return repository.IncidentRecord{
		ID:         incident.ID,
		Project:    incident.Project,
		DelayDays:  incident.DelayDays,
		Severity:   string(incident.Severity),
		Resolved:   incident.Resolved,
		ReportedAt: incident.ReportedAt,
	}
}

func claimToRecord(claim insurance.Claim) repository.ClaimRecord {
	return repository.ClaimRecord{
		ID:           claim.ID,
		PolicyID:     claim.PolicyID,
		IncidentID:   claim.IncidentID,
		AmountCents:  claim.AmountCents,
		Status:       string(claim.Status),
		EscrowFrozen: claim.EscrowFrozen,
		CreatedAt:    claim.CreatedAt,
		DecidedAt:    claim.DecidedAt,
	}
}

func policiesFromRecords(records []repository.PolicyRecord) []insurance.Policy {
	policies := make([]insurance.Policy, 0, len(records))
	for _, record := range records {
		policies = append(policies, insurance.Policy{
			ID:                 record.ID,
			Project:            record.Project,
			CoverageCents:      record.CoverageCents,
			DeductibleCents:    record.DeductibleCents,
			DelayThresholdDays: record.DelayThresholdDays,
			Status:             insurance.PolicyStatus(record.Status),
			CreatedAt:          record.CreatedAt,
		})
	}
	return policies
}

func incidentsFromRecords(records []repository.IncidentRecord) []insurance.Incident {
	incidents := make([]insurance.Incident, 0, len(records))
	for _, record := range records {
		incidents = append(incidents, insurance.Incident{
			ID:         record.ID,
			Project:    record.Project,
			DelayDays:  record.DelayDays,
			Severity:   insurance.Severity(record.Severity),
			Resolved:   record.Resolved,
			ReportedAt: record.ReportedAt,
		})
	}
	return incidents
}

func claimsFromRecords(records []repository.ClaimRecord) []insurance.Claim {
	claims := make([]insurance.Claim, 0, len(records))
	for _, record := range records {
		claims = append(claims, insurance.Claim{
			ID:           record.ID,
			PolicyID:     record.PolicyID,
			IncidentID:   record.IncidentID,
			AmountCents:  record.AmountCents,
			Status:       insurance.ClaimStatus(record.Status),
			EscrowFrozen: record.EscrowFrozen,
			CreatedAt:    record.CreatedAt,
			DecidedAt:    record.DecidedAt,
		})
	}
	return claims
}
