// Package insurance holds the parametric claim flow: policies gate claims on
// a delay threshold, incidents record observed delays, and claims progress
// Pending -> Approved | Rejected. It applies the same declarative-rule ->
// eligibility-check -> state-transition -> event shape as the module
// registry, against a different entity.
package insurance

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitepay/core/internal/bus"
)

// PolicyStatus is the lifecycle state of an insurance policy.
type PolicyStatus string

const (
	PolicyActive       PolicyStatus = "active"
	PolicyExpiringSoon PolicyStatus = "expiring_soon"
)

// Severity classifies an incident's impact and drives the default claim
// amount schedule.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ClaimStatus is the lifecycle state of a claim. Pending is the only
// non-terminal state.
type ClaimStatus string

const (
	ClaimPending  ClaimStatus = "pending"
	ClaimApproved ClaimStatus = "approved"
	ClaimRejected ClaimStatus = "rejected"
)

// Decision is an underwriter's verdict on a pending claim.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Policy is an insurance contract covering delay incidents on a project.
type Policy struct {
	ID                 string       `json:"id"`
	Project            string       `json:"project"`
	CoverageCents      int64        `json:"coverage_cents"`
	DeductibleCents    int64        `json:"deductible_cents"`
	DelayThresholdDays int          `json:"delay_threshold_days"`
	Status             PolicyStatus `json:"status"`
	CreatedAt          time.Time    `json:"created_at"`
}

// Incident is an observed field event that may trigger a claim. Only the
// Resolved flag is ever mutated after creation.
type Incident struct {
	ID         string    `json:"id"`
	Project    string    `json:"project"`
	DelayDays  int       `json:"delay_days"`
	Severity   Severity  `json:"severity"`
	Resolved   bool      `json:"resolved"`
	ReportedAt time.Time `json:"reported_at"`
}

// Claim is a payout request against a policy, created by an eligible
// incident. EscrowFrozen blocks fund release until the claim is decided.
type Claim struct {
	ID           string      `json:"id"`
	PolicyID     string      `json:"policy_id"`
	IncidentID   string      `json:"incident_id"`
	AmountCents  int64       `json:"amount_cents"`
	Status       ClaimStatus `json:"status"`
	EscrowFrozen bool        `json:"escrow_frozen"`
	CreatedAt    time.Time   `json:"created_at"`
	DecidedAt    *time.Time  `json:"decided_at,omitempty"`
}

var (
	// ErrInvalidInput wraps validation failures on submitted policies and
	// incidents.
	ErrInvalidInput = errors.New("invalid input")

	ErrPolicyNotFound   = errors.New("policy not found")
	ErrIncidentNotFound = errors.New("incident not found")
	ErrClaimNotFound    = errors.New("claim not found")
	// ErrNoPolicyForProject means the incident's project has no policy.
	ErrNoPolicyForProject = errors.New("no policy for project")
	// ErrClaimFinalized means the claim already reached a terminal state.
	ErrClaimFinalized = errors.New("claim already finalized")
	// ErrInvalidDecision means the decision is neither approve nor reject.
	ErrInvalidDecision = errors.New("invalid decision")
)

// ThresholdNotMetError rejects claim creation when the incident's observed
// delay is below the policy's eligibility threshold. The threshold is
// inclusive: ActualDays == RequiredDays is eligible.
type ThresholdNotMetError struct {
	ActualDays   int
	RequiredDays int
}

func (e *ThresholdNotMetError) Error() string {
	return fmt.Sprintf("delay of %d days is below the %d-day claim threshold", e.ActualDays, e.RequiredDays)
}

// Store is the in-memory insurance state. A single mutex covers the
// eligibility check and the claim creation it guards.
type Store struct {
	mu              sync.Mutex
	policies        map[string]Policy
	policyByProject map[string]string
	incidents       map[string]Incident
	claims          map[string]Claim
	claimByIncident map[string]string
	policyOrder     []string
	incidentOrder   []string
	claimOrder      []string
	bus             *bus.Bus
	now             func() time.Time
	newID           func() string
}

// NewStore creates an empty insurance store publishing on eventBus.
func NewStore(eventBus *bus.Bus) (*Store, error) {
	if eventBus == nil {
		return nil, errors.New("event bus is nil")
	}
	return &Store{
		policies:        make(map[string]Policy),
		policyByProject: make(map[string]string),
		incidents:       make(map[string]Incident),
		claims:          make(map[string]Claim),
		claimByIncident: make(map[string]string),
		bus:             eventBus,
		now:             time.Now,
		newID:           uuid.NewString,
	}, nil
}

// AddPolicy registers a policy. One policy per project: registering a second
// policy for the same project replaces the first as the claim target.
func (s *Store) AddPolicy(policy Policy) (Policy, error) {
	if policy.Project == "" {
		return Policy{}, fmt.Errorf("%w: policy project is required", ErrInvalidInput)
	}
	if policy.DelayThresholdDays < 0 {
		return Policy{}, fmt.Errorf("%w: delay threshold must be >= 0", ErrInvalidInput)
	}
	if policy.CoverageCents <= 0 {
		return Policy{}, fmt.Errorf("%w: coverage must be > 0", ErrInvalidInput)
	}
	if policy.Status == "" {
		policy.Status = PolicyActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if policy.ID == "" {
		policy.ID = s.newID()
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = s.now().UTC()
	}
	if _, exists := s.policies[policy.ID]; !exists {
		s.policyOrder = append(s.policyOrder, policy.ID)
	}
	s.policies[policy.ID] = policy
	s.policyByProject[policy.Project] = policy.ID

	return policy, nil
}

// GetPolicy returns the policy with the given ID.
func (s *Store) GetPolicy(id string) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	policy, ok := s.policies[id]
	if !ok {
		return Policy{}, ErrPolicyNotFound
	}
	return policy, nil
}

// ListPolicies returns policies in registration order.
func (s *Store) ListPolicies() []Policy {
	s.mu.Lock()
	defer s.mu.Unlock()

	policies := make([]Policy, 0, len(s.policyOrder))
	for _, id := range s.policyOrder {
		policies = append(policies, s.policies[id])
	}
	return policies
}

// ReportIncident records an observed delay on a project and publishes an
// [bus.IncidentReported] event.
func (s *Store) ReportIncident(incident Incident) (Incident, error) {
	if incident.Project == "" {
		return Incident{}, fmt.Errorf("%w: incident project is required", ErrInvalidInput)
	}
	if incident.DelayDays < 0 {
		return Incident{}, fmt.Errorf("%w: delay days must be >= 0", ErrInvalidInput)
	}
	switch incident.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return Incident{}, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, incident.Severity)
	}

	s.mu.Lock()
	if incident.ID == "" {
		incident.ID = s.newID()
	}
	if incident.ReportedAt.IsZero() {
		incident.ReportedAt = s.now().UTC()
	}
	if _, exists := s.incidents[incident.ID]; !exists {
		s.incidentOrder = append(s.incidentOrder, incident.ID)
	}
	s.incidents[incident.ID] = incident
	s.mu.Unlock()

	s.bus.Publish(bus.IncidentReported{
		IncidentID: incident.ID,
		Project:    incident.Project,
		DelayDays:  incident.DelayDays,
		Severity:   string(incident.Severity),
		ReportedAt: incident.ReportedAt,
	})

	return incident, nil
}

// GetIncident returns the incident with the given ID.
func (s *Store) GetIncident(id string) (Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	incident, ok := s.incidents[id]
	if !ok {
		return Incident{}, ErrIncidentNotFound
	}
	return incident, nil
}

// ListIncidents returns incidents in report order.
func (s *Store) ListIncidents() []Incident {
	s.mu.Lock()
	defer s.mu.Unlock()

	incidents := make([]Incident, 0, len(s.incidentOrder))
	for _, id := range s.incidentOrder {
		incidents = append(incidents, s.incidents[id])
	}
	return incidents
}

// EvaluateIncident applies the claim eligibility rule to an incident. An
// incident that already produced a claim returns that claim unchanged, so
// re-running the evaluation is idempotent. Eligibility is inclusive:
// delayDays >= the policy threshold.
func (s *Store) EvaluateIncident(incidentID string) (Claim, error) {
	s.mu.Lock()

	incident, ok := s.incidents[incidentID]
	if !ok {
		s.mu.Unlock()
		return Claim{}, ErrIncidentNotFound
	}

	policyID, ok := s.policyByProject[incident.Project]
	if !ok {
		s.mu.Unlock()
		return Claim{}, fmt.Errorf("%w: %s", ErrNoPolicyForProject, incident.Project)
	}
	policy := s.policies[policyID]

	if incident.DelayDays < policy.DelayThresholdDays {
		s.mu.Unlock()
		return Claim{}, &ThresholdNotMetError{
			ActualDays:   incident.DelayDays,
			RequiredDays: policy.DelayThresholdDays,
		}
	}

	if existingID, ok := s.claimByIncident[incidentID]; ok {
		claim := s.claims[existingID]
		s.mu.Unlock()
		return claim, nil
	}

	claim := Claim{
		ID:           s.newID(),
		PolicyID:     policy.ID,
		IncidentID:   incident.ID,
		AmountCents:  claimAmount(incident.Severity, policy),
		Status:       ClaimPending,
		EscrowFrozen: true,
		CreatedAt:    s.now().UTC(),
	}
	s.claims[claim.ID] = claim
	s.claimByIncident[incident.ID] = claim.ID
	s.claimOrder = append(s.claimOrder, claim.ID)
	s.mu.Unlock()

	s.bus.Publish(bus.ClaimCreated{
		ClaimID:     claim.ID,
		PolicyID:    claim.PolicyID,
		IncidentID:  claim.IncidentID,
		AmountCents: claim.AmountCents,
	})

	return claim, nil
}

// Decide finalizes a pending claim. Approval releases the escrow freeze;
// rejection releases it as well, so a rejected claim never leaves escrow
// blocked. Approved and Rejected are terminal: deciding a finalized claim
// fails with [ErrClaimFinalized] and never flips the stored outcome.
func (s *Store) Decide(claimID string, decision Decision) (Claim, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return Claim{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	s.mu.Lock()
	claim, ok := s.claims[claimID]
	if !ok {
		s.mu.Unlock()
		return Claim{}, ErrClaimNotFound
	}
	if claim.Status != ClaimPending {
		s.mu.Unlock()
		return Claim{}, fmt.Errorf("%w: claim is %s", ErrClaimFinalized, claim.Status)
	}

	if decision == DecisionApprove {
		claim.Status = ClaimApproved
	} else {
		claim.Status = ClaimRejected
	}
	claim.EscrowFrozen = false
	decidedAt := s.now().UTC()
	claim.DecidedAt = &decidedAt
	s.claims[claimID] = claim
	s.mu.Unlock()

	s.bus.Publish(bus.ClaimDecided{
		ClaimID:      claim.ID,
		PolicyID:     claim.PolicyID,
		Status:       string(claim.Status),
		EscrowFrozen: claim.EscrowFrozen,
	})

	return claim, nil
}

// GetClaim returns the claim with the given ID.
func (s *Store) GetClaim(id string) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.claims[id]
	if !ok {
		return Claim{}, ErrClaimNotFound
	}
	return claim, nil
}

// ListClaims returns claims in creation order.
func (s *Store) ListClaims() []Claim {
	s.mu.Lock()
	defer s.mu.Unlock()

	claims := make([]Claim, 0, len(s.claimOrder))
	for _, id := range s.claimOrder {
		claims = append(claims, s.claims[id])
	}
	return claims
}

// Restore rehydrates persisted insurance state without validation or event
// publication. Entities must be restored policies-first so project lookups
// resolve.
func (s *Store) Restore(policies []Policy, incidents []Incident, claims []Claim) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, policy := range policies {
		if _, exists := s.policies[policy.ID]; !exists {
			s.policyOrder = append(s.policyOrder, policy.ID)
		}
		s.policies[policy.ID] = policy
		s.policyByProject[policy.Project] = policy.ID
	}
	for _, incident := range incidents {
		if _, exists := s.incidents[incident.ID]; !exists {
			s.incidentOrder = append(s.incidentOrder, incident.ID)
		}
		s.incidents[incident.ID] = incident
	}
	for _, claim := range claims {
		if _, exists := s.claims[claim.ID]; !exists {
			s.claimOrder = append(s.claimOrder, claim.ID)
		}
		s.claims[claim.ID] = claim
		s.claimByIncident[claim.IncidentID] = claim.ID
	}
}

// claimAmount derives the default claim amount from the incident severity:
// a percentage of coverage, less the deductible, never below zero. The
// schedule is a business parameter, not a structural rule.
func claimAmount(severity Severity, policy Policy) int64 {
	var pct int64
	switch severity {
	case SeverityLow:
		pct = 10
	case SeverityMedium:
		pct = 25
	case SeverityHigh:
		pct = 50
	case SeverityCritical:
		pct = 100
	}

	amount := policy.CoverageCents*pct/100 - policy.DeductibleCents
	if amount < 0 {
		return 0
	}
	return amount
}
