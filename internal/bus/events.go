package bus

import (
	"time"

	"github.com/sitepay/core/internal/core"
)

// Kind identifies a category of event.
type Kind string

const (
	KindModuleChanged    Kind = "module.changed"
	KindIncidentReported Kind = "incident.reported"
	KindClaimCreated     Kind = "claim.created"
	KindClaimDecided     Kind = "claim.decided"
)

// Event is implemented by every payload type the bus can carry.
type Event interface {
	EventKind() Kind
}

// ModuleChanged announces any mutation to a module: a status transition or a
// settings update. Every module mutation publishes exactly one of these, so
// consumers need only watch a single kind.
type ModuleChanged struct {
	Key      string         `json:"key"`
	Status   core.Status    `json:"status"`
	Settings map[string]any `json:"settings,omitempty"`
}

func (ModuleChanged) EventKind() Kind { return KindModuleChanged }

// IncidentReported announces a newly recorded field incident.
type IncidentReported struct {
	IncidentID string    `json:"incident_id"`
	Project    string    `json:"project"`
	DelayDays  int       `json:"delay_days"`
	Severity   string    `json:"severity"`
	ReportedAt time.Time `json:"reported_at"`
}

func (IncidentReported) EventKind() Kind { return KindIncidentReported }

// ClaimCreated announces a claim entering the Pending state with escrow
// frozen.
type ClaimCreated struct {
	ClaimID     string `json:"claim_id"`
	PolicyID    string `json:"policy_id"`
	IncidentID  string `json:"incident_id"`
	AmountCents int64  `json:"amount_cents"`
}

func (ClaimCreated) EventKind() Kind { return KindClaimCreated }

// ClaimDecided announces a claim reaching a terminal state.
type ClaimDecided struct {
	ClaimID      string `json:"claim_id"`
	PolicyID     string `json:"policy_id"`
	Status       string `json:"status"`
	EscrowFrozen bool   `json:"escrow_frozen"`
}

func (ClaimDecided) EventKind() Kind { return KindClaimDecided }
