// Package repository provides PostgreSQL-backed persistence for module state
// overrides, insurance entities, and the append-only module event log. It
// also handles LISTEN/NOTIFY-based invalidation so replica processes can
// rehydrate their in-memory stores without polling the database into
// submission.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel  = "module_events"
	defaultEventBatchSize = 1000
)

// ModuleState is the persisted runtime state of one catalog module: only
// status and settings are stored, the rest of the module is code.
type ModuleState struct {
	Key       string          `json:"key"`
	Status    string          `json:"status"`
	Settings  json.RawMessage `json:"settings"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PolicyRecord is the repository-level representation of a policy row.
type PolicyRecord struct {
	ID                 string    `json:"id"`
	Project            string    `json:"project"`
	CoverageCents      int64     `json:"coverage_cents"`
	DeductibleCents    int64     `json:"deductible_cents"`
	DelayThresholdDays int       `json:"delay_threshold_days"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
}

// IncidentRecord is the repository-level representation of an incident row.
type IncidentRecord struct {
	ID         string    `json:"id"`
	Project    string    `json:"project"`
	DelayDays  int       `json:"delay_days"`
	Severity   string    `json:"severity"`
	Resolved   bool      `json:"resolved"`
	ReportedAt time.Time `json:"reported_at"`
}

// ClaimRecord is the repository-level representation of a claim row.
type ClaimRecord struct {
	ID           string     `json:"id"`
	PolicyID     string     `json:"policy_id"`
	IncidentID   string     `json:"incident_id"`
	AmountCents  int64      `json:"amount_cents"`
	Status       string     `json:"status"`
	EscrowFrozen bool       `json:"escrow_frozen"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}

// EventRecord is one entry in the append-only module_events table, used to
// drive SSE streaming and replica invalidation.
type EventRecord struct {
	EventID   int64           `json:"event_id"`
	Kind      string          `json:"kind"`
	EntityKey string          `json:"entity_key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Option configures a PostgresRepository.
type Option func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN/NOTIFY channel name.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

// WithEventBatchSize caps the number of events returned per ListEventsSince
// query.
func WithEventBatchSize(size int) Option {
	return func(r *PostgresRepository) {
		if size > 0 {
			r.eventBatchSize = size
		}
	}
}

// PostgresRepository implements persistence backed by a pgxpool connection
// pool.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// NewPostgresRepository creates a [PostgresRepository] with the default
// "module_events" notification channel and event batch size.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		notifyChannel:  defaultNotifyChannel,
		eventBatchSize: defaultEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UpsertModuleState writes the runtime state override for one module.
func (r *PostgresRepository) UpsertModuleState(ctx context.Context, state ModuleState) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO module_state (key, status, settings, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE
		SET status = EXCLUDED.status,
		    settings = EXCLUDED.settings,
		    updated_at = NOW()
	`, state.Key, state.Status, ensureJSON(state.Settings, "{}"))
	if err != nil {
		return fmt.Errorf("upsert module state: %w", err)
	}
	return nil
}

// ListModuleState returns all persisted module state rows ordered by key.
func (r *PostgresRepository) ListModuleState(ctx context.Context) ([]ModuleState, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT key, status, settings, updated_at
		FROM module_state
		ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list module state: %w", err)
	}
	defer rows.Close()

	states := make([]ModuleState, 0)
	for rows.Next() {
		var state ModuleState
		if err := rows.Scan(&state.Key, &state.Status, &state.Settings, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan module state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list module state rows: %w", err)
	}

	return states, nil
}

// SavePolicy upserts a policy row.
func (r *PostgresRepository) SavePolicy(ctx context.Context, policy PolicyRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO policies (id, project, coverage_cents, deductible_cents, delay_threshold_days, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET project = EXCLUDED.project,
		    coverage_cents = EXCLUDED.coverage_cents,
		    deductible_cents = EXCLUDED.deductible_cents,
		    delay_threshold_days = EXCLUDED.delay_threshold_days,
		    status = EXCLUDED.status
	`,
		policy.ID,
		policy.Project,
		policy.CoverageCents,
		policy.DeductibleCents,
		policy.DelayThresholdDays,
		policy.Status,
		policy.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	return nil
}

// ListPolicies returns all policy rows ordered by creation time.
func (r *PostgresRepository) ListPolicies(ctx context.Context) ([]PolicyRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project, coverage_cents, deductible_cents, delay_threshold_days, status, created_at
		FROM policies
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	policies := make([]PolicyRecord, 0)
	for rows.Next() {
		var policy PolicyRecord
		if err := rows.Scan(
			&policy.ID,
			&policy.Project,
			&policy.CoverageCents,
			&policy.DeductibleCents,
			&policy.DelayThresholdDays,
			&policy.Status,
			&policy.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		policies = append(policies, policy)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list policies rows: %w", err)
	}

	return policies, nil
}

// SaveIncident upserts an incident row. Incidents are immutable after
// creation apart from the resolved flag.
func (r *PostgresRepository) SaveIncident(ctx context.Context, incident IncidentRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO incidents (id, project, delay_days, severity, resolved, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET resolved = EXCLUDED.resolved
	`,
		incident.ID,
		incident.Project,
		incident.DelayDays,
		incident.Severity,
		incident.Resolved,
		incident.ReportedAt,
	)
	if err != nil {
		return fmt.Errorf("save incident: %w", err)
	}
	return nil
}

// ListIncidents returns all incident rows ordered by report time.
func (r *PostgresRepository) ListIncidents(ctx context.Context) ([]IncidentRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project, delay_days, severity, resolved, reported_at
		FROM incidents
		ORDER BY reported_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	incidents := make([]IncidentRecord, 0)
	for rows.Next() {
		var incident IncidentRecord
		if err := rows.Scan(
			&incident.ID,
			&incident.Project,
			&incident.DelayDays,
			&incident.Severity,
			&incident.Resolved,
			&incident.ReportedAt,
		); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		incidents = append(incidents, incident)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list incidents rows: %w", err)
	}

	return incidents, nil
}

// SaveClaim upserts a claim row. The unique index on incident_id backs the
// one-claim-per-incident invariant at the storage layer as well.
func (r *PostgresRepository) SaveClaim(ctx context.Context, claim ClaimRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO claims (id, policy_id, incident_id, amount_cents, status, escrow_frozen, created_at, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    escrow_frozen = EXCLUDED.escrow_frozen,
		    decided_at = EXCLUDED.decided_at
	`,
		claim.ID,
		claim.PolicyID,
		claim.IncidentID,
		claim.AmountCents,
		claim.Status,
		claim.EscrowFrozen,
		claim.CreatedAt,
		claim.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("save claim: %w", err)
	}
	return nil
}

// ListClaims returns all claim rows ordered by creation time.
func (r *PostgresRepository) ListClaims(ctx context.Context) ([]ClaimRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, policy_id, incident_id, amount_cents, status, escrow_frozen, created_at, decided_at
		FROM claims
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	claims := make([]ClaimRecord, 0)
	for rows.Next() {
		var claim ClaimRecord
		if err := rows.Scan(
			&claim.ID,
			&claim.PolicyID,
			&claim.IncidentID,
			&claim.AmountCents,
			&claim.Status,
			&claim.EscrowFrozen,
			&claim.CreatedAt,
			&claim.DecidedAt,
		); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, claim)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list claims rows: %w", err)
	}

	return claims, nil
}

// PublishEvent appends an event row and sends a PostgreSQL NOTIFY on the
// configured channel within a single transaction.
func (r *PostgresRepository) PublishEvent(ctx context.Context, event EventRecord) (EventRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return EventRecord{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created EventRecord
	if err := tx.QueryRow(ctx, `
		INSERT INTO module_events (kind, entity_key, payload)
		VALUES ($1, $2, $3)
		RETURNING event_id, kind, entity_key, payload, created_at
	`,
		event.Kind,
		event.EntityKey,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.Kind,
		&created.EntityKey,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return EventRecord{}, fmt.Errorf("insert module event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return EventRecord{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return EventRecord{}, fmt.Errorf("notify module event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return EventRecord{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// ListEventsSince returns up to the configured batch size of events with IDs
// greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]EventRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, kind, entity_key, payload, created_at
		FROM module_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]EventRecord, 0)
	for rows.Next() {
		var event EventRecord
		if err := rows.Scan(
			&event.EventID,
			&event.Kind,
			&event.EntityKey,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// SubscribeInvalidation returns a channel that receives a signal whenever an
// event notification arrives on the PostgreSQL LISTEN channel. The channel is
// closed if the underlying connection is lost.
func (r *PostgresRepository) SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func marshalNotifyPayload(event EventRecord) (string, error) {
	serialized, err := json.Marshal(struct {
		Kind      string `json:"kind"`
		EntityKey string `json:"entity_key"`
	}{
		Kind:      event.Kind,
		EntityKey: event.EntityKey,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
