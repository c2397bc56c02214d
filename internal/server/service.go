package server

import (
	"context"

	"github.com/sitepay/core/internal/core"
	"github.com/sitepay/core/internal/insurance"
	"github.com/sitepay/core/internal/repository"
	"github.com/sitepay/core/internal/service"
)

type Service interface {
	GetModule(ctx context.Context, key string) (core.Module, error)
	ListModules(ctx context.Context, category string) ([]core.Module, error)
	ModuleStats(ctx context.Context) (core.Stats, error)
	CheckDependencies(ctx context.Context, key string) (core.DependencyCheck, error)
	RequestTransition(ctx context.Context, key string, target core.Status) (core.Module, error)
	UpdateModuleSettings(ctx context.Context, key string, patch map[string]any) (core.Module, error)
	CreatePolicy(ctx context.Context, policy insurance.Policy) (insurance.Policy, error)
	GetPolicy(ctx context.Context, id string) (insurance.Policy, error)
	ListPolicies(ctx context.Context) ([]insurance.Policy, error)
	ReportIncident(ctx context.Context, incident insurance.Incident) (insurance.Incident, error)
	ListIncidents(ctx context.Context) ([]insurance.Incident, error)
	EvaluateIncident(ctx context.Context, incidentID string) (insurance.Claim, error)
	DecideClaim(ctx context.Context, claimID string, decision insurance.Decision) (insurance.Claim, error)
	GetClaim(ctx context.Context, id string) (insurance.Claim, error)
	ListClaims(ctx context.Context) ([]insurance.Claim, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.EventRecord, error)
}

var _ Service = (*service.Service)(nil)
