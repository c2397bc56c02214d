package registry

import "github.com/sitepay/core/internal/core"

// Catalog returns the built-in module catalog for the construction-payments
// platform. Each entry declares its hard dependencies and the downstream
// domains it impacts; impacts are informational only and never enforced.
func Catalog() []core.Module {
	return []core.Module{
		{
			Key:      "smart_escrow",
			Name:     "Smart Escrow",
			Category: "payments",
			Status:   core.StatusEnabled,
			Impacts:  []string{"payments", "disputes"},
			Settings: map[string]any{
				"auto_release":       true,
				"release_delay_days": 3,
			},
		},
		{
			Key:      "oracles",
			Name:     "Site Data Oracles",
			Category: "data",
			Status:   core.StatusAvailable,
			Impacts:  []string{"insurance", "lending"},
			Settings: map[string]any{
				"poll_interval_hours": 6,
			},
		},
		{
			Key:       "insurance_bonding",
			Name:      "Insurance & Bonding",
			Category:  "risk",
			Status:    core.StatusAvailable,
			DependsOn: []string{"smart_escrow", "oracles"},
			Impacts:   []string{"payments", "claims"},
			Settings: map[string]any{
				"default_delay_threshold_days": 14,
			},
		},
		{
			Key:       "lending_pool",
			Name:      "Progress Lending",
			Category:  "finance",
			Status:    core.StatusAvailable,
			DependsOn: []string{"smart_escrow"},
			Impacts:   []string{"payments"},
			Settings: map[string]any{
				"max_advance_pct": 40,
			},
		},
		{
			Key:       "dispute_resolution",
			Name:      "Dispute Resolution",
			Category:  "risk",
			Status:    core.StatusAvailable,
			DependsOn: []string{"smart_escrow"},
			Impacts:   []string{"payments", "claims"},
			Settings:  map[string]any{},
		},
		{
			Key:      "analytics",
			Name:     "Project Analytics",
			Category: "insights",
			Status:   core.StatusEnabled,
			Impacts:  []string{"reporting"},
			Settings: map[string]any{
				"retention_days": 90,
			},
		},
		{
			Key:       "compliance_reports",
			Name:      "Compliance Reports",
			Category:  "insights",
			Status:    core.StatusAvailable,
			DependsOn: []string{"analytics"},
			Impacts:   []string{"reporting"},
			Settings:  map[string]any{},
		},
		{
			Key:       "ai_automation",
			Name:      "Workflow Automation",
			Category:  "automation",
			Status:    core.StatusComingSoon,
			DependsOn: []string{"oracles", "analytics"},
			Impacts:   []string{"payments", "insurance", "lending"},
			Settings:  map[string]any{},
		},
	}
}
