package core

// Status is the activation state of a platform module.
type Status string

const (
	StatusEnabled    Status = "enabled"
	StatusAvailable  Status = "available"
	StatusDisabled   Status = "disabled"
	StatusComingSoon Status = "coming_soon"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusEnabled, StatusAvailable, StatusDisabled, StatusComingSoon:
		return true
	default:
		return false
	}
}

// Module is a toggleable unit of platform functionality. Key, DependsOn and
// Impacts are fixed at catalog declaration time; Status and Settings are the
// only fields mutated at runtime.
type Module struct {
	Key       string         `json:"key"`
	Name      string         `json:"name"`
	Category  string         `json:"category"`
	Status    Status         `json:"status"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Impacts   []string       `json:"impacts,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
}

// Clone returns a copy of m whose slices and settings map do not alias m's.
func (m Module) Clone() Module {
	out := m
	out.DependsOn = append([]string(nil), m.DependsOn...)
	out.Impacts = append([]string(nil), m.Impacts...)
	out.Settings = cloneSettings(m.Settings)
	return out
}

// DependencyCheck is the result of evaluating a module's prerequisites.
// Missing preserves the order the dependencies were declared in, because
// callers display the list verbatim.
type DependencyCheck struct {
	Satisfied bool     `json:"satisfied"`
	Missing   []string `json:"missing"`
}

// Stats aggregates module counts by status.
type Stats struct {
	Enabled    int `json:"enabled"`
	Available  int `json:"available"`
	ComingSoon int `json:"coming_soon"`
}

// Lookup provides read access to the current module set.
type Lookup interface {
	Module(key string) (Module, bool)
}

// MergeSettings shallow-merges patch into base and returns a new map. Keys
// absent from patch are preserved; neither input is mutated.
func MergeSettings(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

func cloneSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		out[k] = v
	}
	return out
}
