package core

import (
	"fmt"
	"strings"
)

// MissingDependenciesError rejects a transition to Enabled while one or more
// prerequisites are not Enabled. Missing preserves declaration order.
type MissingDependenciesError struct {
	Key     string
	Missing []string
}

func (e *MissingDependenciesError) Error() string {
	return fmt.Sprintf("module %q has unmet dependencies: %s", e.Key, strings.Join(e.Missing, ", "))
}

// DependentsEnabledError rejects a transition out of Enabled while other
// Enabled modules still depend on the module.
type DependentsEnabledError struct {
	Key        string
	Dependents []string
}

func (e *DependentsEnabledError) Error() string {
	return fmt.Sprintf("module %q is required by enabled modules: %s", e.Key, strings.Join(e.Dependents, ", "))
}
