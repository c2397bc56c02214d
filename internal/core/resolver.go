package core

import (
	"fmt"
	"strings"
)

// CheckDependencies evaluates whether every dependency of the module named by
// key is currently Enabled. An unknown key yields an unsatisfied result with
// an empty missing list rather than an error. The check always reflects the
// lookup's current state; nothing is cached between calls.
func CheckDependencies(modules Lookup, key string) DependencyCheck {
	module, ok := modules.Module(key)
	if !ok {
		return DependencyCheck{Satisfied: false, Missing: []string{}}
	}

	missing := make([]string, 0, len(module.DependsOn))
	for _, dep := range module.DependsOn {
		depModule, ok := modules.Module(dep)
		if !ok || depModule.Status != StatusEnabled {
			missing = append(missing, dep)
		}
	}

	return DependencyCheck{Satisfied: len(missing) == 0, Missing: missing}
}

// EnabledDependents returns, in declaration order, the keys of every Enabled
// module that declares key as a dependency. Disabling a module is only safe
// when this list is empty.
func EnabledDependents(modules []Module, key string) []string {
	dependents := make([]string, 0)
	for _, module := range modules {
		if module.Status != StatusEnabled {
			continue
		}
		for _, dep := range module.DependsOn {
			if dep == key {
				dependents = append(dependents, module.Key)
				break
			}
		}
	}
	return dependents
}

// CycleError reports a dependency cycle found during catalog validation.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// ValidateCatalog checks a module catalog for duplicate keys, references to
// unknown modules, and dependency cycles. It returns the first problem found;
// cycle detection uses a DFS with in-progress marking so the reported path is
// the actual cycle.
func ValidateCatalog(modules []Module) error {
	byKey := make(map[string]Module, len(modules))
	for _, module := range modules {
		if module.Key == "" {
			return fmt.Errorf("module with empty key")
		}
		if _, exists := byKey[module.Key]; exists {
			return fmt.Errorf("duplicate module key %q", module.Key)
		}
		byKey[module.Key] = module
	}

	for _, module := range modules {
		for _, dep := range module.DependsOn {
			if _, ok := byKey[dep]; !ok {
				return fmt.Errorf("module %q depends on unknown module %q", module.Key, dep)
			}
		}
	}

	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int, len(modules))

	var visit func(key string, path []string) error
	visit = func(key string, path []string) error {
		switch state[key] {
		case done:
			return nil
		case inProgress:
			return &CycleError{Path: append(path, key)}
		}

		state[key] = inProgress
		path = append(path, key)
		for _, dep := range byKey[key].DependsOn {
			if err := visit(dep, path); err != nil {
				return err
			}
		}
		state[key] = done
		return nil
	}

	for _, module := range modules {
		if err := visit(module.Key, nil); err != nil {
			return err
		}
	}

	return nil
}
