package modules

import (
	"sort"

	"github.com/priyxstudio/franchise/manifest"
)

// Snapshot is the status of every installed module in a single scope.
type Snapshot map[string]Status

// UnsatisfiedDependencies returns the dependencies of m that are not
// activated in the snapshot, sorted.
func UnsatisfiedDependencies(m *manifest.Manifest, snap Snapshot) []string {
	var missing []string
	for _, d := range m.Dependencies {
		if snap[d] != StatusActivated {
			missing = append(missing, d)
		}
	}
	sort.Strings(missing)
	return missing
}

// Dependents returns the modules other than moduleID that are activated in
// the snapshot and list moduleID as a dependency, sorted. graph maps a module
// id to its manifest dependencies.
func Dependents(moduleID string, snap Snapshot, graph map[string][]string) []string {
	var out []string
	for id, status := range snap {
		if id == moduleID || status != StatusActivated {
			continue
		}
		for _, d := range graph[id] {
			if d == moduleID {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
