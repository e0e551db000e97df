package manifest

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"emperror.dev/errors"
	"github.com/apex/log"
)

// Catalog is the set of published module manifests. It is read-mostly: reads
// take a shared lock and return copies.
type Catalog struct {
	mu        sync.RWMutex
	manifests map[string]*Manifest
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{manifests: make(map[string]*Manifest)}
}

// Publish validates and stores a manifest. A manifest for an existing module
// replaces it only if its version is strictly greater, and no manifest may
// introduce a dependency cycle.
func (c *Catalog) Publish(m *Manifest) error {
	m = m.Clone()
	if err := m.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.manifests[m.ModuleID]; ok {
		if !m.SemVer().GreaterThan(existing.SemVer()) {
			return errors.WithMessagef(ErrVersionNotIncreasing, "%s: %s <= %s", m.ModuleID, m.Version, existing.Version)
		}
	}
	if path := c.findCycle(m); path != nil {
		return &CycleError{Path: path}
	}

	c.manifests[m.ModuleID] = m
	log.WithFields(log.Fields{"module_id": m.ModuleID, "version": m.Version}).Debug("published module manifest")
	return nil
}

// findCycle walks the dependency graph as it would look with m published and
// returns the first cycle through m, if any.
func (c *Catalog) findCycle(m *Manifest) []string {
	deps := func(id string) []string {
		if id == m.ModuleID {
			return m.Dependencies
		}
		if other, ok := c.manifests[id]; ok {
			return other.Dependencies
		}
		return nil
	}

	visited := make(map[string]bool)
	var walk func(id string, path []string) []string
	walk = func(id string, path []string) []string {
		for _, d := range deps(id) {
			if d == m.ModuleID {
				return append(append([]string(nil), path...), d)
			}
			if visited[d] {
				continue
			}
			visited[d] = true
			if p := walk(d, append(path, d)); p != nil {
				return p
			}
		}
		return nil
	}
	return walk(m.ModuleID, []string{m.ModuleID})
}

// Get returns a copy of the manifest for the module.
func (c *Catalog) Get(id string) (*Manifest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.manifests[NormalizeID(id)]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// List returns copies of every manifest, sorted by module id.
func (c *Catalog) List() []*Manifest {
	c.mu.RLock()
	out := make([]*Manifest, 0, len(c.manifests))
	for _, m := range c.manifests {
		out = append(out, m.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ModuleID < out[j].ModuleID
	})
	return out
}

// Graph returns the dependency lists of every published module keyed by
// module id.
func (c *Catalog) Graph() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]string, len(c.manifests))
	for id, m := range c.manifests {
		out[id] = append([]string(nil), m.Dependencies...)
	}
	return out
}

// LoadDirectory publishes every *.json manifest found in dir. Files are
// processed in name order; the first failure aborts the load.
func (c *Catalog) LoadDirectory(dir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, errors.Wrap(err, "manifest: failed to list directory")
	}
	sort.Strings(files)

	parsed := make([]*Manifest, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return 0, errors.Wrapf(err, "manifest: failed to read %s", f)
		}
		m, err := Parse(b)
		if err != nil {
			return 0, errors.WithMessage(err, filepath.Base(f))
		}
		parsed = append(parsed, m)
	}

	// Dependencies first so cycle detection sees the complete graph no
	// matter which file a cycle is closed by.
	for _, m := range orderByDependencies(parsed) {
		if err := c.Publish(m); err != nil {
			return 0, err
		}
	}
	log.WithFields(log.Fields{"directory": dir, "count": len(parsed)}).Info("loaded module manifests")
	return len(parsed), nil
}

func orderByDependencies(in []*Manifest) []*Manifest {
	byID := make(map[string]*Manifest, len(in))
	for _, m := range in {
		byID[m.ModuleID] = m
	}
	out := make([]*Manifest, 0, len(in))
	done := make(map[string]bool, len(in))
	var visit func(m *Manifest)
	visit = func(m *Manifest) {
		if done[m.ModuleID] {
			return
		}
		done[m.ModuleID] = true
		for _, d := range m.Dependencies {
			if dm, ok := byID[d]; ok {
				visit(dm)
			}
		}
		out = append(out, m)
	}
	for _, m := range in {
		visit(m)
	}
	return out
}

// ValidateDirectory parses every manifest in dir into a fresh catalog and
// returns the problems found, one per file.
func ValidateDirectory(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, errors.Wrap(err, "manifest: failed to list directory")
	}
	sort.Strings(files)

	var problems []string
	var parsed []*Manifest
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			problems = append(problems, filepath.Base(f)+": "+err.Error())
			continue
		}
		m, err := Parse(b)
		if err != nil {
			problems = append(problems, filepath.Base(f)+": "+err.Error())
			continue
		}
		parsed = append(parsed, m)
	}

	c := NewCatalog()
	for _, m := range orderByDependencies(parsed) {
		if err := c.Publish(m); err != nil {
			problems = append(problems, m.ModuleID+": "+err.Error())
		}
	}
	for _, m := range c.List() {
		for _, d := range m.Dependencies {
			if _, ok := c.Get(d); !ok {
				problems = append(problems, m.ModuleID+": unknown dependency "+d)
			}
		}
	}
	return problems, nil
}
