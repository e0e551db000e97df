package manifest

import (
	"regexp"
	"sort"

	"emperror.dev/errors"
	"github.com/Masterminds/semver/v3"
	"github.com/asaskevich/govalidator"
	"github.com/goccy/go-json"
	"github.com/iancoleman/strcase"
)

// Manifest describes an installable module. Once published to a Catalog it
// is never modified; callers always receive copies.
type Manifest struct {
	ModuleID         string                 `json:"module_id" valid:"required,matches(^[a-z][a-z0-9_]*$)"`
	Name             string                 `json:"name" valid:"required"`
	Description      string                 `json:"description,omitempty"`
	Version          string                 `json:"version" valid:"required"`
	Dependencies     []string               `json:"dependencies" valid:"-"`
	DefaultSettings  map[string]interface{} `json:"default_settings" valid:"-"`
	PermissionLevels map[string][]string    `json:"permission_levels" valid:"-"`

	version *semver.Version
}

// Parse decodes a JSON manifest and validates it.
func Parse(b []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.WithMessage(ErrInvalidManifest, err.Error())
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidID reports whether id is a canonical module identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NormalizeID converts a module identifier into its canonical snake_case
// form. Identifiers that are already canonical are returned unchanged.
func NormalizeID(id string) string {
	if ValidID(id) {
		return id
	}
	return strcase.ToSnake(id)
}

// Validate normalizes the identifiers in the manifest and checks that all of
// the required fields are present and the version is a semantic version.
func (m *Manifest) Validate() error {
	m.ModuleID = NormalizeID(m.ModuleID)
	if _, err := govalidator.ValidateStruct(m); err != nil {
		return errors.WithMessagef(ErrInvalidManifest, "%s: %s", m.ModuleID, err.Error())
	}
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return errors.WithMessagef(ErrInvalidManifest, "%s: version %q: %s", m.ModuleID, m.Version, err.Error())
	}
	m.version = v

	seen := make(map[string]struct{}, len(m.Dependencies))
	deps := make([]string, 0, len(m.Dependencies))
	for _, d := range m.Dependencies {
		d = NormalizeID(d)
		if d == "" {
			return errors.WithMessagef(ErrInvalidManifest, "%s: empty dependency", m.ModuleID)
		}
		if !ValidID(d) {
			return errors.WithMessagef(ErrInvalidManifest, "%s: invalid dependency id %q", m.ModuleID, d)
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		deps = append(deps, d)
	}
	sort.Strings(deps)
	m.Dependencies = deps

	for role, perms := range m.PermissionLevels {
		if role == "" {
			return errors.WithMessagef(ErrInvalidManifest, "%s: empty role in permission levels", m.ModuleID)
		}
		for _, p := range perms {
			if p == "" {
				return errors.WithMessagef(ErrInvalidManifest, "%s: empty permission for role %s", m.ModuleID, role)
			}
		}
	}
	return nil
}

// SemVer returns the parsed version of the manifest. Validate must have been
// called first.
func (m *Manifest) SemVer() *semver.Version {
	if m.version == nil {
		m.version, _ = semver.NewVersion(m.Version)
	}
	return m.version
}

// DependsOn reports whether id is a direct dependency of the module.
func (m *Manifest) DependsOn(id string) bool {
	i := sort.SearchStrings(m.Dependencies, id)
	return i < len(m.Dependencies) && m.Dependencies[i] == id
}

// Defaults returns a deep copy of the default settings.
func (m *Manifest) Defaults() map[string]interface{} {
	out := make(map[string]interface{}, len(m.DefaultSettings))
	for k, v := range m.DefaultSettings {
		out[k] = cloneValue(v)
	}
	return out
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Dependencies = append([]string(nil), m.Dependencies...)
	c.DefaultSettings = m.Defaults()
	if m.PermissionLevels != nil {
		c.PermissionLevels = make(map[string][]string, len(m.PermissionLevels))
		for role, perms := range m.PermissionLevels {
			c.PermissionLevels[role] = append([]string(nil), perms...)
		}
	}
	return &c
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}
