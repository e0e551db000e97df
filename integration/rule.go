package integration

import (
	"os"
	"time"

	"emperror.dev/errors"
	"github.com/goccy/go-json"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/priyxstudio/franchise/manifest"
)

// Type classifies how a rule is triggered.
type Type string

const (
	// Realtime rules fire for every matching event.
	Realtime Type = "realtime"
	// EventDriven rules fire for matching events like realtime rules. They
	// are kept apart so producers can tell derived effects from notifications.
	EventDriven Type = "event"
	// Batch rules are never triggered by events; the batch loop runs them on
	// their cron schedule over a window of central store records.
	Batch Type = "batch"
)

// DefaultWindow is how far back the first run of a batch rule looks.
const DefaultWindow = 24 * time.Hour

// Rule declares how data flows from one module to another.
type Rule struct {
	ID              string                 `json:"id" yaml:"id"`
	Description     string                 `json:"description,omitempty" yaml:"description"`
	SourceModule    string                 `json:"source_module" yaml:"source_module"`
	TargetModule    string                 `json:"target_module" yaml:"target_module"`
	IntegrationType Type                   `json:"integration_type" yaml:"integration_type"`
	EventTypes      []string               `json:"event_types,omitempty" yaml:"event_types"`
	DataMapping     map[string]string      `json:"data_mapping,omitempty" yaml:"data_mapping"`
	Conditions      map[string]interface{} `json:"conditions,omitempty" yaml:"conditions"`
	Schedule        string                 `json:"schedule,omitempty" yaml:"schedule"`
	Enabled         bool                   `json:"enabled" yaml:"-"`

	// Collection is the central store collection a batch rule reads. It
	// defaults to the source module id.
	Collection string `json:"collection,omitempty" yaml:"collection"`

	// Window bounds the first run of a batch rule, e.g. "24h".
	Window string `json:"window,omitempty" yaml:"window"`

	conditions []condition
	schedule   cron.Schedule
	window     time.Duration
}

// Validate normalizes the rule and compiles its conditions and schedule.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.WithMessage(ErrInvalidRule, "missing id")
	}
	r.SourceModule = manifest.NormalizeID(r.SourceModule)
	r.TargetModule = manifest.NormalizeID(r.TargetModule)
	if r.SourceModule == "" || r.TargetModule == "" {
		return errors.WithMessagef(ErrInvalidRule, "%s: source_module and target_module are required", r.ID)
	}
	if !manifest.ValidID(r.SourceModule) || !manifest.ValidID(r.TargetModule) {
		return errors.WithMessagef(ErrInvalidRule, "%s: invalid module id %q or %q", r.ID, r.SourceModule, r.TargetModule)
	}

	switch r.IntegrationType {
	case Realtime, EventDriven:
		if r.Schedule != "" {
			return errors.WithMessagef(ErrInvalidRule, "%s: only batch rules take a schedule", r.ID)
		}
	case Batch:
		if r.Schedule == "" {
			return errors.WithMessagef(ErrInvalidRule, "%s: batch rules require a schedule", r.ID)
		}
		s, err := cron.ParseStandard(r.Schedule)
		if err != nil {
			return errors.WithMessagef(ErrInvalidRule, "%s: schedule %q: %s", r.ID, r.Schedule, err.Error())
		}
		r.schedule = s
		if r.Collection == "" {
			r.Collection = r.SourceModule
		}
		r.window = DefaultWindow
		if r.Window != "" {
			w, err := time.ParseDuration(r.Window)
			if err != nil || w <= 0 {
				return errors.WithMessagef(ErrInvalidRule, "%s: invalid window %q", r.ID, r.Window)
			}
			r.window = w
		}
	default:
		return errors.WithMessagef(ErrInvalidRule, "%s: unknown integration type %q", r.ID, r.IntegrationType)
	}

	conds, err := parseConditions(r.Conditions)
	if err != nil {
		return errors.WithMessage(err, r.ID)
	}
	for i := range conds {
		conds[i].Field = fieldPath(conds[i].Field, r.SourceModule, r.TargetModule)
	}
	r.conditions = conds
	return nil
}

// Triggered reports whether an event fires the rule. Batch and disabled
// rules never fire. Engine events only fire rules that list them.
func (r *Rule) Triggered(ev Event) bool {
	if !r.Enabled || r.IntegrationType == Batch || r.SourceModule != ev.ModuleID {
		return false
	}
	if len(r.EventTypes) == 0 {
		return !IsEngineEvent(ev.Type)
	}
	for _, t := range r.EventTypes {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// Apply maps data and evaluates the conditions against the result. The
// second return value is false when a condition does not hold.
func (r *Rule) Apply(data map[string]interface{}) (map[string]interface{}, bool, error) {
	source, err := json.Marshal(data)
	if err != nil {
		return nil, false, errors.Wrap(err, "integration: failed to encode source payload")
	}
	return r.apply(source)
}

func (r *Rule) apply(source []byte) (map[string]interface{}, bool, error) {
	mapped, err := applyMapping(r.DataMapping, source, r.SourceModule, r.TargetModule)
	if err != nil {
		return nil, false, err
	}
	if len(r.conditions) == 0 {
		return mapped, true, nil
	}
	mb, err := json.Marshal(mapped)
	if err != nil {
		return nil, false, errors.Wrap(err, "integration: failed to encode mapped payload")
	}
	for _, c := range r.conditions {
		if !c.holds(mb, source) {
			return mapped, false, nil
		}
	}
	return mapped, true, nil
}

// Next returns the first scheduled run of a batch rule after t.
func (r *Rule) Next(t time.Time) time.Time {
	if r.schedule == nil {
		return time.Time{}
	}
	return r.schedule.Next(t)
}

// WindowDuration returns the look-back of the first batch run.
func (r *Rule) WindowDuration() time.Duration {
	if r.window == 0 {
		return DefaultWindow
	}
	return r.window
}

type rulesFile struct {
	Rules []struct {
		Rule    `yaml:",inline"`
		Enabled *bool `yaml:"enabled"`
	} `yaml:"rules"`
}

// LoadRules reads a YAML rules file. Rules are enabled unless the file sets
// enabled: false.
func LoadRules(path string) ([]Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "integration: failed to read rules file")
	}
	return ParseRules(b)
}

// ParseRules decodes and validates the rules in a YAML document.
func ParseRules(b []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "integration: failed to parse rules file")
	}

	seen := make(map[string]struct{}, len(f.Rules))
	out := make([]Rule, 0, len(f.Rules))
	for _, entry := range f.Rules {
		r := entry.Rule
		r.Enabled = entry.Enabled == nil || *entry.Enabled
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.ID]; dup {
			return nil, errors.WithMessagef(ErrInvalidRule, "%s: duplicate rule id", r.ID)
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}
