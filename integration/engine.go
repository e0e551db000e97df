package integration

import (
	"context"
	"sort"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/priyxstudio/franchise/cache"
	"github.com/priyxstudio/franchise/internal/metrics"
	"github.com/priyxstudio/franchise/manifest"
	"github.com/priyxstudio/franchise/modules"
)

// Delivery is the unit of work handed to a handler: one rule's mapped payload
// for one scope.
type Delivery struct {
	Rule    Rule
	Scope   modules.Scope
	Payload map[string]interface{}

	// Event is the triggering event for realtime and event rules. Batch
	// deliveries carry a synthetic integration.batch event.
	Event Event

	// Records is the number of central store records aggregated into a batch
	// delivery. It is zero for event driven deliveries.
	Records int
}

// Handler receives deliveries for a target module.
type Handler func(ctx context.Context, d Delivery) error

// Listener receives raw events.
type Listener func(ctx context.Context, ev Event) error

// ActivationChecker reports whether a module is activated in a scope.
type ActivationChecker interface {
	IsActivated(ctx context.Context, moduleID string, scope modules.Scope) (bool, error)
}

// AllModules registers a handler for every target module, or a listener for
// every event type.
const AllModules = "*"

type namedHandler struct {
	name string
	fn   Handler
}

type namedListener struct {
	name string
	fn   Listener
}

// Engine matches events against integration rules and hands the resulting
// deliveries to the dispatcher.
type Engine struct {
	mu        sync.RWMutex
	rules     map[string]*Rule
	handlers  map[string][]namedHandler
	listeners map[string][]namedListener

	activation ActivationChecker
	dispatcher *Dispatcher
	cache      cache.Cache
	strict     bool

	clock   func() time.Time
	metrics *metrics.Collector
	logger  *log.Entry
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCache stores every matched payload in c.
func WithCache(c cache.Cache) EngineOption {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithStrictPayloads rejects events whose type has no payload schema.
func WithStrictPayloads(strict bool) EngineOption {
	return func(e *Engine) {
		e.strict = strict
	}
}

// WithEngineClock overrides the time source used to stamp events.
func WithEngineClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		e.clock = fn
	}
}

// WithEngineMetrics records emitted events on the collector.
func WithEngineMetrics(c *metrics.Collector) EngineOption {
	return func(e *Engine) {
		e.metrics = c
	}
}

// NewEngine returns an engine with no rules.
func NewEngine(activation ActivationChecker, dispatcher *Dispatcher, opts ...EngineOption) *Engine {
	e := &Engine{
		rules:      make(map[string]*Rule),
		handlers:   make(map[string][]namedHandler),
		listeners:  make(map[string][]namedListener),
		activation: activation,
		dispatcher: dispatcher,
		clock:      time.Now,
		logger:     log.WithField("component", "integration"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterRule validates and stores the rule, replacing any rule with the same
// id.
func (e *Engine) RegisterRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	e.rules[r.ID] = &r
	n := len(e.rules)
	e.mu.Unlock()

	e.metrics.RecordRuleCount(n)
	e.logger.WithFields(log.Fields{
		"rule_id": r.ID,
		"source":  r.SourceModule,
		"target":  r.TargetModule,
		"type":    string(r.IntegrationType),
		"enabled": r.Enabled,
	}).Debug("registered integration rule")
	return nil
}

// EnableRule enables a registered rule. Enabling an enabled rule is a no-op.
func (e *Engine) EnableRule(id string) error {
	return e.setEnabled(id, true)
}

// DisableRule disables a registered rule. Disabling a disabled rule is a
// no-op.
func (e *Engine) DisableRule(id string) error {
	return e.setEnabled(id, false)
}

func (e *Engine) setEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return errors.WithMessagef(ErrUnknownRule, "%s", id)
	}
	// Rules are replaced rather than mutated so snapshots held by running
	// deliveries stay consistent.
	c := *r
	c.Enabled = enabled
	e.rules[id] = &c
	return nil
}

// Rule returns a copy of the registered rule.
func (e *Engine) Rule(id string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// Rules returns copies of every registered rule sorted by id.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// BatchRules returns the enabled batch rules sorted by id.
func (e *Engine) BatchRules() []Rule {
	var out []Rule
	for _, r := range e.Rules() {
		if r.Enabled && r.IntegrationType == Batch {
			out = append(out, r)
		}
	}
	return out
}

// Handle registers a handler receiving the deliveries of every rule that
// targets module. AllModules registers it for every target.
func (e *Engine) Handle(module, name string, h Handler) {
	if module != AllModules {
		module = manifest.NormalizeID(module)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[module] = append(e.handlers[module], namedHandler{name: name, fn: h})
}

// On subscribes a listener to raw events of eventType. AllModules subscribes
// it to every event.
func (e *Engine) On(eventType, name string, l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[eventType] = append(e.listeners[eventType], namedListener{name: name, fn: l})
}

// Attached reports whether both the source and the target module of r are
// activated in scope.
func Attached(ctx context.Context, activation ActivationChecker, r Rule, scope modules.Scope) (bool, error) {
	for _, id := range []string{r.SourceModule, r.TargetModule} {
		ok, err := activation.IsActivated(ctx, id, scope)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Emit validates the event, matches it against the enabled realtime and event
// rules of its module and queues one job per matching rule and handler, plus
// one per subscribed listener. It does not wait for any job to run. Only a
// malformed event is reported as an error; rules whose conditions do not hold
// or whose source or target is not activated in the event scope are skipped.
func (e *Engine) Emit(ctx context.Context, ev Event) (err error) {
	defer func() {
		e.metrics.RecordEmit(ev.Type, err)
	}()

	if ev.Type == "" || ev.ModuleID == "" {
		return errors.WithMessage(ErrMalformedPayload, "event_type and module_id are required")
	}
	ev.ModuleID = manifest.NormalizeID(ev.ModuleID)
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock()
	}
	if ev.Data == nil {
		ev.Data = map[string]interface{}{}
	}
	scope := ev.Scope()
	if err := scope.Validate(); err != nil {
		return errors.WithMessage(ErrMalformedPayload, err.Error())
	}
	ev.ScopeType, ev.ScopeID = string(scope.Type), scope.ID

	payload, err := decodePayload(ev, e.strict)
	if err != nil {
		return err
	}
	ev.Payload = payload

	source, err := json.Marshal(ev.Data)
	if err != nil {
		return errors.WithMessage(ErrMalformedPayload, err.Error())
	}

	e.mu.RLock()
	var matched []*Rule
	for _, r := range e.rules {
		if r.Triggered(ev) {
			matched = append(matched, r)
		}
	}
	listeners := append(append([]namedListener(nil), e.listeners[ev.Type]...), e.listeners[AllModules]...)
	e.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ID < matched[j].ID
	})

	logger := e.logger.WithFields(log.Fields{"event_id": ev.ID, "event_type": ev.Type, "module_id": ev.ModuleID, "scope": scope.String()})
	for _, r := range matched {
		mapped, ok, err := r.apply(source)
		if err != nil {
			logger.WithError(err).WithField("rule_id", r.ID).Warn("failed to map event for rule")
			continue
		}
		if !ok {
			logger.WithField("rule_id", r.ID).Debug("rule conditions not met")
			continue
		}
		active, err := Attached(ctx, e.activation, *r, scope)
		if err != nil {
			logger.WithError(err).WithField("rule_id", r.ID).Warn("failed to check module activation")
			continue
		}
		if !active {
			logger.WithFields(log.Fields{"rule_id": r.ID, "source": r.SourceModule, "target": r.TargetModule}).Debug("rule modules not both activated in scope")
			continue
		}

		e.store(ctx, *r, mapped, ev.Timestamp)
		e.deliver(ctx, Delivery{Rule: *r, Scope: scope, Payload: mapped, Event: ev})
	}

	for _, l := range listeners {
		l := l
		e.dispatcher.Submit(ctx, "", l.name, func(ctx context.Context) error {
			return l.fn(ctx, ev)
		})
	}
	return nil
}

// Deliver hands a delivery to every handler of the rule's target module and
// returns the number of jobs queued. The batch loop uses it for aggregates.
func (e *Engine) Deliver(ctx context.Context, d Delivery) int {
	e.store(ctx, d.Rule, d.Payload, d.Event.Timestamp)
	return e.deliver(ctx, d)
}

func (e *Engine) deliver(ctx context.Context, d Delivery) int {
	e.mu.RLock()
	handlers := append(append([]namedHandler(nil), e.handlers[d.Rule.TargetModule]...), e.handlers[AllModules]...)
	e.mu.RUnlock()

	if len(handlers) == 0 {
		e.logger.WithFields(log.Fields{"rule_id": d.Rule.ID, "target": d.Rule.TargetModule}).Debug("no handlers registered for target module")
		return 0
	}
	n := 0
	for _, h := range handlers {
		h := h
		payload := clonePayload(d.Payload)
		job := d
		job.Payload = payload
		if e.dispatcher.Submit(ctx, d.Rule.ID, h.name, func(ctx context.Context) error {
			return h.fn(ctx, job)
		}) {
			n++
		}
	}
	return n
}

func (e *Engine) store(ctx context.Context, r Rule, payload map[string]interface{}, ts time.Time) {
	if e.cache == nil {
		return
	}
	entry := cache.Entry{
		Source:    r.SourceModule,
		Target:    r.TargetModule,
		RuleID:    r.ID,
		Data:      clonePayload(payload),
		Timestamp: ts,
	}
	if err := e.cache.Put(ctx, entry); err != nil {
		e.logger.WithError(err).WithField("rule_id", r.ID).Warn("failed to cache integration result")
	}
}

// OnLifecycle turns committed module transitions into module.* events so
// listeners and rules that opt in can react to them.
func (e *Engine) OnLifecycle(ctx context.Context, lev modules.LifecycleEvent) {
	if lev.Type == modules.EventActivated || lev.Type == modules.EventRestored {
		var attached []string
		for _, r := range e.Rules() {
			if r.Enabled && (r.SourceModule == lev.ModuleID || r.TargetModule == lev.ModuleID) {
				attached = append(attached, r.ID)
			}
		}
		e.logger.WithFields(log.Fields{"module_id": lev.ModuleID, "scope": lev.Scope.String(), "rules": attached}).Info("integration rules attached for module")
	}

	data := map[string]interface{}{
		"module_id":  lev.ModuleID,
		"scope_type": string(lev.Scope.Type),
		"scope_id":   lev.Scope.ID,
	}
	if inst := lev.Installation; inst != nil {
		data["status"] = string(inst.Status)
		data["previous_status"] = string(inst.PreviousStatus)
		data["version"] = inst.Version
		if inst.StatusReason != "" {
			data["reason"] = inst.StatusReason
		}
	}
	err := e.Emit(ctx, Event{
		Type:      lev.Type,
		ModuleID:  lev.ModuleID,
		Data:      data,
		Timestamp: lev.Timestamp,
		UserID:    lev.Actor,
		ScopeType: string(lev.Scope.Type),
		ScopeID:   lev.Scope.ID,
	})
	if err != nil {
		e.logger.WithError(err).WithField("module_id", lev.ModuleID).Warn("failed to emit lifecycle event")
	}
}

// Dispatcher returns the dispatcher jobs are queued on.
func (e *Engine) Dispatcher() *Dispatcher {
	return e.dispatcher
}

func clonePayload(in map[string]interface{}) map[string]interface{} {
	b, err := json.Marshal(in)
	if err != nil {
		return in
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return in
	}
	return out
}

var _ modules.Observer = (*Engine)(nil)
