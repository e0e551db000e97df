package integration

import (
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/asaskevich/govalidator"
	"github.com/goccy/go-json"
)

// Payload is the typed form of an event's data.
type Payload interface {
	// Check runs validation that struct tags cannot express.
	Check() error
}

// AttendanceRecorded is emitted by the attendance module on every punch.
type AttendanceRecorded struct {
	EmployeeID int64      `json:"employee_id" valid:"required"`
	WorkHours  float64    `json:"work_hours"`
	ClockIn    *time.Time `json:"clock_in,omitempty" valid:"-"`
	ClockOut   *time.Time `json:"clock_out,omitempty" valid:"-"`
}

func (p *AttendanceRecorded) Check() error {
	if p.WorkHours < 0 || p.WorkHours > 24 {
		return errors.Errorf("work_hours must be between 0 and 24, got %v", p.WorkHours)
	}
	if p.ClockIn != nil && p.ClockOut != nil && p.ClockOut.Before(*p.ClockIn) {
		return errors.New("clock_out is before clock_in")
	}
	return nil
}

// SaleRecorded is emitted by the sales module for every completed sale.
type SaleRecorded struct {
	SaleID    string  `json:"sale_id" valid:"required"`
	Amount    float64 `json:"amount"`
	Items     int     `json:"items"`
	ProductID string  `json:"product_id,omitempty"`
	Quantity  float64 `json:"quantity,omitempty"`
}

func (p *SaleRecorded) Check() error {
	if p.Amount < 0 {
		return errors.Errorf("amount must not be negative, got %v", p.Amount)
	}
	if p.Items < 0 || p.Quantity < 0 {
		return errors.New("items and quantity must not be negative")
	}
	return nil
}

// PayrollCalculated is emitted by the payroll module for each employee and
// pay period.
type PayrollCalculated struct {
	EmployeeID int64   `json:"employee_id" valid:"required"`
	Period     string  `json:"period" valid:"required"`
	WorkHours  float64 `json:"work_hours"`
	GrossPay   float64 `json:"gross_pay"`
}

func (p *PayrollCalculated) Check() error {
	if p.GrossPay < 0 || p.WorkHours < 0 {
		return errors.New("gross_pay and work_hours must not be negative")
	}
	return nil
}

// InventoryAdjusted is emitted by the inventory module when stock changes.
type InventoryAdjusted struct {
	ProductID string  `json:"product_id" valid:"required"`
	Delta     float64 `json:"delta"`
	Quantity  float64 `json:"quantity"`
	Reason    string  `json:"reason,omitempty"`
}

func (p *InventoryAdjusted) Check() error {
	if p.Quantity < 0 {
		return errors.Errorf("quantity must not be negative, got %v", p.Quantity)
	}
	return nil
}

// ModuleChanged is the payload of every module.* lifecycle event.
type ModuleChanged struct {
	ModuleID       string `json:"module_id" valid:"required"`
	ScopeType      string `json:"scope_type" valid:"required"`
	ScopeID        string `json:"scope_id" valid:"required"`
	Status         string `json:"status" valid:"required"`
	PreviousStatus string `json:"previous_status,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Version        string `json:"version,omitempty"`
}

func (p *ModuleChanged) Check() error { return nil }

// Alert is the payload of every alert.* event raised by the realtime loop.
type Alert struct {
	Name      string  `json:"check" valid:"required"`
	State     string  `json:"state" valid:"in(exceeded|recovered),required"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message,omitempty"`
}

func (p *Alert) Check() error { return nil }

// BatchCompleted is emitted after a batch rule delivered its aggregates.
type BatchCompleted struct {
	RuleID       string    `json:"rule_id" valid:"required"`
	SourceModule string    `json:"source_module" valid:"required"`
	TargetModule string    `json:"target_module" valid:"required"`
	Records      int       `json:"records"`
	Deliveries   int       `json:"deliveries"`
	WindowStart  time.Time `json:"window_start" valid:"-"`
	WindowEnd    time.Time `json:"window_end" valid:"-"`
}

func (p *BatchCompleted) Check() error {
	if p.WindowEnd.Before(p.WindowStart) {
		return errors.New("window_end is before window_start")
	}
	return nil
}

var (
	payloadsMu sync.RWMutex
	payloads   = map[string]func() Payload{
		"attendance.recorded": func() Payload { return &AttendanceRecorded{} },
		"sale.recorded":       func() Payload { return &SaleRecorded{} },
		"payroll.calculated":  func() Payload { return &PayrollCalculated{} },
		"inventory.adjusted":  func() Payload { return &InventoryAdjusted{} },
		"module.*":            func() Payload { return &ModuleChanged{} },
		"alert.*":             func() Payload { return &Alert{} },
		EventBatchCompleted:   func() Payload { return &BatchCompleted{} },
	}
)

// RegisterPayload associates an event type with a payload schema. A type
// ending in ".*" matches every event in that namespace.
func RegisterPayload(eventType string, factory func() Payload) {
	payloadsMu.Lock()
	defer payloadsMu.Unlock()
	payloads[eventType] = factory
}

func payloadFactory(eventType string) (func() Payload, bool) {
	payloadsMu.RLock()
	defer payloadsMu.RUnlock()
	if f, ok := payloads[eventType]; ok {
		return f, true
	}
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		if f, ok := payloads[eventType[:i]+".*"]; ok {
			return f, true
		}
	}
	return nil, false
}

// decodePayload converts the event data into its registered payload and
// validates it. Events without a schema return a nil payload unless strict
// is set.
func decodePayload(ev Event, strict bool) (Payload, error) {
	factory, ok := payloadFactory(ev.Type)
	if !ok {
		if strict {
			return nil, errors.WithMessagef(ErrMalformedPayload, "no payload schema for %s", ev.Type)
		}
		return nil, nil
	}

	b, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, errors.WithMessagef(ErrMalformedPayload, "%s: %s", ev.Type, err.Error())
	}
	p := factory()
	if err := json.Unmarshal(b, p); err != nil {
		return nil, errors.WithMessagef(ErrMalformedPayload, "%s: %s", ev.Type, err.Error())
	}
	if _, err := govalidator.ValidateStruct(p); err != nil {
		return nil, errors.WithMessagef(ErrMalformedPayload, "%s: %s", ev.Type, err.Error())
	}
	if err := p.Check(); err != nil {
		return nil, errors.WithMessagef(ErrMalformedPayload, "%s: %s", ev.Type, err.Error())
	}
	return p, nil
}
