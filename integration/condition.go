package integration

import (
	"cmp"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"emperror.dev/errors"
	"github.com/tidwall/gjson"
)

// condition is one comparator predicate over a payload field.
type condition struct {
	Field string
	Op    string
	Value interface{}
}

var operatorPattern = regexp.MustCompile(`^\s*(<=|>=|==|!=|<|>)\s*(.*?)\s*$`)

var operators = map[string]struct{}{"<": {}, ">": {}, "<=": {}, ">=": {}, "==": {}, "!=": {}}

// parseConditions accepts, per field, an operator string ("> 0"), a map of
// operator to operand ({">": 0, "<=": 10}), an explicit {"op", "value"} map
// or a bare scalar meaning equality.
func parseConditions(in map[string]interface{}) ([]condition, error) {
	fields := make([]string, 0, len(in))
	for f := range in {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var out []condition
	for _, field := range fields {
		switch v := in[field].(type) {
		case string:
			if m := operatorPattern.FindStringSubmatch(v); m != nil {
				out = append(out, condition{Field: field, Op: m[1], Value: parseOperand(m[2])})
			} else {
				out = append(out, condition{Field: field, Op: "==", Value: v})
			}
		case map[string]interface{}:
			if op, ok := v["op"].(string); ok {
				if _, known := operators[op]; !known {
					return nil, errors.WithMessagef(ErrInvalidRule, "condition on %s: unknown operator %q", field, op)
				}
				out = append(out, condition{Field: field, Op: op, Value: normalizeOperand(v["value"])})
				continue
			}
			ops := make([]string, 0, len(v))
			for op := range v {
				ops = append(ops, op)
			}
			sort.Strings(ops)
			for _, op := range ops {
				if _, known := operators[op]; !known {
					return nil, errors.WithMessagef(ErrInvalidRule, "condition on %s: unknown operator %q", field, op)
				}
				out = append(out, condition{Field: field, Op: op, Value: normalizeOperand(v[op])})
			}
		case nil:
			return nil, errors.WithMessagef(ErrInvalidRule, "condition on %s has no value", field)
		default:
			out = append(out, condition{Field: field, Op: "==", Value: normalizeOperand(v)})
		}
	}
	return out, nil
}

func parseOperand(s string) interface{} {
	s = strings.Trim(s, `"'`)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func normalizeOperand(v interface{}) interface{} {
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}

// holds evaluates the condition against the mapped payload first and the
// source payload second. Missing fields and values that cannot be compared
// with the operand make the condition false.
func (c condition) holds(mapped, source []byte) bool {
	r := gjson.GetBytes(mapped, c.Field)
	if !r.Exists() {
		r = gjson.GetBytes(source, c.Field)
	}
	if !r.Exists() {
		return false
	}

	switch want := c.Value.(type) {
	case float64:
		var have float64
		switch r.Type {
		case gjson.Number:
			have = r.Num
		case gjson.String:
			f, err := strconv.ParseFloat(r.Str, 64)
			if err != nil {
				return false
			}
			have = f
		default:
			return false
		}
		return compare(have, want, c.Op)
	case string:
		if r.Type != gjson.String {
			return false
		}
		return compare(r.Str, want, c.Op)
	case bool:
		if r.Type != gjson.True && r.Type != gjson.False {
			return false
		}
		switch c.Op {
		case "==":
			return r.Bool() == want
		case "!=":
			return r.Bool() != want
		}
		return false
	default:
		return false
	}
}

func compare[T cmp.Ordered](a, b T, op string) bool {
	switch op {
	case "<":
		return a < b
	case ">":
		return a > b
	case "<=":
		return a <= b
	case ">=":
		return a >= b
	case "==":
		return a == b
	case "!=":
		return a != b
	}
	return false
}

func (c condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
}
