package services

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Condition is a single predicate over an event payload field.
type Condition struct {
	Field string      `json:"field"`
	Op    string      `json:"op"` // eq, neq, contains, in, gt, gte, lt, lte, between
	Value interface{} `json:"value"`
}

// ConditionSet composes conditions: every entry in All must hold, and at
// least one entry in Any (when Any is non-empty).
type ConditionSet struct {
	All []Condition `json:"all"`
	Any []Condition `json:"any"`
}

// ParseConditionSet decodes the JSON condition column of a rule. An empty
// string means "always matches".
func ParseConditionSet(raw string) (*ConditionSet, error) {
	if strings.TrimSpace(raw) == "" {
		return &ConditionSet{}, nil
	}
	var set ConditionSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return nil, fmt.Errorf("parse conditions: %w", err)
	}
	for _, cond := range append(append([]Condition{}, set.All...), set.Any...) {
		if err := cond.validate(); err != nil {
			return nil, err
		}
	}
	return &set, nil
}

func (c Condition) validate() error {
	if c.Field == "" {
		return fmt.Errorf("condition field required")
	}
	switch c.Op {
	case "eq", "neq", "contains", "in", "gt", "gte", "lt", "lte", "between":
	default:
		return fmt.Errorf("unsupported condition op: %s", c.Op)
	}
	switch c.Op {
	case "in":
		if _, ok := c.Value.([]interface{}); !ok {
			return fmt.Errorf("condition op 'in' requires a list value")
		}
	case "between":
		list, ok := c.Value.([]interface{})
		if !ok || len(list) != 2 {
			return fmt.Errorf("condition op 'between' requires a [min,max] value")
		}
	}
	return nil
}

// Evaluate reports whether the set holds for the given payload. Missing
// fields fail the individual condition rather than erroring.
func (s *ConditionSet) Evaluate(payload map[string]interface{}) bool {
	for _, cond := range s.All {
		if !cond.evaluate(payload) {
			return false
		}
	}
	if len(s.Any) == 0 {
		return true
	}
	for _, cond := range s.Any {
		if cond.evaluate(payload) {
			return true
		}
	}
	return false
}

func (c Condition) evaluate(payload map[string]interface{}) bool {
	val, ok := payload[c.Field]
	if !ok {
		return false
	}

	switch c.Op {
	case "eq":
		return asString(val) == asString(c.Value)
	case "neq":
		return asString(val) != asString(c.Value)
	case "contains":
		return strings.Contains(asString(val), asString(c.Value))
	case "in":
		list, _ := c.Value.([]interface{})
		for _, item := range list {
			if asString(val) == asString(item) {
				return true
			}
		}
		return false
	case "gt", "gte", "lt", "lte":
		actual, ok1 := asFloat(val)
		expected, ok2 := asFloat(c.Value)
		if !ok1 || !ok2 {
			return false
		}
		switch c.Op {
		case "gt":
			return actual > expected
		case "gte":
			return actual >= expected
		case "lt":
			return actual < expected
		default:
			return actual <= expected
		}
	case "between":
		list, _ := c.Value.([]interface{})
		if len(list) != 2 {
			return false
		}
		actual, ok1 := asFloat(val)
		lo, ok2 := asFloat(list[0])
		hi, ok3 := asFloat(list[1])
		return ok1 && ok2 && ok3 && actual >= lo && actual <= hi
	default:
		return false
	}
}

func asString(v interface{}) string {
	return fmt.Sprintf("%v", v)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ValidateConditionFields checks every referenced field against the closed
// payload schema of the trigger type.
func ValidateConditionFields(triggerType string, set *ConditionSet) error {
	known := map[string]bool{}
	for _, f := range TriggerPayloadFields(triggerType) {
		known[f] = true
	}
	for _, cond := range append(append([]Condition{}, set.All...), set.Any...) {
		if !known[cond.Field] {
			return fmt.Errorf("trigger %s has no payload field %q", triggerType, cond.Field)
		}
	}
	return nil
}
