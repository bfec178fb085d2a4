// Package filter evaluates recursive boolean predicate trees against a
// person's custom-field map. Evaluation is pure and total: every
// condition produces a boolean, unparseable operands compare false, and
// nothing here ever panics on adversarial input.
package filter

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// MaxDepth caps predicate nesting. Groups below this depth evaluate to
// false rather than risking stack exhaustion on adversarial input.
const MaxDepth = 64

// Logic combines the results of a group's children.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Operator is a comparison operator on a single field.
type Operator string

const (
	OpEq  Operator = "="
	OpNe  Operator = "!="
	OpGt  Operator = ">"
	OpGte Operator = ">="
	OpLt  Operator = "<"
	OpLte Operator = "<="
)

// ValueType declares how both operands of a condition are coerced
// before comparison. Coercion is explicit, never inferred from the
// stored value.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeDate    ValueType = "date"
	TypeBoolean ValueType = "boolean"
)

// Value holds a condition operand. It unmarshals from JSON strings,
// numbers and booleans alike, so {"value": "25"} and {"value": 25}
// behave identically.
type Value string

// UnmarshalJSON accepts strings, numbers, booleans and null.
func (v *Value) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Value(s)
		return nil
	}
	if string(data) == "null" {
		*v = ""
		return nil
	}
	*v = Value(data)
	return nil
}

// MarshalJSON always emits a string; the declared type drives coercion,
// not the JSON representation.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(v))
}

// Condition is a leaf predicate over a single custom field.
type Condition struct {
	Field    string    `json:"field"`
	Operator Operator  `json:"operator"`
	Type     ValueType `json:"type"`
	Value    Value     `json:"value"`
}

// Group combines conditions and nested groups under one logic operator.
// AND over no children is vacuously true; OR over no children is false.
type Group struct {
	Logic      Logic  `json:"logic"`
	Conditions []Node `json:"conditions"`
}

// Node is one entry in a group's condition list: either a leaf
// Condition or a nested Group. Exactly one of the two fields is set.
// The JSON form is disambiguated by the presence of a "logic" key
// rather than duck-typing on "field".
type Node struct {
	Condition *Condition
	Group     *Group
}

// UnmarshalJSON decodes either variant, keyed on "logic".
func (n *Node) UnmarshalJSON(data []byte) error {
	var probe struct {
		Logic *Logic `json:"logic"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Logic != nil {
		g := &Group{}
		if err := json.Unmarshal(data, g); err != nil {
			return err
		}
		n.Group = g
		n.Condition = nil
		return nil
	}
	c := &Condition{}
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	n.Condition = c
	n.Group = nil
	return nil
}

// MarshalJSON encodes whichever variant is set.
func (n Node) MarshalJSON() ([]byte, error) {
	if n.Group != nil {
		return json.Marshal(n.Group)
	}
	return json.Marshal(n.Condition)
}

// Cond wraps a Condition as a Node. Test and builder convenience.
func Cond(c Condition) Node { return Node{Condition: &c} }

// Nested wraps a Group as a Node.
func Nested(g Group) Node { return Node{Group: &g} }

// Match reports whether the record's custom fields satisfy the group.
// Safe for concurrent use; the group is never mutated.
func (g *Group) Match(fields map[string]string) bool {
	return matchGroup(g, fields, 0)
}

func matchGroup(g *Group, fields map[string]string, depth int) bool {
	if g == nil || depth >= MaxDepth {
		return false
	}
	if g.Logic == LogicOr {
		for _, n := range g.Conditions {
			if matchNode(n, fields, depth+1) {
				return true
			}
		}
		return false
	}
	// AND (and any unrecognized logic) requires every child to hold.
	for _, n := range g.Conditions {
		if !matchNode(n, fields, depth+1) {
			return false
		}
	}
	return true
}

func matchNode(n Node, fields map[string]string, depth int) bool {
	if n.Group != nil {
		return matchGroup(n.Group, fields, depth)
	}
	if n.Condition != nil {
		return n.Condition.match(fields)
	}
	return false
}

func (c *Condition) match(fields map[string]string) bool {
	raw, ok := fields[c.Field]
	if !ok {
		return false
	}
	switch c.Type {
	case TypeNumber:
		return compareFloats(parseNumber(raw), parseNumber(string(c.Value)), c.Operator)
	case TypeDate:
		return compareFloats(parseInstant(raw), parseInstant(string(c.Value)), c.Operator)
	case TypeString:
		switch c.Operator {
		case OpEq:
			return raw == string(c.Value)
		case OpNe:
			return raw != string(c.Value)
		}
		// Ordering operators on strings are unsupported.
		return false
	default:
		// TypeBoolean (and unknown types) are unsupported and always
		// evaluate to false regardless of operator.
		return false
	}
}

// compareFloats applies op with IEEE semantics: any comparison against
// NaN is false except !=, which holds. Unparseable operands arrive here
// as NaN, so they fall out of every match set without errors.
func compareFloats(a, b float64, op Operator) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	}
	return false
}

func parseNumber(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// instantLayouts are tried in order when coercing date operands.
var instantLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// parseInstant returns the instant as fractional unix milliseconds, or
// NaN when the string parses under none of the supported layouts.
func parseInstant(s string) float64 {
	s = strings.TrimSpace(s)
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return float64(t.UnixMilli())
		}
	}
	// Bare epoch millis also appear in exported data.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return math.NaN()
}
