package metadata

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidWhere is returned when a where clause is structurally malformed.
// It is detected during validation, before any segment is touched.
var ErrInvalidWhere = errors.New("metadata: invalid where clause")

// Operator represents a comparison operator for filtering.
type Operator string

const (
	// OpEqual represents the equality operator.
	OpEqual Operator = "eq"
	// OpNotEqual represents the inequality operator.
	OpNotEqual Operator = "ne"
	// OpGreaterThan represents the greater than operator.
	OpGreaterThan Operator = "gt"
	// OpGreaterEqual represents the greater than or equal operator.
	OpGreaterEqual Operator = "gte"
	// OpLessThan represents the less than operator.
	OpLessThan Operator = "lt"
	// OpLessEqual represents the less than or equal operator.
	OpLessEqual Operator = "lte"
	// OpIn represents the membership operator.
	OpIn Operator = "in"
	// OpNotIn represents the negated membership operator.
	OpNotIn Operator = "nin"
)

// Condition is a single comparison against one metadata key.
//
// A key absent on a document never matches, regardless of the operator.
type Condition struct {
	Key      string
	Operator Operator
	Value    Value   // scalar operand (eq/ne/gt/gte/lt/lte)
	Values   []Value // list operand (in/nin)
}

// Where is a predicate tree over metadata keys: either a single leaf
// condition or a boolean combination of child clauses.
// Exactly one of Cond, And, Or must be set.
type Where struct {
	Cond *Condition
	And  []*Where
	Or   []*Where
}

// Eq matches documents whose key equals v.
func Eq(key string, v Value) *Where {
	return &Where{Cond: &Condition{Key: key, Operator: OpEqual, Value: v}}
}

// Ne matches documents whose key is present and differs from v.
func Ne(key string, v Value) *Where {
	return &Where{Cond: &Condition{Key: key, Operator: OpNotEqual, Value: v}}
}

// Gt matches documents whose key is greater than v.
func Gt(key string, v Value) *Where {
	return &Where{Cond: &Condition{Key: key, Operator: OpGreaterThan, Value: v}}
}

// Gte matches documents whose key is greater than or equal to v.
func Gte(key string, v Value) *Where {
	return &Where{Cond: &Condition{Key: key, Operator: OpGreaterEqual, Value: v}}
}

// Lt matches documents whose key is less than v.
func Lt(key string, v Value) *Where {
	return &Where{Cond: &Condition{Key: key, Operator: OpLessThan, Value: v}}
}

// Lte matches documents whose key is less than or equal to v.
func Lte(key string, v Value) *Where {
	return &Where{Cond: &Condition{Key: key, Operator: OpLessEqual, Value: v}}
}

// In matches documents whose key equals any of the given values.
func In(key string, values ...Value) *Where {
	return &Where{Cond: &Condition{Key: key, Operator: OpIn, Values: values}}
}

// Nin matches documents whose key is present and equals none of the given values.
func Nin(key string, values ...Value) *Where {
	return &Where{Cond: &Condition{Key: key, Operator: OpNotIn, Values: values}}
}

// All combines clauses with AND logic.
func All(clauses ...*Where) *Where { return &Where{And: clauses} }

// Any combines clauses with OR logic.
func Any(clauses ...*Where) *Where { return &Where{Or: clauses} }

// Validate checks the structural integrity of the predicate tree.
func (w *Where) Validate() error {
	if w == nil {
		return nil
	}
	set := 0
	if w.Cond != nil {
		set++
	}
	if w.And != nil {
		set++
	}
	if w.Or != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one of cond/and/or must be set", ErrInvalidWhere)
	}

	if w.Cond != nil {
		return w.Cond.validate()
	}

	children := w.And
	if children == nil {
		children = w.Or
	}
	if len(children) == 0 {
		return fmt.Errorf("%w: empty combinator", ErrInvalidWhere)
	}
	for _, child := range children {
		if child == nil {
			return fmt.Errorf("%w: nil child clause", ErrInvalidWhere)
		}
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Condition) validate() error {
	if c.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidWhere)
	}
	switch c.Operator {
	case OpEqual, OpNotEqual:
		if c.Value.Kind == KindInvalid {
			return fmt.Errorf("%w: %s %q requires a scalar operand", ErrInvalidWhere, c.Operator, c.Key)
		}
	case OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual:
		if !c.Value.IsNumber() && c.Value.Kind != KindString {
			return fmt.Errorf("%w: %s %q requires a numeric or string operand", ErrInvalidWhere, c.Operator, c.Key)
		}
	case OpIn, OpNotIn:
		if len(c.Values) == 0 {
			return fmt.Errorf("%w: %s %q requires a non-empty value list", ErrInvalidWhere, c.Operator, c.Key)
		}
		for _, v := range c.Values {
			if v.Kind == KindInvalid {
				return fmt.Errorf("%w: %s %q contains an invalid value", ErrInvalidWhere, c.Operator, c.Key)
			}
		}
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidWhere, c.Operator)
	}
	return nil
}

// Matches reports whether the document satisfies the predicate tree.
func (w *Where) Matches(doc Document) bool {
	if w == nil {
		return true
	}
	switch {
	case w.Cond != nil:
		return w.Cond.Matches(doc)
	case w.And != nil:
		for _, child := range w.And {
			if !child.Matches(doc) {
				return false
			}
		}
		return true
	case w.Or != nil:
		for _, child := range w.Or {
			if child.Matches(doc) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Matches reports whether the document satisfies this single condition.
func (c *Condition) Matches(doc Document) bool {
	value, exists := doc[c.Key]
	if !exists {
		return false
	}

	switch c.Operator {
	case OpEqual:
		return compareEqual(value, c.Value)
	case OpNotEqual:
		return !compareEqual(value, c.Value)
	case OpGreaterThan:
		return compareLess(c.Value, value)
	case OpGreaterEqual:
		return compareLess(c.Value, value) || compareEqual(value, c.Value)
	case OpLessThan:
		return compareLess(value, c.Value)
	case OpLessEqual:
		return compareLess(value, c.Value) || compareEqual(value, c.Value)
	case OpIn:
		for _, candidate := range c.Values {
			if compareEqual(value, candidate) {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, candidate := range c.Values {
			if compareEqual(value, candidate) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// compareEqual compares two values for equality.
// Numeric values compare across int/float kinds.
func compareEqual(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		if a.Kind == KindInt && b.Kind == KindInt {
			return a.I64 == b.I64
		}
		return a.Number() == b.Number()
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindString:
		return a.S == b.S
	case KindBool:
		return a.B == b.B
	default:
		return false
	}
}

// compareLess reports a < b for comparable kinds.
func compareLess(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		return a.Number() < b.Number()
	}
	if a.Kind == KindString && b.Kind == KindString {
		return a.S < b.S
	}
	return false
}

// DocumentFilter matches against the full document text of a record.
// Both fields may be set; they compose with AND logic.
type DocumentFilter struct {
	Contains    string
	NotContains string
}

// Validate checks that the filter constrains something.
func (f *DocumentFilter) Validate() error {
	if f == nil {
		return nil
	}
	if f.Contains == "" && f.NotContains == "" {
		return fmt.Errorf("%w: document filter constrains nothing", ErrInvalidWhere)
	}
	return nil
}

// Matches reports whether the document text satisfies the filter.
// A record without a document never matches a Contains constraint.
func (f *DocumentFilter) Matches(text *string) bool {
	if f == nil {
		return true
	}
	if f.Contains != "" {
		if text == nil || !strings.Contains(*text, f.Contains) {
			return false
		}
	}
	if f.NotContains != "" {
		if text != nil && strings.Contains(*text, f.NotContains) {
			return false
		}
	}
	return true
}
