package policy

import (
	"encoding/json"
	"errors"
	"fmt"

	internalerrors "github.com/fieldgate/fieldgate/internal/errors"
)

// ErrInvalidResultShape is returned when an authorization result tree does
// not reduce to booleans and field maps. It guards against predicates
// returning malformed values and is a policy bug, never a denial.
var ErrInvalidResultShape = errors.New("invalid authorization result shape")

// Result is one node of an authorization result tree. It mirrors the shape
// of the data that was authorized: a leaf decision, or one child per field.
// A Result with a non-nil Fields map is a branch; its Allowed value is
// meaningless.
type Result struct {
	Allowed bool
	Fields  map[string]*Result
}

// Leaf returns a leaf result carrying a single decision.
func Leaf(allowed bool) *Result {
	return &Result{Allowed: allowed}
}

// Branch returns a branch result over the given children.
func Branch(fields map[string]*Result) *Result {
	return &Result{Fields: fields}
}

// IsLeaf reports whether r carries a decision rather than children.
func (r *Result) IsLeaf() bool {
	return r.Fields == nil
}

// MarshalJSON renders the tree in its natural shape: leaves as booleans,
// branches as objects, e.g. {"title":true,"author":{"email":false}}.
func (r *Result) MarshalJSON() ([]byte, error) {
	if r.IsLeaf() {
		return json.Marshal(r.Allowed)
	}

	fields := make(map[string]json.RawMessage, len(r.Fields))
	for name, child := range r.Fields {
		if child == nil {
			return nil, internalerrors.Mark(
				fmt.Errorf("field %q has no result", name),
				ErrInvalidResultShape,
			)
		}

		raw, err := child.MarshalJSON()
		if err != nil {
			return nil, err
		}
		fields[name] = raw
	}

	return json.Marshal(fields)
}

// String renders the tree as compact JSON for diagnostics.
func (r *Result) String() string {
	raw, err := r.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid result: %v>", err)
	}

	return string(raw)
}

// Summarize reduces a result tree to a single pass/fail decision: the
// logical AND of every leaf. An empty branch summarizes to true (no fields,
// nothing to deny). A malformed tree fails with ErrInvalidResultShape.
func Summarize(r *Result) (bool, error) {
	if r == nil {
		return false, internalerrors.Mark(
			errors.New("nil result"),
			ErrInvalidResultShape,
		)
	}

	if r.IsLeaf() {
		return r.Allowed, nil
	}

	for name, child := range r.Fields {
		if child == nil {
			return false, internalerrors.Mark(
				fmt.Errorf("field %q has no result", name),
				ErrInvalidResultShape,
			)
		}

		allowed, err := Summarize(child)
		if err != nil {
			return false, err
		}
		if !allowed {
			return false, nil
		}
	}

	return true, nil
}

// ResultFromValue normalizes a plain value into a Result: a bool becomes a
// leaf, a map of field name to value becomes a branch, recursively. Anything
// else fails with ErrInvalidResultShape. Predicate values nested inside maps
// are not handled here; the evaluator resolves those before normalizing.
func ResultFromValue(v any) (*Result, error) {
	switch value := v.(type) {
	case bool:
		return Leaf(value), nil
	case *Result:
		if value == nil {
			break
		}
		return value, nil
	case map[string]any:
		fields := make(map[string]*Result, len(value))
		for name, child := range value {
			res, err := ResultFromValue(child)
			if err != nil {
				return nil, err
			}
			fields[name] = res
		}
		return Branch(fields), nil
	}

	return nil, internalerrors.Mark(
		fmt.Errorf("value of type %T is neither a bool nor a field map", v),
		ErrInvalidResultShape,
	)
}
