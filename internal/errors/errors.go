// Package errors provides the combinator used to attach an error kind to a
// cause without losing either in the unwrap chain.
package errors

import (
	"errors"
	reflectlite "reflect"
)

// Mark returns an error that represents kind stacked on top of cause.
// errors.Is matches both the kind and the cause; errors.As walks the cause
// chain beneath the kind.
func Mark(cause, kind error) error {
	if cause == nil && kind == nil {
		return nil
	}
	if kind == nil {
		return cause
	}
	if cause == nil {
		return kind
	}
	return marked{error: cause, kind: kind}
}

type marked struct {
	error
	kind error
}

func (m marked) Is(target error) bool {
	// Like errors.Is but without iterative unwrapping. If the kind doesn't
	// match, errors.Is will Unwrap, which does the right thing.
	if target == nil {
		return false
	}

	isComparable := reflectlite.TypeOf(target).Comparable()
	if isComparable && m.kind == target {
		return true
	}
	if x, ok := m.kind.(interface{ Is(error) bool }); ok && x.Is(target) {
		return true
	}
	return false
}

func (m marked) As(target any) bool {
	// Like errors.As but without iterative unwrapping. If the kind doesn't
	// match, errors.As will Unwrap, which does the right thing.
	if target == nil {
		panic("errors: target cannot be nil")
	}
	val := reflectlite.ValueOf(target)
	typ := val.Type()
	if typ.Kind() != reflectlite.Ptr || val.IsNil() {
		panic("errors: target must be a non-nil pointer")
	}
	targetType := typ.Elem()
	if targetType.Kind() != reflectlite.Interface && !targetType.Implements(errorType) {
		panic("errors: *target must be interface or implement error")
	}
	if reflectlite.TypeOf(m.kind).AssignableTo(targetType) {
		val.Elem().Set(reflectlite.ValueOf(m.kind))
		return true
	}
	if x, ok := m.kind.(interface{ As(any) bool }); ok && x.As(target) {
		return true
	}
	return false
}

var errorType = reflectlite.TypeOf((*error)(nil)).Elem()

func (m marked) Unwrap() error {
	if err := errors.Unwrap(m.kind); err != nil {
		return marked{error: m.error, kind: err}
	}
	// The kind chain is exhausted, continue with the cause.
	return m.error
}
