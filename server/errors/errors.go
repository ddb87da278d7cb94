// Package errors is the error vocabulary the engine surfaces to callers.
// Three kinds exist: a denial (the principal may not do this), a policy
// evaluation failure (the policy itself is broken), and an unclassifiable
// operation. None are retried by the engine; retrying a denial is never
// sound.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fieldgate/fieldgate/pkg/policy"
	"github.com/fieldgate/fieldgate/pkg/typesystem"
)

var (
	// ErrAuthorizationDenied matches every AuthorizationDeniedError.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrPolicyEvaluation indicates a broken policy, not a denied
	// principal: a predicate failed, a result had an invalid shape, or a
	// delegation named an unknown resource type.
	ErrPolicyEvaluation = policy.ErrPolicyEvaluation

	// ErrUnknownResourceType indicates a delegation to a resource type
	// with no policy entry.
	ErrUnknownResourceType = policy.ErrUnknownResourceType

	// ErrUnknownQueryOperation indicates an operation that cannot be
	// classified for authorization.
	ErrUnknownQueryOperation = typesystem.ErrUnknownQueryOperation
)

// AuthorizationDeniedError reports a false aggregate decision. It carries
// the full unsummarized result tree, and for write-phase denials the
// resolved input type of every argument, so callers can see exactly which
// paths denied. The detail is JSON-serializable.
type AuthorizationDeniedError struct {
	// Phase is the operation kind that denied: write (input validation) or
	// read (output validation).
	Phase policy.AuthType `json:"phase"`

	// Result is the full result tree of the denying phase.
	Result *policy.Result `json:"result"`

	// InputTypes annotates each top-level argument with its resolved input
	// type name. Only set for write-phase denials.
	InputTypes map[string]string `json:"inputTypes,omitempty"`
}

func (e *AuthorizationDeniedError) Error() string {
	return fmt.Sprintf("authorization denied during %s validation: %s", e.Phase, e.Result)
}

func (e *AuthorizationDeniedError) Is(target error) bool {
	return target == ErrAuthorizationDenied
}

// Detail renders the denial as JSON for diagnostic consumers.
func (e *AuthorizationDeniedError) Detail() ([]byte, error) {
	return json.Marshal(e)
}
