// Package typesystem holds the queryable type graph of the guarded API:
// resource types, their fields, and the declared argument and response types
// of every top-level operation. Parsing a schema source into these
// definitions is the caller's concern.
package typesystem

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	internalerrors "github.com/fieldgate/fieldgate/internal/errors"
	"github.com/fieldgate/fieldgate/pkg/policy"
)

// RootKind distinguishes the two top-level operation groups.
type RootKind string

const (
	RootKindQuery    RootKind = "query"
	RootKindMutation RootKind = "mutation"
)

// ErrUnknownQueryOperation is returned when an operation name cannot be
// classified for authorization: it is not declared for its root kind, or it
// is a mutation with no recognizable create/update/delete-style verb. Fatal
// for the request.
var ErrUnknownQueryOperation = errors.New("unknown query operation")

// writeVerbs are the mutation name prefixes that classify as writes.
var writeVerbs = []string{"create", "update", "upsert", "delete", "remove", "add", "set"}

// Field describes one field of a type definition.
type Field struct {
	// TypeName is the field's declared type.
	TypeName string

	// Object is true when the field holds another resource type rather
	// than a scalar or enum value.
	Object bool
}

// TypeDefinition describes one resource type.
type TypeDefinition struct {
	Name   string
	Fields map[string]*Field
}

// OperationDefinition describes one top-level operation.
type OperationDefinition struct {
	Name string

	// Args maps argument names to their declared input type names.
	Args map[string]string

	// ResponseType is the declared type of the operation's result.
	ResponseType string
}

// TypeSystem is the queryable type graph. It is immutable after New.
type TypeSystem struct {
	types      map[string]*TypeDefinition
	operations map[RootKind]map[string]*OperationDefinition
}

var _ policy.TypeGraph = (*TypeSystem)(nil)

// New builds a TypeSystem from type and operation definitions. New assumes
// the definitions have already been validated against the schema source.
func New(types []*TypeDefinition, queries, mutations []*OperationDefinition) *TypeSystem {
	tds := make(map[string]*TypeDefinition, len(types))
	for _, td := range types {
		tds[td.Name] = td
	}

	ops := map[RootKind]map[string]*OperationDefinition{
		RootKindQuery:    make(map[string]*OperationDefinition, len(queries)),
		RootKindMutation: make(map[string]*OperationDefinition, len(mutations)),
	}
	for _, od := range queries {
		ops[RootKindQuery][od.Name] = od
	}
	for _, od := range mutations {
		ops[RootKindMutation][od.Name] = od
	}

	return &TypeSystem{types: tds, operations: ops}
}

// GetTypeDefinition returns the definition of the named type.
func (t *TypeSystem) GetTypeDefinition(name string) (*TypeDefinition, bool) {
	td, ok := t.types[name]
	return td, ok
}

// GetOperation returns the definition of the named operation under the given
// root kind.
func (t *TypeSystem) GetOperation(kind RootKind, name string) (*OperationDefinition, bool) {
	byName, ok := t.operations[kind]
	if !ok {
		return nil, false
	}

	od, ok := byName[name]
	return od, ok
}

// GetInputTypes returns the declared input type of every argument of the
// operation.
func (t *TypeSystem) GetInputTypes(kind RootKind, operation string) (map[string]string, error) {
	od, ok := t.GetOperation(kind, operation)
	if !ok {
		return nil, internalerrors.Mark(
			fmt.Errorf("%s operation %q is not declared", kind, operation),
			ErrUnknownQueryOperation,
		)
	}

	return od.Args, nil
}

// GetResponseType returns the declared response type of the operation.
func (t *TypeSystem) GetResponseType(kind RootKind, operation string) (string, error) {
	od, ok := t.GetOperation(kind, operation)
	if !ok {
		return "", internalerrors.Mark(
			fmt.Errorf("%s operation %q is not declared", kind, operation),
			ErrUnknownQueryOperation,
		)
	}

	return od.ResponseType, nil
}

// ResourceTypeNames returns the names of all defined resource types, sorted.
func (t *TypeSystem) ResourceTypeNames() []string {
	names := make([]string, 0, len(t.types))
	for name := range t.types {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// FieldNames returns the field names of the named type, sorted. Unknown
// types have no fields.
func (t *TypeSystem) FieldNames(typeName string) []string {
	td, ok := t.types[typeName]
	if !ok {
		return nil
	}

	names := make([]string, 0, len(td.Fields))
	for name := range td.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// IsLeafType reports whether the named type carries no object-valued fields.
// Unknown types are not leaf types.
func (t *TypeSystem) IsLeafType(typeName string) bool {
	td, ok := t.types[typeName]
	if !ok {
		return false
	}

	for _, field := range td.Fields {
		if field.Object {
			return false
		}
	}

	return true
}

// HasResourceType reports whether the named type is defined.
func (t *TypeSystem) HasResourceType(typeName string) bool {
	_, ok := t.types[typeName]
	return ok
}

// AuthTypeForOperation classifies an operation for authorization. Queries
// authorize as reads. Mutations must carry a recognizable write verb prefix
// (create, update, upsert, delete, remove, add, set); anything else fails
// with ErrUnknownQueryOperation rather than guessing a default policy
// bucket.
func (t *TypeSystem) AuthTypeForOperation(kind RootKind, operation string) (policy.AuthType, error) {
	if _, ok := t.GetOperation(kind, operation); !ok {
		return "", internalerrors.Mark(
			fmt.Errorf("%s operation %q is not declared", kind, operation),
			ErrUnknownQueryOperation,
		)
	}

	switch kind {
	case RootKindQuery:
		return policy.AuthTypeRead, nil
	case RootKindMutation:
		lower := strings.ToLower(operation)
		for _, verb := range writeVerbs {
			if strings.HasPrefix(lower, verb) {
				return policy.AuthTypeWrite, nil
			}
		}

		return "", internalerrors.Mark(
			fmt.Errorf("mutation %q has no recognizable write verb", operation),
			ErrUnknownQueryOperation,
		)
	default:
		return "", internalerrors.Mark(
			fmt.Errorf("unknown root kind %q", kind),
			ErrUnknownQueryOperation,
		)
	}
}
