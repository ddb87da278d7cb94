// Package policy models the permission mapping that drives every
// authorization decision: authored rules, their compiled tagged-union nodes,
// fail-closed path resolution, result trees, and derivation of default
// policies for types the author never mentioned.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	internalerrors "github.com/fieldgate/fieldgate/internal/errors"
	"github.com/fieldgate/fieldgate/pkg/datalayer"
)

// AuthType is the operation kind a rule applies to.
type AuthType string

const (
	AuthTypeRead  AuthType = "read"
	AuthTypeWrite AuthType = "write"
)

// ErrInvalidPolicyShape is returned by Compile when an authored rule value is
// none of the recognized forms.
var ErrInvalidPolicyShape = errors.New("invalid policy shape")

// ErrPolicyEvaluation marks failures that indicate a broken policy rather
// than a denied principal: a predicate returned an error, produced a
// malformed result, or delegated to an unknown resource type. Callers must
// not treat it as a denial.
var ErrPolicyEvaluation = errors.New("policy evaluation failed")

// ErrUnknownResourceType is returned when a delegation names a resource type
// that has no policy and no type definition.
var ErrUnknownResourceType = errors.New("unknown resource type")

// Principal is the authenticated identity a request is authorized for.
type Principal struct {
	ID         string
	Attributes map[string]any
}

// AuthContext carries the per-request authorization context. It is built
// once per request and passed unchanged through all recursive calls.
type AuthContext struct {
	Principal Principal

	// Metadata holds transport-supplied request values the predicates may
	// consult (headers, client hints). The engine never interprets it.
	Metadata map[string]any

	// DataLayer is the underlying execution layer, for predicates that
	// must look up records beyond the current operation's own result.
	// Operations issued through it are not lazy and not deduplicated; the
	// request's own result is reached through PredicateRequest.Run.
	DataLayer datalayer.OperationExecutor
}

// RootData identifies the top-level operation being authorized. It is
// constant for the duration of one request's authorization.
type RootData struct {
	RootFieldName string
	RootTypeName  string
	Inputs        map[string]any
}

// PredicateRequest is the argument bundle handed to every predicate.
type PredicateRequest struct {
	Root *RootData

	// Run lazily produces the operation result; the underlying operation
	// executes at most once per request no matter how many predicates force
	// it. During write-phase validation, forcing Run triggers the operation,
	// so write predicates should decide from Root and Auth alone.
	Run func(ctx context.Context) (any, error)

	Auth *AuthContext
}

// Predicate decides a single path. It returns a bool, or a nested
// map[string]any mixing bools, deeper maps and further Predicates, which the
// evaluator resolves recursively.
type Predicate func(ctx context.Context, req *PredicateRequest) (any, error)

// Rules are the authored rules for one resource and operation kind, keyed by
// dot-delimited field path. Values may be bool, a delegation target type
// name (string), a Predicate, or nested Rules.
type Rules map[string]any

// Mapping is the authored permission mapping.
type Mapping map[string]map[AuthType]Rules

// NodeKind tags the compiled form of a policy node.
type NodeKind int

const (
	NodeDeny NodeKind = iota
	NodeAllow
	NodeDelegate
	NodePredicate
	NodeSubtree
)

func (k NodeKind) String() string {
	switch k {
	case NodeDeny:
		return "deny"
	case NodeAllow:
		return "allow"
	case NodeDelegate:
		return "delegate"
	case NodePredicate:
		return "predicate"
	case NodeSubtree:
		return "subtree"
	default:
		return "unknown"
	}
}

// Node is one compiled policy node. Exactly one form per node; the shape is
// resolved once at compile time and never re-inspected at evaluation time.
type Node struct {
	kind      NodeKind
	target    string
	predicate Predicate
}

var (
	denyNode  = &Node{kind: NodeDeny}
	allowNode = &Node{kind: NodeAllow}
)

// Allow returns the node permitting its path unconditionally.
func Allow() *Node { return allowNode }

// Deny returns the node denying its path unconditionally. It is also the
// result of every failed lookup: absence of a node means deny. That is an
// explicit rule of this package, not a property of map zero values.
func Deny() *Node { return denyNode }

// Delegate returns a node deferring evaluation of its path to the named
// resource type's own policy.
func Delegate(typeName string) *Node {
	return &Node{kind: NodeDelegate, target: typeName}
}

// Decide returns a node evaluated by fn at authorization time.
func Decide(fn Predicate) *Node {
	return &Node{kind: NodePredicate, predicate: fn}
}

// Subtree returns the marker node for a path whose children carry their own
// nodes deeper in the mapping.
func Subtree() *Node { return &Node{kind: NodeSubtree} }

func (n *Node) Kind() NodeKind { return n.kind }

// Target is the delegation target type name; empty unless Kind is
// NodeDelegate.
func (n *Node) Target() string { return n.target }

// Fn is the compiled predicate; nil unless Kind is NodePredicate.
func (n *Node) Fn() Predicate { return n.predicate }

// CompiledMapping is the evaluated form of a Mapping: resource type →
// operation kind → dotted path → node.
type CompiledMapping struct {
	resources map[string]map[AuthType]map[string]*Node
}

// Compile resolves every authored rule value into its tagged node form,
// flattening nested Rules into dotted paths with Subtree markers at the
// intermediate paths.
func Compile(m Mapping) (*CompiledMapping, error) {
	compiled := &CompiledMapping{
		resources: make(map[string]map[AuthType]map[string]*Node, len(m)),
	}

	for resource, byAuthType := range m {
		entry := make(map[AuthType]map[string]*Node, len(byAuthType))
		for at, rules := range byAuthType {
			if at != AuthTypeRead && at != AuthTypeWrite {
				return nil, internalerrors.Mark(
					fmt.Errorf("resource %q: unknown operation kind %q", resource, at),
					ErrInvalidPolicyShape,
				)
			}

			nodes := make(map[string]*Node, len(rules))
			if err := flattenRules(resource, at, "", rules, nodes); err != nil {
				return nil, err
			}
			entry[at] = nodes
		}
		compiled.resources[resource] = entry
	}

	return compiled, nil
}

func flattenRules(resource string, at AuthType, prefix string, rules Rules, out map[string]*Node) error {
	for field, value := range rules {
		path := field
		if prefix != "" {
			path = prefix + "." + field
		}
		markIntermediates(path, out)

		switch v := value.(type) {
		case bool:
			if v {
				out[path] = allowNode
			} else {
				out[path] = denyNode
			}
		case string:
			out[path] = Delegate(v)
		case Predicate:
			out[path] = Decide(v)
		case func(ctx context.Context, req *PredicateRequest) (any, error):
			out[path] = Decide(v)
		case *Node:
			out[path] = v
		case Rules:
			out[path] = Subtree()
			if err := flattenRules(resource, at, path, v, out); err != nil {
				return err
			}
		case map[string]any:
			out[path] = Subtree()
			if err := flattenRules(resource, at, path, v, out); err != nil {
				return err
			}
		default:
			return internalerrors.Mark(
				fmt.Errorf("resource %q, %s path %q: unsupported rule value of type %T", resource, at, path, value),
				ErrInvalidPolicyShape,
			)
		}
	}

	return nil
}

// markIntermediates inserts a Subtree marker at every path above an authored
// dotted key, so resolution descends through "author" on the way to an
// authored "author.email". Explicit entries are never overwritten; map
// iteration order stays irrelevant because an explicit node written later
// replaces a marker, and a marker written later skips an explicit node.
func markIntermediates(path string, out map[string]*Node) {
	segments := SplitPath(path)
	for i := 1; i < len(segments); i++ {
		intermediate := strings.Join(segments[:i], ".")
		if _, ok := out[intermediate]; !ok {
			out[intermediate] = Subtree()
		}
	}
}

// Resolve looks up the node for the given resource, operation kind and
// dotted path. The path is the dot-joined chain of field names from the
// authorization root to the current value, without the resource name. Any
// miss resolves to Deny.
func (m *CompiledMapping) Resolve(resource string, at AuthType, path string) *Node {
	byAuthType, ok := m.resources[resource]
	if !ok {
		return denyNode
	}

	nodes, ok := byAuthType[at]
	if !ok {
		return denyNode
	}

	node, ok := nodes[path]
	if !ok {
		return denyNode
	}

	return node
}

// HasEntry reports whether the resource has an explicit (authored or
// derived) entry for the operation kind.
func (m *CompiledMapping) HasEntry(resource string, at AuthType) bool {
	byAuthType, ok := m.resources[resource]
	if !ok {
		return false
	}

	_, ok = byAuthType[at]
	return ok
}

// HasResource reports whether any entry exists for the resource type.
func (m *CompiledMapping) HasResource(resource string) bool {
	_, ok := m.resources[resource]
	return ok
}

// ResourceNames returns the resource types with at least one entry.
func (m *CompiledMapping) ResourceNames() []string {
	names := make([]string, 0, len(m.resources))
	for name := range m.resources {
		names = append(names, name)
	}

	return names
}

func (m *CompiledMapping) setEntry(resource string, at AuthType, nodes map[string]*Node) {
	byAuthType, ok := m.resources[resource]
	if !ok {
		byAuthType = make(map[AuthType]map[string]*Node, 2)
		m.resources[resource] = byAuthType
	}

	byAuthType[at] = nodes
}

// JoinPath appends a field name to a dotted path.
func JoinPath(prefix, field string) string {
	if prefix == "" {
		return field
	}
	if field == "" {
		return prefix
	}

	return prefix + "." + field
}

// SplitPath splits a dotted path into its field names. The empty path has no
// segments.
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}

	return strings.Split(path, ".")
}
