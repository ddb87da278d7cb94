package policy

import (
	"sort"

	"golang.org/x/exp/maps"
)

// TypeGraph is the slice of the type system the derivation needs: which
// resource types exist, their field names, and whether a type is a pure
// leaf (scalar/enum fields only).
type TypeGraph interface {
	ResourceTypeNames() []string
	FieldNames(typeName string) []string
	IsLeafType(typeName string) bool
}

// Derive returns a new mapping in which every resource type of the graph
// that lacks an explicit entry for an operation kind receives a synthesized
// default policy. Schemas of this shape generate response and wrapper types
// the policy author never sees; defaulting those to deny keeps them from
// leaking data, while pure leaf types default to allow so authors are not
// forced to enumerate every scalar. Explicit entries always win: derivation
// fills gaps, it never overwrites.
func Derive(graph TypeGraph, user *CompiledMapping) *CompiledMapping {
	derived := &CompiledMapping{
		resources: make(map[string]map[AuthType]map[string]*Node, len(user.resources)),
	}
	for resource, byAuthType := range user.resources {
		entry := make(map[AuthType]map[string]*Node, len(byAuthType))
		maps.Copy(entry, byAuthType)
		derived.resources[resource] = entry
	}

	typeNames := graph.ResourceTypeNames()
	sort.Strings(typeNames)

	for _, typeName := range typeNames {
		for _, at := range []AuthType{AuthTypeRead, AuthTypeWrite} {
			if derived.HasEntry(typeName, at) {
				continue
			}

			derived.setEntry(typeName, at, defaultEntry(graph, typeName))
		}
	}

	return derived
}

func defaultEntry(graph TypeGraph, typeName string) map[string]*Node {
	fields := graph.FieldNames(typeName)
	nodes := make(map[string]*Node, len(fields)+1)

	if graph.IsLeafType(typeName) {
		for _, field := range fields {
			nodes[field] = allowNode
		}
		// A leaf type may appear as a bare scalar value; that authorizes
		// through the empty path.
		nodes[""] = allowNode
		return nodes
	}

	for _, field := range fields {
		nodes[field] = denyNode
	}

	return nodes
}
