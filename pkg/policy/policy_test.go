package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileShapes(t *testing.T) {
	called := false
	predicate := Predicate(func(ctx context.Context, req *PredicateRequest) (any, error) {
		called = true
		return true, nil
	})

	mapping := Mapping{
		"Post": {
			AuthTypeRead: Rules{
				"title":        true,
				"secret":       false,
				"author":       "User",
				"owned":        predicate,
				"stats":        Rules{"views": true},
				"author.email": false,
			},
		},
	}

	compiled, err := Compile(mapping)
	require.NoError(t, err)

	require.Equal(t, NodeAllow, compiled.Resolve("Post", AuthTypeRead, "title").Kind())
	require.Equal(t, NodeDeny, compiled.Resolve("Post", AuthTypeRead, "secret").Kind())

	delegate := compiled.Resolve("Post", AuthTypeRead, "author")
	require.Equal(t, NodeDelegate, delegate.Kind())
	require.Equal(t, "User", delegate.Target())

	decide := compiled.Resolve("Post", AuthTypeRead, "owned")
	require.Equal(t, NodePredicate, decide.Kind())
	_, err = decide.Fn()(context.Background(), &PredicateRequest{})
	require.NoError(t, err)
	require.True(t, called)

	require.Equal(t, NodeSubtree, compiled.Resolve("Post", AuthTypeRead, "stats").Kind())
	require.Equal(t, NodeAllow, compiled.Resolve("Post", AuthTypeRead, "stats.views").Kind())
	require.Equal(t, NodeDeny, compiled.Resolve("Post", AuthTypeRead, "author.email").Kind())
}

func TestCompilePlainFunctionRule(t *testing.T) {
	mapping := Mapping{
		"Post": {
			AuthTypeWrite: Rules{
				"title": func(ctx context.Context, req *PredicateRequest) (any, error) {
					return false, nil
				},
			},
		},
	}

	compiled, err := Compile(mapping)
	require.NoError(t, err)
	require.Equal(t, NodePredicate, compiled.Resolve("Post", AuthTypeWrite, "title").Kind())
}

func TestCompileRejectsUnsupportedShapes(t *testing.T) {
	tests := []struct {
		_name   string
		mapping Mapping
	}{
		{
			_name: "integer_rule",
			mapping: Mapping{
				"Post": {AuthTypeRead: Rules{"title": 7}},
			},
		},
		{
			_name: "nil_rule",
			mapping: Mapping{
				"Post": {AuthTypeRead: Rules{"title": nil}},
			},
		},
		{
			_name: "unknown_operation_kind",
			mapping: Mapping{
				"Post": {AuthType("browse"): Rules{"title": true}},
			},
		},
		{
			_name: "nested_bad_rule",
			mapping: Mapping{
				"Post": {AuthTypeRead: Rules{"stats": Rules{"views": 1.5}}},
			},
		},
	}

	for _, test := range tests {
		t.Run(test._name, func(t *testing.T) {
			_, err := Compile(test.mapping)
			require.ErrorIs(t, err, ErrInvalidPolicyShape)
		})
	}
}

func TestCompileMarksIntermediatePathsOfDottedKeys(t *testing.T) {
	compiled, err := Compile(Mapping{
		"Post": {
			AuthTypeRead: Rules{
				"author.email":       true,
				"meta.audit.checked": false,
			},
		},
	})
	require.NoError(t, err)

	// Resolution must descend through every intermediate of an authored
	// dotted key, not just the leaf.
	require.Equal(t, NodeSubtree, compiled.Resolve("Post", AuthTypeRead, "author").Kind())
	require.Equal(t, NodeAllow, compiled.Resolve("Post", AuthTypeRead, "author.email").Kind())

	require.Equal(t, NodeSubtree, compiled.Resolve("Post", AuthTypeRead, "meta").Kind())
	require.Equal(t, NodeSubtree, compiled.Resolve("Post", AuthTypeRead, "meta.audit").Kind())
	require.Equal(t, NodeDeny, compiled.Resolve("Post", AuthTypeRead, "meta.audit.checked").Kind())
}

func TestCompileExplicitEntryWinsOverIntermediateMarker(t *testing.T) {
	compiled, err := Compile(Mapping{
		"Post": {
			AuthTypeRead: Rules{
				"author":       "User",
				"author.email": false,
			},
		},
	})
	require.NoError(t, err)

	// The authored delegate at "author" survives regardless of the order
	// the dotted sibling inserts its marker.
	node := compiled.Resolve("Post", AuthTypeRead, "author")
	require.Equal(t, NodeDelegate, node.Kind())
	require.Equal(t, "User", node.Target())
}

func TestResolveFailsClosed(t *testing.T) {
	compiled, err := Compile(Mapping{
		"Post": {AuthTypeRead: Rules{"title": true}},
	})
	require.NoError(t, err)

	tests := []struct {
		_name    string
		resource string
		at       AuthType
		path     string
	}{
		{_name: "unknown_resource", resource: "Comment", at: AuthTypeRead, path: "title"},
		{_name: "unknown_operation_kind", resource: "Post", at: AuthTypeWrite, path: "title"},
		{_name: "unknown_path", resource: "Post", at: AuthTypeRead, path: "body"},
		{_name: "empty_path", resource: "Post", at: AuthTypeRead, path: ""},
	}

	for _, test := range tests {
		t.Run(test._name, func(t *testing.T) {
			node := compiled.Resolve(test.resource, test.at, test.path)
			require.Equal(t, NodeDeny, node.Kind())
		})
	}
}

func TestJoinAndSplitPath(t *testing.T) {
	require.Equal(t, "author", JoinPath("", "author"))
	require.Equal(t, "author.email", JoinPath("author", "email"))
	require.Equal(t, "author", JoinPath("author", ""))

	require.Nil(t, SplitPath(""))
	require.Equal(t, []string{"author", "email"}, SplitPath("author.email"))
}
