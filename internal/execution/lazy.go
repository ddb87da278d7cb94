// Package execution provides the lazy single-shot run handle wrapping the
// underlying data operation: resolve once, read many, project sub-paths
// without refetching.
package execution

import (
	"context"
	"sync"

	"github.com/fieldgate/fieldgate/pkg/policy"
)

// Run is a deferred computation of the operation result.
type Run func(ctx context.Context) (any, error)

// NewRun wraps op with at-most-once semantics: the first invocation executes
// op and caches its settlement (value or error); every later or concurrent
// invocation returns the cached settlement without re-invoking op. This is
// what keeps write-phase validation free of side effects and lets any number
// of delegated read-phase checks share one response.
func NewRun(op Run) Run {
	var (
		once   sync.Once
		result any
		err    error
	)

	return func(ctx context.Context) (any, error) {
		once.Do(func() {
			result, err = op(ctx)
		})

		return result, err
	}
}

// Project returns a Run resolving to the value at the dotted path within the
// parent's result. Forcing any number of projections forces the parent's
// single underlying execution exactly once.
func Project(parent Run, path string) Run {
	return func(ctx context.Context) (any, error) {
		value, err := parent(ctx)
		if err != nil {
			return nil, err
		}

		return ValueAt(value, path), nil
	}
}

// ValueAt traverses v along a dotted path of field names. The empty path is
// v itself; a missing segment yields nil.
func ValueAt(v any, path string) any {
	for _, segment := range policy.SplitPath(path) {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v = obj[segment]
	}

	return v
}
