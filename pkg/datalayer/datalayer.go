// Package datalayer defines the interface to the underlying data-operation
// execution layer. The engine treats it as opaque: it performs the actual
// reads and writes, owns its own timeouts and retries, and is only ever
// invoked through a lazy single-shot run.
package datalayer

import "context"

// Operation identifies one top-level operation invocation. RootKind is
// "query" or "mutation" as declared by the type system.
type Operation struct {
	RootKind string
	Name     string
	Args     map[string]any
}

// OperationExecutor performs the underlying read or write for a root
// operation.
type OperationExecutor interface {
	ExecuteOperation(ctx context.Context, op *Operation) (any, error)
}

// OperationExecutorFunc adapts a function to the OperationExecutor interface.
type OperationExecutorFunc func(ctx context.Context, op *Operation) (any, error)

func (f OperationExecutorFunc) ExecuteOperation(ctx context.Context, op *Operation) (any, error) {
	return f(ctx, op)
}
