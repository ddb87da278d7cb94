// Package commands holds the request pipeline: one command object per
// top-level request, orchestrating input validation, execution and output
// validation.
package commands

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	internalerrors "github.com/fieldgate/fieldgate/internal/errors"
	"github.com/fieldgate/fieldgate/internal/execution"
	"github.com/fieldgate/fieldgate/internal/graph"
	"github.com/fieldgate/fieldgate/pkg/datalayer"
	"github.com/fieldgate/fieldgate/pkg/id"
	"github.com/fieldgate/fieldgate/pkg/logger"
	"github.com/fieldgate/fieldgate/pkg/policy"
	"github.com/fieldgate/fieldgate/pkg/typesystem"
	apierrors "github.com/fieldgate/fieldgate/server/errors"
)

var tracer = otel.Tracer("server/commands/run_request")

// RunRequest is one incoming top-level request.
type RunRequest struct {
	RootKind  typesystem.RootKind
	Operation string
	Args      map[string]any
	Principal policy.Principal

	// Metadata carries transport-supplied values through to predicates.
	Metadata map[string]any
}

// RunResponse carries the operation's payload, returned unchanged:
// authorization is a gate, never a data transform.
type RunResponse struct {
	Payload any
}

// RunRequestCommand authorizes and executes one request in three strictly
// ordered phases: validate inputs against the write policy, execute the
// underlying operation, validate the produced output against the read
// policy. Instances may be safely shared by multiple goroutines.
type RunRequestCommand struct {
	typesys    *typesystem.TypeSystem
	executor   datalayer.OperationExecutor
	authorizer *graph.Authorizer
	logger     logger.Logger
}

// RunRequestCommandOption configures a RunRequestCommand.
type RunRequestCommandOption func(*RunRequestCommand)

// WithLogger sets the logger for the command.
func WithLogger(logger logger.Logger) RunRequestCommandOption {
	return func(c *RunRequestCommand) {
		c.logger = logger
	}
}

// NewRunRequestCommand builds the pipeline for one compiled authorizer.
func NewRunRequestCommand(
	typesys *typesystem.TypeSystem,
	executor datalayer.OperationExecutor,
	authorizer *graph.Authorizer,
	opts ...RunRequestCommandOption,
) *RunRequestCommand {
	cmd := &RunRequestCommand{
		typesys:    typesys,
		executor:   executor,
		authorizer: authorizer,
		logger:     logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(cmd)
	}

	return cmd
}

// Execute runs the three phases for req. Input validation strictly precedes
// execution, which strictly precedes output validation; a denial or
// evaluation failure in either validating phase aborts the request, and the
// operation is never invoked when input validation fails.
func (c *RunRequestCommand) Execute(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	requestID := id.Must()
	ctx, span := tracer.Start(ctx, "RunRequest", trace.WithAttributes(
		attribute.String("request_id", requestID),
		attribute.String("root_kind", string(req.RootKind)),
		attribute.String("operation", req.Operation),
	))
	defer span.End()

	authType, err := c.typesys.AuthTypeForOperation(req.RootKind, req.Operation)
	if err != nil {
		return nil, err
	}

	responseType, err := c.typesys.GetResponseType(req.RootKind, req.Operation)
	if err != nil {
		return nil, err
	}

	root := &policy.RootData{
		RootFieldName: req.Operation,
		RootTypeName:  responseType,
		Inputs:        req.Args,
	}
	auth := &policy.AuthContext{
		Principal: req.Principal,
		Metadata:  req.Metadata,
		DataLayer: c.executor,
	}
	run := execution.NewRun(func(ctx context.Context) (any, error) {
		return c.executor.ExecuteOperation(ctx, &datalayer.Operation{
			RootKind: string(req.RootKind),
			Name:     req.Operation,
			Args:     req.Args,
		})
	})

	if authType == policy.AuthTypeWrite {
		if err := c.validateInputs(ctx, requestID, req, root, auth, run); err != nil {
			return nil, err
		}
	}

	payload, err := run(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.validateOutput(ctx, requestID, req, responseType, payload, root, auth, run); err != nil {
		return nil, err
	}

	return &RunResponse{Payload: payload}, nil
}

// validateInputs authorizes every top-level argument against the write
// policy of its declared input type, all arguments concurrently.
func (c *RunRequestCommand) validateInputs(
	ctx context.Context,
	requestID string,
	req *RunRequest,
	root *policy.RootData,
	auth *policy.AuthContext,
	run execution.Run,
) error {
	ctx, span := tracer.Start(ctx, "validateInputs")
	defer span.End()

	inputTypes, err := c.typesys.GetInputTypes(req.RootKind, req.Operation)
	if err != nil {
		return err
	}

	keys := maps.Keys(req.Args)
	results := make([]*policy.Result, len(keys))

	grp, groupCtx := errgroup.WithContext(ctx)
	for i, key := range keys {
		grp.Go(func() error {
			// An argument with no declared input type authorizes against
			// the empty type name, which resolves to deny.
			result, err := c.authorizer.Authorize(groupCtx, &graph.AuthorizeRequest{
				TypeName: inputTypes[key],
				AuthType: policy.AuthTypeWrite,
				Data:     req.Args[key],
				Run:      run,
				Auth:     auth,
				Root:     root,
			})
			if err != nil {
				return err
			}

			results[i] = result
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		c.logger.ErrorWithContext(ctx, "input validation failed",
			zap.String("request_id", requestID),
			zap.String("operation", req.Operation),
			zap.Error(err),
		)
		return err
	}

	fields := make(map[string]*policy.Result, len(keys))
	annotations := make(map[string]string, len(keys))
	for i, key := range keys {
		fields[key] = results[i]
		annotations[key] = inputTypes[key]
	}
	tree := policy.Branch(fields)

	allowed, err := policy.Summarize(tree)
	if err != nil {
		return internalerrors.Mark(err, policy.ErrPolicyEvaluation)
	}
	if !allowed {
		c.logger.InfoWithContext(ctx, "write authorization denied",
			zap.String("request_id", requestID),
			zap.String("operation", req.Operation),
			zap.String("principal", req.Principal.ID),
			zap.Stringer("result", tree),
		)

		return &apierrors.AuthorizationDeniedError{
			Phase:      policy.AuthTypeWrite,
			Result:     tree,
			InputTypes: annotations,
		}
	}

	return nil
}

// validateOutput authorizes the full response payload against the read
// policy of the operation's declared response type.
func (c *RunRequestCommand) validateOutput(
	ctx context.Context,
	requestID string,
	req *RunRequest,
	responseType string,
	payload any,
	root *policy.RootData,
	auth *policy.AuthContext,
	run execution.Run,
) error {
	ctx, span := tracer.Start(ctx, "validateOutput")
	defer span.End()

	result, err := c.authorizer.Authorize(ctx, &graph.AuthorizeRequest{
		TypeName: responseType,
		AuthType: policy.AuthTypeRead,
		Data:     payload,
		Run:      run,
		Auth:     auth,
		Root:     root,
	})
	if err != nil {
		c.logger.ErrorWithContext(ctx, "output validation failed",
			zap.String("request_id", requestID),
			zap.String("operation", req.Operation),
			zap.Error(err),
		)
		return err
	}

	allowed, err := policy.Summarize(result)
	if err != nil {
		return internalerrors.Mark(err, policy.ErrPolicyEvaluation)
	}
	if !allowed {
		c.logger.InfoWithContext(ctx, "read authorization denied",
			zap.String("request_id", requestID),
			zap.String("operation", req.Operation),
			zap.String("principal", req.Principal.ID),
			zap.Stringer("result", result),
		)

		return &apierrors.AuthorizationDeniedError{
			Phase:  policy.AuthTypeRead,
			Result: result,
		}
	}

	return nil
}
