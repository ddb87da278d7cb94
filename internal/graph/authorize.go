// Package graph implements the recursive policy evaluator: it walks a data
// tree, resolves the policy node governing every path, and produces a result
// tree mirroring the data's shape.
package graph

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/fieldgate/fieldgate/internal/concurrency"
	internalerrors "github.com/fieldgate/fieldgate/internal/errors"
	"github.com/fieldgate/fieldgate/internal/execution"
	"github.com/fieldgate/fieldgate/pkg/logger"
	"github.com/fieldgate/fieldgate/pkg/policy"
)

var tracer = otel.Tracer("internal/graph/authorize")

const defaultConcurrencyLimit = 25

// AuthorizeRequest carries one recursive evaluation: the resource type whose
// policy applies, the operation kind, the data rooted at this call, the lazy
// run capability, and the request-constant context and root data.
type AuthorizeRequest struct {
	TypeName string
	AuthType policy.AuthType
	Data     any
	Run      execution.Run
	Auth     *policy.AuthContext
	Root     *policy.RootData
}

// Authorizer evaluates a compiled permission mapping. Instances may be
// safely shared by multiple goroutines.
type Authorizer struct {
	mapping          *policy.CompiledMapping
	concurrencyLimit int
	logger           logger.Logger
}

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithConcurrencyLimit bounds the number of sibling evaluations in flight at
// any one tree level.
func WithConcurrencyLimit(limit int) AuthorizerOption {
	return func(a *Authorizer) {
		a.concurrencyLimit = limit
	}
}

// WithLogger sets the logger for the authorizer.
func WithLogger(logger logger.Logger) AuthorizerOption {
	return func(a *Authorizer) {
		a.logger = logger
	}
}

// NewAuthorizer constructs an Authorizer over a compiled (and usually
// derived, see policy.Derive) permission mapping.
func NewAuthorizer(mapping *policy.CompiledMapping, opts ...AuthorizerOption) *Authorizer {
	authorizer := &Authorizer{
		mapping:          mapping,
		concurrencyLimit: defaultConcurrencyLimit,
		logger:           logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(authorizer)
	}

	return authorizer
}

// Authorize evaluates the policy of req.TypeName over req.Data and returns
// the full result tree. Sibling fields at each level evaluate concurrently;
// the tree is fully settled when Authorize returns. Errors indicate a broken
// policy (marked policy.ErrPolicyEvaluation), never a denial: denials are
// ordinary false leaves in the result.
func (a *Authorizer) Authorize(ctx context.Context, req *AuthorizeRequest) (*policy.Result, error) {
	ctx, span := tracer.Start(ctx, "Authorize")
	defer span.End()

	span.SetAttributes(
		attribute.String("type_name", req.TypeName),
		attribute.String("auth_type", string(req.AuthType)),
	)

	obj, ok := req.Data.(map[string]any)
	if !ok {
		// Scalar at the root: a single leaf under the empty path.
		node := a.mapping.Resolve(req.TypeName, req.AuthType, "")
		return a.processPath(ctx, req, req.Data, node, "")
	}

	return a.processLevel(ctx, req, obj, "")
}

// processLevel evaluates every field of one object level concurrently and
// assembles the settled children into a branch result.
func (a *Authorizer) processLevel(ctx context.Context, req *AuthorizeRequest, obj map[string]any, levelPath string) (*policy.Result, error) {
	keys := maps.Keys(obj)
	results := make([]*policy.Result, len(keys))

	pool := concurrency.NewPool(ctx, a.concurrencyLimit)
	for i, key := range keys {
		pool.Go(func(ctx context.Context) error {
			absolutePath := policy.JoinPath(levelPath, key)
			node := a.mapping.Resolve(req.TypeName, req.AuthType, absolutePath)

			result, err := a.processPath(ctx, req, obj[key], node, absolutePath)
			if err != nil {
				return err
			}

			results[i] = result
			return nil
		})
	}

	if err := pool.Wait(); err != nil {
		return nil, err
	}

	fields := make(map[string]*policy.Result, len(keys))
	for i, key := range keys {
		fields[key] = results[i]
	}

	return policy.Branch(fields), nil
}

// processPath evaluates the single node governing one path.
func (a *Authorizer) processPath(ctx context.Context, req *AuthorizeRequest, value any, node *policy.Node, absolutePath string) (*policy.Result, error) {
	switch node.Kind() {
	case policy.NodeAllow:
		return policy.Leaf(true), nil

	case policy.NodeDeny:
		return policy.Leaf(false), nil

	case policy.NodeSubtree:
		obj, ok := value.(map[string]any)
		if !ok {
			// A subtree policy grants nothing to a scalar value.
			return policy.Leaf(false), nil
		}
		return a.processLevel(ctx, req, obj, absolutePath)

	case policy.NodeDelegate:
		return a.delegate(ctx, req, value, node.Target(), absolutePath)

	case policy.NodePredicate:
		return a.evalPredicateValue(ctx, req, node.Fn(), absolutePath)

	default:
		return nil, internalerrors.Mark(
			fmt.Errorf("unrecognized policy node kind %v at path %q", node.Kind(), absolutePath),
			policy.ErrPolicyEvaluation,
		)
	}
}

// delegate re-roots evaluation at another resource type's policy: the value
// at this path becomes the new subject and the run capability narrows to the
// same path, still backed by the one underlying execution.
func (a *Authorizer) delegate(ctx context.Context, req *AuthorizeRequest, value any, target, absolutePath string) (*policy.Result, error) {
	if !a.mapping.HasResource(target) {
		a.logger.WarnWithContext(ctx, "delegation to unknown resource type",
			zap.String("type_name", req.TypeName),
			zap.String("target", target),
			zap.String("path", absolutePath),
		)

		return nil, internalerrors.Mark(
			internalerrors.Mark(
				fmt.Errorf("delegation at path %q targets resource type %q", absolutePath, target),
				policy.ErrUnknownResourceType,
			),
			policy.ErrPolicyEvaluation,
		)
	}

	return a.Authorize(ctx, &AuthorizeRequest{
		TypeName: target,
		AuthType: req.AuthType,
		Data:     value,
		Run:      execution.Project(req.Run, absolutePath),
		Auth:     req.Auth,
		Root:     req.Root,
	})
}

// evalPredicateValue invokes a predicate and normalizes whatever it returns:
// a bool, a nested map mixing bools, deeper maps and further predicates, at
// arbitrary depth.
func (a *Authorizer) evalPredicateValue(ctx context.Context, req *AuthorizeRequest, fn policy.Predicate, absolutePath string) (*policy.Result, error) {
	out, err := fn(ctx, &policy.PredicateRequest{
		Root: req.Root,
		Run:  req.Run,
		Auth: req.Auth,
	})
	if err != nil {
		return nil, internalerrors.Mark(
			fmt.Errorf("predicate at path %q: %w", absolutePath, err),
			policy.ErrPolicyEvaluation,
		)
	}

	return a.normalize(ctx, req, out, absolutePath)
}

func (a *Authorizer) normalize(ctx context.Context, req *AuthorizeRequest, v any, absolutePath string) (*policy.Result, error) {
	switch value := v.(type) {
	case policy.Predicate:
		return a.evalPredicateValue(ctx, req, value, absolutePath)

	case func(ctx context.Context, req *policy.PredicateRequest) (any, error):
		return a.evalPredicateValue(ctx, req, value, absolutePath)

	case map[string]any:
		fields := make(map[string]*policy.Result, len(value))
		for name, child := range value {
			result, err := a.normalize(ctx, req, child, policy.JoinPath(absolutePath, name))
			if err != nil {
				return nil, err
			}
			fields[name] = result
		}
		return policy.Branch(fields), nil

	default:
		result, err := policy.ResultFromValue(v)
		if err != nil {
			return nil, internalerrors.Mark(
				fmt.Errorf("predicate at path %q: %w", absolutePath, err),
				policy.ErrPolicyEvaluation,
			)
		}
		return result, nil
	}
}
