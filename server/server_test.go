package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldgate/fieldgate/pkg/datalayer"
	"github.com/fieldgate/fieldgate/pkg/policy"
	"github.com/fieldgate/fieldgate/pkg/typesystem"
	"github.com/fieldgate/fieldgate/server/commands"
	apierrors "github.com/fieldgate/fieldgate/server/errors"
)

func testTypeSystem() *typesystem.TypeSystem {
	return typesystem.New(
		[]*typesystem.TypeDefinition{
			{
				Name: "Post",
				Fields: map[string]*typesystem.Field{
					"title":  {TypeName: "String"},
					"author": {TypeName: "User", Object: true},
				},
			},
			{
				Name: "User",
				Fields: map[string]*typesystem.Field{
					"name":  {TypeName: "String"},
					"email": {TypeName: "String"},
				},
			},
			{
				Name: "PostStatus",
				Fields: map[string]*typesystem.Field{
					"label": {TypeName: "String"},
				},
			},
		},
		[]*typesystem.OperationDefinition{
			{Name: "post", Args: map[string]string{"id": "ID"}, ResponseType: "Post"},
			{Name: "postStatus", Args: map[string]string{"id": "ID"}, ResponseType: "PostStatus"},
		},
		[]*typesystem.OperationDefinition{
			{Name: "createPost", Args: map[string]string{"input": "PostInput"}, ResponseType: "Post"},
		},
	)
}

func staticExecutor(payload any) datalayer.OperationExecutor {
	return datalayer.OperationExecutorFunc(func(ctx context.Context, op *datalayer.Operation) (any, error) {
		return payload, nil
	})
}

func TestNewRejectsInvalidMapping(t *testing.T) {
	_, err := New(testTypeSystem(), staticExecutor(nil), policy.Mapping{
		"Post": {policy.AuthTypeRead: policy.Rules{"title": 7}},
	})
	require.ErrorIs(t, err, policy.ErrInvalidPolicyShape)
}

func TestRunAppliesDerivedDefaults(t *testing.T) {
	payload := map[string]any{"title": "hello"}
	srv, err := New(testTypeSystem(), staticExecutor(payload), policy.Mapping{})
	require.NoError(t, err)
	defer srv.Close()

	// Post carries an object field, so its derived policy denies every field.
	_, err = srv.Run(context.Background(), &commands.RunRequest{
		RootKind:  typesystem.RootKindQuery,
		Operation: "post",
		Args:      map[string]any{"id": "p1"},
		Principal: policy.Principal{ID: "ada"},
	})
	require.ErrorIs(t, err, apierrors.ErrAuthorizationDenied)
}

func TestRunAllowsDerivedLeafTypes(t *testing.T) {
	srv, err := New(testTypeSystem(), staticExecutor("PUBLISHED"), policy.Mapping{})
	require.NoError(t, err)
	defer srv.Close()

	// PostStatus is a pure leaf type; its derived policy allows the bare
	// scalar response.
	resp, err := srv.Run(context.Background(), &commands.RunRequest{
		RootKind:  typesystem.RootKindQuery,
		Operation: "postStatus",
		Args:      map[string]any{"id": "p1"},
		Principal: policy.Principal{ID: "ada"},
	})
	require.NoError(t, err)
	require.Equal(t, "PUBLISHED", resp.Payload)
}

func TestForPrincipalCachesCompiledAuthorizers(t *testing.T) {
	srv, err := New(testTypeSystem(), staticExecutor(nil), policy.Mapping{})
	require.NoError(t, err)
	defer srv.Close()

	ada := policy.Principal{ID: "ada"}
	grace := policy.Principal{ID: "grace"}

	first := srv.ForPrincipal(ada)
	second := srv.ForPrincipal(ada)
	require.Same(t, first, second)

	other := srv.ForPrincipal(grace)
	require.NotSame(t, first, other)
	require.Equal(t, "grace", other.Principal.ID)
}

func TestReplacePermissionMapping(t *testing.T) {
	payload := map[string]any{"title": "hello"}
	srv, err := New(testTypeSystem(), staticExecutor(payload), policy.Mapping{})
	require.NoError(t, err)
	defer srv.Close()

	principal := policy.Principal{ID: "ada"}
	req := &commands.RunRequest{
		RootKind:  typesystem.RootKindQuery,
		Operation: "post",
		Args:      map[string]any{"id": "p1"},
		Principal: principal,
	}

	_, err = srv.Run(context.Background(), req)
	require.ErrorIs(t, err, apierrors.ErrAuthorizationDenied)

	stale := srv.ForPrincipal(principal)

	err = srv.ReplacePermissionMapping(policy.Mapping{
		"Post": {policy.AuthTypeRead: policy.Rules{"title": true}},
	})
	require.NoError(t, err)

	// The cache was cleared: the principal recompiles against the new
	// mapping and the same request now passes.
	fresh := srv.ForPrincipal(principal)
	require.NotSame(t, stale, fresh)

	resp, err := srv.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, payload, resp.Payload)
}

func TestReplacePermissionMappingNeverServesStaleAuthorizers(t *testing.T) {
	srv, err := New(testTypeSystem(), staticExecutor(nil), policy.Mapping{})
	require.NoError(t, err)
	defer srv.Close()

	principal := policy.Principal{ID: "ada"}

	// Rebuild the principal's authorizer as fast as possible while the
	// mapping is being replaced underneath.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				srv.ForPrincipal(principal)
			}
		}
	}()

	for i := 0; i < 200; i++ {
		err := srv.ReplacePermissionMapping(policy.Mapping{
			"Post": {policy.AuthTypeRead: policy.Rules{"title": true}},
		})
		require.NoError(t, err)

		// Nothing else swaps the mapping, so whatever the cache now holds
		// for the principal must be bound to the current one: an authorizer
		// compiled from the old mapping must never outlive the Clear.
		srv.mu.RLock()
		current := srv.mapping
		srv.mu.RUnlock()

		require.Same(t, current, srv.ForPrincipal(principal).Mapping)
	}

	close(stop)
	wg.Wait()
}

func TestReplacePermissionMappingRejectsInvalidMapping(t *testing.T) {
	srv, err := New(testTypeSystem(), staticExecutor(nil), policy.Mapping{})
	require.NoError(t, err)
	defer srv.Close()

	err = srv.ReplacePermissionMapping(policy.Mapping{
		"Post": {policy.AuthTypeRead: policy.Rules{"title": 7}},
	})
	require.ErrorIs(t, err, policy.ErrInvalidPolicyShape)
}

func TestRunSharesOneExecutionPerRequest(t *testing.T) {
	var calls atomic.Int32
	payload := map[string]any{"title": "hello"}

	executor := datalayer.OperationExecutorFunc(func(ctx context.Context, op *datalayer.Operation) (any, error) {
		calls.Add(1)
		return payload, nil
	})

	forceRun := policy.Predicate(func(ctx context.Context, req *policy.PredicateRequest) (any, error) {
		_, err := req.Run(ctx)
		if err != nil {
			return nil, err
		}
		return true, nil
	})

	srv, err := New(testTypeSystem(), executor, policy.Mapping{
		"Post": {policy.AuthTypeRead: policy.Rules{"title": forceRun}},
	})
	require.NoError(t, err)
	defer srv.Close()

	req := &commands.RunRequest{
		RootKind:  typesystem.RootKindQuery,
		Operation: "post",
		Args:      map[string]any{"id": "p1"},
		Principal: policy.Principal{ID: "ada"},
	}

	_, err = srv.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	_, err = srv.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}
