// Package server wires the engine together: it compiles and derives the
// permission mapping, builds one pipeline per principal, and memoizes those
// pipelines until the mapping is replaced.
package server

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/karlseguin/ccache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fieldgate/fieldgate/internal/graph"
	"github.com/fieldgate/fieldgate/pkg/datalayer"
	"github.com/fieldgate/fieldgate/pkg/logger"
	"github.com/fieldgate/fieldgate/pkg/policy"
	"github.com/fieldgate/fieldgate/pkg/typesystem"
	"github.com/fieldgate/fieldgate/server/commands"
)

const (
	defaultMaxCacheSize     = 10000
	defaultCacheTTL         = 5 * time.Minute
	defaultConcurrencyLimit = 25
)

var (
	principalCacheTotalCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldgate_principal_cache_total_count",
		Help: "The total number of compiled-authorizer lookups.",
	})

	principalCacheHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldgate_principal_cache_hit_count",
		Help: "The total number of compiled-authorizer cache hits.",
	})
)

// CompiledAuthorizer is one principal's fully wired pipeline, bound to the
// permission mapping that was current when it was built.
type CompiledAuthorizer struct {
	Principal policy.Principal
	Mapping   *policy.CompiledMapping

	pipeline *commands.RunRequestCommand
}

// Server owns the type system, the data layer, the compiled permission
// mapping and the per-principal authorizer cache.
type Server struct {
	typesys          *typesystem.TypeSystem
	executor         datalayer.OperationExecutor
	logger           logger.Logger
	maxCacheSize     int64
	cacheTTL         time.Duration
	concurrencyLimit int

	// mu guards mapping and orders cache insertions against invalidation:
	// ForPrincipal holds the read lock from mapping snapshot through
	// cache.Set, so a replacement's Clear can never be overtaken by an
	// authorizer compiled from the old mapping. In-flight requests may
	// still finish against the authorizer they captured, which is
	// acceptable.
	mu      sync.RWMutex
	mapping *policy.CompiledMapping

	cache *ccache.Cache[*CompiledAuthorizer]
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger for the server and everything it builds.
func WithLogger(logger logger.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMaxCacheSize sets the maximum number of cached compiled authorizers.
// Past it, entries are evicted with an LRU policy.
func WithMaxCacheSize(size int64) ServerOption {
	return func(s *Server) {
		s.maxCacheSize = size
	}
}

// WithCacheTTL sets the TTL for a cached compiled authorizer, bounding how
// long an idle principal's entry survives.
func WithCacheTTL(ttl time.Duration) ServerOption {
	return func(s *Server) {
		s.cacheTTL = ttl
	}
}

// WithConcurrencyLimit bounds sibling fan-out inside the evaluators built by
// this server.
func WithConcurrencyLimit(limit int) ServerOption {
	return func(s *Server) {
		s.concurrencyLimit = limit
	}
}

// New compiles the authored mapping, derives default policies for every type
// the author did not mention, and returns a ready Server.
func New(
	typesys *typesystem.TypeSystem,
	executor datalayer.OperationExecutor,
	mapping policy.Mapping,
	opts ...ServerOption,
) (*Server, error) {
	s := &Server{
		typesys:          typesys,
		executor:         executor,
		logger:           logger.NewNoopLogger(),
		maxCacheSize:     defaultMaxCacheSize,
		cacheTTL:         defaultCacheTTL,
		concurrencyLimit: defaultConcurrencyLimit,
	}

	for _, opt := range opts {
		opt(s)
	}

	compiled, err := policy.Compile(mapping)
	if err != nil {
		return nil, err
	}
	s.mapping = policy.Derive(typesys, compiled)

	s.cache = ccache.New(
		ccache.Configure[*CompiledAuthorizer]().MaxSize(s.maxCacheSize),
	)

	return s, nil
}

// Close releases the principal cache.
func (s *Server) Close() {
	s.cache.Stop()
}

// Run authorizes and executes one request with the requesting principal's
// compiled authorizer.
func (s *Server) Run(ctx context.Context, req *commands.RunRequest) (*commands.RunResponse, error) {
	compiled := s.ForPrincipal(req.Principal)
	return compiled.pipeline.Execute(ctx, req)
}

// ForPrincipal returns the principal's compiled authorizer, building and
// caching it on first use.
func (s *Server) ForPrincipal(principal policy.Principal) *CompiledAuthorizer {
	principalCacheTotalCounter.Inc()

	key := principalCacheKey(principal)
	item := s.cache.Get(key)
	if item != nil && !item.Expired() {
		principalCacheHitCounter.Inc()
		return item.Value()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	mapping := s.mapping
	authorizer := graph.NewAuthorizer(mapping,
		graph.WithConcurrencyLimit(s.concurrencyLimit),
		graph.WithLogger(s.logger),
	)
	compiled := &CompiledAuthorizer{
		Principal: principal,
		Mapping:   mapping,
		pipeline: commands.NewRunRequestCommand(s.typesys, s.executor, authorizer,
			commands.WithLogger(s.logger),
		),
	}

	s.cache.Set(key, compiled, s.cacheTTL)
	return compiled
}

// ReplacePermissionMapping swaps in a new authored mapping and clears the
// whole principal cache: every principal must recompile against the new
// policy. Safe to call concurrently with in-flight requests.
func (s *Server) ReplacePermissionMapping(mapping policy.Mapping) error {
	compiled, err := policy.Compile(mapping)
	if err != nil {
		return err
	}
	derived := policy.Derive(s.typesys, compiled)

	s.mu.Lock()
	s.mapping = derived
	s.cache.Clear()
	s.mu.Unlock()

	return nil
}

// principalCacheKey converts a principal identity into a stable cache key.
func principalCacheKey(principal policy.Principal) string {
	hasher := xxhash.New()
	_, _ = hasher.WriteString(principal.ID)

	return strconv.FormatUint(hasher.Sum64(), 10)
}
