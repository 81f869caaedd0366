package rbac

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/givebridge/accessd/pkg/invalidation"
	"github.com/givebridge/accessd/pkg/observability"
)

// Source is the read side of the store the resolver computes from
type Source interface {
	UserRoleGrants(ctx context.Context, userID string) ([]RoleGrant, error)
	RolePermissions(ctx context.Context, roleIDs []uuid.UUID) (map[uuid.UUID][]Permission, error)
}

// ResolverConfig controls the resolver cache
type ResolverConfig struct {
	TTL         time.Duration
	MaxEntries  int
	LoadTimeout time.Duration
}

// DefaultResolverConfig returns the production cache settings
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		TTL:         5 * time.Minute,
		MaxEntries:  10000,
		LoadTimeout: 10 * time.Second,
	}
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger used for fail-closed checks
func WithResolverLogger(logger logrus.FieldLogger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithResolverMetrics records cache and check metrics
func WithResolverMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// WithResolverClock overrides time.Now when deciding assignment expiry
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// Resolver computes effective roles and permissions and caches them per user.
//
// Every cache entry is stamped with the epoch that was current when its
// computation started. Invalidate bumps the epoch and purges the cache, and a
// computation whose epoch is no longer current is handed to its waiters but
// never stored.
type Resolver struct {
	source  Source
	cfg     ResolverConfig
	cache   *expirable.LRU[string, *resolution]
	group   singleflight.Group
	logger  logrus.FieldLogger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu    sync.Mutex
	epoch uint64
	token invalidation.Token
}

type resolution struct {
	roles []Role
	perms *PermissionSet
	epoch uint64
	// validUntil is the earliest assignment expiry; zero when none expire
	validUntil time.Time
}

var emptyResolution = &resolution{roles: []Role{}, perms: NewPermissionSet()}

// NewResolver creates a resolver over source
func NewResolver(source Source, cfg ResolverConfig, opts ...ResolverOption) *Resolver {
	defaults := DefaultResolverConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaults.MaxEntries
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaults.LoadTimeout
	}

	r := &Resolver{
		source: source,
		cfg:    cfg,
		cache:  expirable.NewLRU[string, *resolution](cfg.MaxEntries, nil, cfg.TTL),
		logger: logrus.StandardLogger(),
		tracer: otel.Tracer("github.com/givebridge/accessd/pkg/rbac"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetEffectiveRoles returns the roles of the user's active, unexpired
// assignments ordered by name. Anonymous and unknown users get an empty slice.
func (r *Resolver) GetEffectiveRoles(ctx context.Context, userID string) ([]Role, error) {
	res, err := r.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Role, len(res.roles))
	copy(out, res.roles)
	return out, nil
}

// GetEffectivePermissions returns every permission reachable through the
// user's effective roles, counted once each
func (r *Resolver) GetEffectivePermissions(ctx context.Context, userID string) (*PermissionSet, error) {
	res, err := r.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	return res.perms, nil
}

// HasPermission reports whether the user holds the named permission. It
// returns false when the store cannot be reached.
func (r *Resolver) HasPermission(ctx context.Context, userID, name string) bool {
	return r.check(ctx, userID, "has_permission", func(s *PermissionSet) bool {
		return s.Has(name)
	})
}

// HasAnyPermission reports whether the user holds at least one of names.
// An empty list is never satisfied.
func (r *Resolver) HasAnyPermission(ctx context.Context, userID string, names ...string) bool {
	if len(names) == 0 {
		return false
	}
	return r.check(ctx, userID, "has_any_permission", func(s *PermissionSet) bool {
		return s.HasAny(names...)
	})
}

// HasAllPermissions reports whether the user holds every one of names. An
// empty list is satisfied without consulting the store.
func (r *Resolver) HasAllPermissions(ctx context.Context, userID string, names ...string) bool {
	if len(names) == 0 {
		return true
	}
	return r.check(ctx, userID, "has_all_permissions", func(s *PermissionSet) bool {
		return s.HasAll(names...)
	})
}

// CanPerformAction matches on the resource and action of held permissions
func (r *Resolver) CanPerformAction(ctx context.Context, userID, resource, action string) bool {
	return r.check(ctx, userID, "can_perform_action", func(s *PermissionSet) bool {
		return s.Can(resource, action)
	})
}

// Invalidate drops every cached resolution. It has the signature of an
// invalidation.Bus subscriber.
func (r *Resolver) Invalidate(sig invalidation.Signal) {
	r.mu.Lock()
	r.epoch++
	if sig.Token > r.token {
		r.token = sig.Token
	}
	r.cache.Purge()
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"token":  sig.Token,
		"reason": sig.Reason,
	}).Debug("Permission cache invalidated")
}

// LastToken returns the newest invalidation token the resolver has applied
func (r *Resolver) LastToken() invalidation.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// CachedUsers returns the number of users with a live cache entry
func (r *Resolver) CachedUsers() int {
	return r.cache.Len()
}

func (r *Resolver) check(ctx context.Context, userID, check string, allowed func(*PermissionSet) bool) bool {
	perms, err := r.GetEffectivePermissions(ctx, userID)
	if err != nil {
		logger := observability.WithTraceContext(ctx, r.logger).WithFields(logrus.Fields{
			"user_id": userID,
			"check":   check,
		}).WithError(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Debug("Permission check abandoned by caller")
			return false
		}
		logger.Error("Permission check failed closed")
		if r.metrics != nil {
			r.metrics.CheckFailuresTotal.WithLabelValues(check).Inc()
		}
		return false
	}
	if allowed(perms) {
		return true
	}
	if r.metrics != nil {
		r.metrics.CheckDenialsTotal.WithLabelValues(check).Inc()
	}
	return false
}

func (r *Resolver) resolve(ctx context.Context, userID string) (*resolution, error) {
	if userID == "" {
		return emptyResolution, nil
	}

	r.mu.Lock()
	epoch := r.epoch
	r.mu.Unlock()

	if res, ok := r.lookup(userID, epoch); ok {
		if r.metrics != nil {
			r.metrics.CacheHitsTotal.Inc()
		}
		return res, nil
	}
	if r.metrics != nil {
		r.metrics.CacheMissesTotal.Inc()
	}

	// The shared load outlives any single caller so that an abandoned wait
	// cannot leave a half-built entry behind.
	key := userID + "@" + strconv.FormatUint(epoch, 10)
	ch := r.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.LoadTimeout)
		defer cancel()

		res, err := r.load(loadCtx, userID, epoch)
		if err != nil {
			return nil, err
		}
		r.store(userID, res)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Val.(*resolution), nil
	}
}

func (r *Resolver) lookup(userID string, epoch uint64) (*resolution, bool) {
	res, ok := r.cache.Get(userID)
	if !ok {
		return nil, false
	}
	if res.epoch != epoch || (!res.validUntil.IsZero() && !r.now().Before(res.validUntil)) {
		return nil, false
	}
	return res, true
}

func (r *Resolver) store(userID string, res *resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.epoch != r.epoch {
		if r.metrics != nil {
			r.metrics.StaleResultsDiscards.Inc()
		}
		return
	}
	r.cache.Add(userID, res)
}

func (r *Resolver) load(ctx context.Context, userID string, epoch uint64) (res *resolution, err error) {
	ctx, span := r.tracer.Start(ctx, "rbac.Resolve", trace.WithAttributes(attribute.String("user_id", userID)))
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ResolutionDuration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if r.metrics != nil {
				r.metrics.ResolutionErrors.Inc()
			}
		}
		span.End()
	}()

	grants, err := r.source.UserRoleGrants(ctx, userID)
	if err != nil {
		return nil, unavailable("resolve", err)
	}

	now := r.now()
	res = &resolution{roles: []Role{}, epoch: epoch}
	seen := make(map[uuid.UUID]bool, len(grants))
	var roleIDs []uuid.UUID
	for _, g := range grants {
		if g.Role == nil || !g.Assignment.Effective(now) || seen[g.Role.ID] {
			continue
		}
		seen[g.Role.ID] = true
		res.roles = append(res.roles, *g.Role)
		roleIDs = append(roleIDs, g.Role.ID)
		if exp := g.Assignment.ExpiresAt; exp != nil && (res.validUntil.IsZero() || exp.Before(res.validUntil)) {
			res.validUntil = *exp
		}
	}
	sort.Slice(res.roles, func(i, j int) bool {
		if res.roles[i].Name != res.roles[j].Name {
			return res.roles[i].Name < res.roles[j].Name
		}
		return res.roles[i].ID.String() < res.roles[j].ID.String()
	})

	byRole, err := r.source.RolePermissions(ctx, roleIDs)
	if err != nil {
		return nil, unavailable("resolve", err)
	}
	var all []Permission
	for _, id := range roleIDs {
		all = append(all, byRole[id]...)
	}
	res.perms = NewPermissionSet(all...)

	span.SetAttributes(
		attribute.Int("roles", len(res.roles)),
		attribute.Int("permissions", res.perms.Len()),
	)
	return res, nil
}
