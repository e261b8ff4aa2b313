package clearance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// DefaultCacheTTL bounds how long a resolved clearance is reused.
const DefaultCacheTTL = 5 * time.Minute

var (
	// ErrNotFound is returned by a Store for a missing row.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a decision does not apply to the
	// override's current status.
	ErrInvalidTransition = errors.New("invalid override status transition")

	// ErrInvalidationFailed means the decision was persisted but the cached
	// clearance could not be evicted. The decision must not be acknowledged.
	ErrInvalidationFailed = errors.New("clearance invalidation failed")
)

// Store loads permission data. It is implemented by the permission store.
type Store interface {
	// GetUserPermission returns ErrNotFound when the user has no row.
	GetUserPermission(ctx context.Context, userID string) (*UserPermission, error)
	GetOverrides(ctx context.Context, userID string) ([]Override, error)
	GetOverride(ctx context.Context, id string) (Override, error)
	UpdateOverrideStatus(ctx context.Context, id string, status OverrideStatus, active bool) (Override, error)
	// ListExpirable returns approved, active overrides whose ValidUntil is before now.
	ListExpirable(ctx context.Context, now time.Time) ([]Override, error)
}

// Decision is an action on an override in the approval workflow.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	DecisionRevoke  Decision = "revoke"
	DecisionCancel  Decision = "cancel"
)

type transition struct {
	from   OverrideStatus
	to     OverrideStatus
	active bool
}

var transitions = map[Decision]transition{
	DecisionApprove: {from: StatusPending, to: StatusApproved, active: true},
	DecisionDeny:    {from: StatusPending, to: StatusDenied, active: false},
	DecisionRevoke:  {from: StatusApproved, to: StatusRevoked, active: false},
	DecisionCancel:  {from: StatusPending, to: StatusCancelled, active: false},
}

// ParseDecision maps a request string to a Decision.
func ParseDecision(s string) (Decision, error) {
	d := Decision(s)
	if _, ok := transitions[d]; !ok {
		return "", fmt.Errorf("unknown decision %q", s)
	}
	return d, nil
}

// Service resolves and caches clearances and keeps the cache coherent with
// override decisions. A single Service is shared by all requests.
type Service struct {
	store       Store
	cache       Cache
	broadcaster Broadcaster
	ttl         time.Duration
	now         func() time.Time
	logger      *zap.Logger
	metrics     *Metrics
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithBroadcaster publishes invalidations to other instances.
func WithBroadcaster(b Broadcaster) ServiceOption {
	return func(s *Service) { s.broadcaster = b }
}

// WithCacheTTL sets the upper bound on cached clearance lifetime.
func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics records resolution counters.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service. cache may be nil to disable caching.
func NewService(store Store, cache Cache, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("clearance store cannot be nil")
	}
	s := &Service{
		store:  store,
		cache:  cache,
		ttl:    DefaultCacheTTL,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ResolveUser returns the user's effective clearance, from cache when fresh.
// A missing permission row resolves to General and logs a warning. Data
// integrity errors fail the request.
func (s *Service) ResolveUser(ctx context.Context, userID string) (Effective, error) {
	ctx, span := tracer().Start(ctx, "clearance.ResolveUser")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	if userID == "" {
		return Effective{}, fmt.Errorf("user id cannot be empty")
	}

	now := s.now()
	if s.cache != nil {
		eff, ok, err := s.cache.Get(ctx, userID)
		switch {
		case err != nil:
			s.logger.Warn("clearance cache read failed, resolving from store",
				zap.String("user_id", userID), zap.Error(err))
		case ok && (eff.RefreshAt.IsZero() || now.Before(eff.RefreshAt)):
			span.SetAttributes(attribute.Bool("clearance.cached", true))
			s.metrics.recordResolve(ctx, "cache")
			return eff, nil
		}
	}

	// The generation is read before the store so a decision landing
	// mid-resolve prevents this result from being cached.
	cacheable := s.cache != nil
	var gen uint64
	if cacheable {
		var err error
		if gen, err = s.cache.Generation(ctx, userID); err != nil {
			cacheable = false
			s.logger.Warn("clearance cache generation unavailable, result will not be cached",
				zap.String("user_id", userID), zap.Error(err))
		}
	}

	perm, err := s.store.GetUserPermission(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		perm, err = nil, nil
		s.logger.Warn("no permission row for user, defaulting to GENERAL",
			zap.String("user_id", userID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load permission")
		return Effective{}, fmt.Errorf("loading permission for %s: %w", userID, err)
	}

	overrides, err := s.store.GetOverrides(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load overrides")
		return Effective{}, fmt.Errorf("loading overrides for %s: %w", userID, err)
	}

	eff, err := Resolve(userID, perm, overrides, now)
	if err != nil {
		s.metrics.recordIntegrityError(ctx)
		s.logger.Error("clearance data integrity violation",
			zap.String("user_id", userID), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "data integrity")
		return Effective{}, err
	}

	if eff.FromDefault {
		s.metrics.recordResolve(ctx, "default")
	} else {
		s.metrics.recordResolve(ctx, "store")
	}
	span.SetAttributes(
		attribute.Int("clearance.org", int(eff.OrgValue)),
		attribute.Int("clearance.dept", int(eff.DeptValue)),
	)

	if cacheable {
		err := s.cache.Set(ctx, eff, s.cacheTTL(eff, now), gen)
		switch {
		case errors.Is(err, ErrStaleGeneration):
			s.logger.Debug("clearance changed during resolve, not cached",
				zap.String("user_id", userID))
		case err != nil:
			s.logger.Warn("clearance cache write failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
	return eff, nil
}

// cacheTTL never lets an entry outlive the next scheduled override change.
func (s *Service) cacheTTL(eff Effective, now time.Time) time.Duration {
	ttl := s.ttl
	if !eff.RefreshAt.IsZero() {
		if remaining := eff.RefreshAt.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

// ApplyOverrideDecision persists a workflow decision and evicts the user's
// cached clearance before returning, locally and through the broadcaster.
// If eviction fails the error wraps ErrInvalidationFailed; repeating the
// same decision then skips the status update and retries the eviction.
func (s *Service) ApplyOverrideDecision(ctx context.Context, overrideID string, decision Decision) (Override, error) {
	ctx, span := tracer().Start(ctx, "clearance.ApplyOverrideDecision")
	defer span.End()
	span.SetAttributes(
		attribute.String("override.id", overrideID),
		attribute.String("override.decision", string(decision)),
	)

	t, ok := transitions[decision]
	if !ok {
		return Override{}, fmt.Errorf("unknown decision %q", decision)
	}

	current, err := s.store.GetOverride(ctx, overrideID)
	if err != nil {
		return Override{}, fmt.Errorf("loading override %s: %w", overrideID, err)
	}

	var updated Override
	switch current.Status {
	case t.to:
		updated = current
		span.SetAttributes(attribute.Bool("override.repeated", true))
	case t.from:
		updated, err = s.store.UpdateOverrideStatus(ctx, overrideID, t.to, t.active)
		if err != nil {
			span.RecordError(err)
			return Override{}, fmt.Errorf("updating override %s: %w", overrideID, err)
		}
	default:
		return Override{}, fmt.Errorf("%w: cannot %s override in status %s",
			ErrInvalidTransition, decision, current.Status)
	}

	if err := s.invalidate(ctx, Invalidation{
		UserID:     updated.UserID,
		OverrideID: overrideID,
		Reason:     string(decision),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalidate")
		return updated, err
	}

	s.logger.Info("override decision applied",
		zap.String("override_id", overrideID),
		zap.String("user_id", updated.UserID),
		zap.String("decision", string(decision)),
		zap.String("status", string(updated.Status)))
	return updated, nil
}

// ExpireOverrides marks approved overrides past ValidUntil as expired and
// invalidates each affected user. It returns the number expired.
func (s *Service) ExpireOverrides(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer().Start(ctx, "clearance.ExpireOverrides")
	defer span.End()

	expirable, err := s.store.ListExpirable(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing expirable overrides: %w", err)
	}

	var (
		expired int
		errs    []error
		users   = make(map[string]struct{})
	)
	for _, o := range expirable {
		if _, err := s.store.UpdateOverrideStatus(ctx, o.ID, StatusExpired, false); err != nil {
			errs = append(errs, fmt.Errorf("expiring override %s: %w", o.ID, err))
			continue
		}
		expired++
		users[o.UserID] = struct{}{}
	}
	for userID := range users {
		if err := s.invalidate(ctx, Invalidation{UserID: userID, Reason: "expired"}); err != nil {
			errs = append(errs, err)
		}
	}

	s.metrics.recordExpired(ctx, expired)
	span.SetAttributes(attribute.Int("overrides.expired", expired))
	if expired > 0 {
		s.logger.Info("expired overrides", zap.Int("count", expired), zap.Int("users", len(users)))
	}
	return expired, errors.Join(errs...)
}

// Invalidate evicts a user's cached clearance everywhere.
func (s *Service) Invalidate(ctx context.Context, userID string) error {
	return s.invalidate(ctx, Invalidation{UserID: userID, Reason: "manual"})
}

func (s *Service) invalidate(ctx context.Context, inv Invalidation) error {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, inv.UserID); err != nil {
			return fmt.Errorf("%w: user %s: %w", ErrInvalidationFailed, inv.UserID, err)
		}
	}
	s.metrics.recordInvalidation(ctx, "local")

	if s.broadcaster != nil {
		if err := s.broadcaster.Publish(ctx, inv); err != nil {
			return fmt.Errorf("%w: broadcast for %s: %w", ErrInvalidationFailed, inv.UserID, err)
		}
	}
	return nil
}

// ListenInvalidations evicts cached clearances named by remote
// invalidations until ctx is done. It returns once the subscription is live.
func (s *Service) ListenInvalidations(ctx context.Context) error {
	if s.broadcaster == nil {
		return fmt.Errorf("no broadcaster configured")
	}
	if s.cache == nil {
		return nil
	}
	_, err := s.broadcaster.Subscribe(ctx, func(inv Invalidation) {
		// The handler context outlives individual requests.
		if err := s.cache.Invalidate(context.Background(), inv.UserID); err != nil {
			s.logger.Error("remote invalidation failed",
				zap.String("user_id", inv.UserID), zap.Error(err))
			return
		}
		s.metrics.recordInvalidation(ctx, "remote")
		s.logger.Debug("remote invalidation applied",
			zap.String("user_id", inv.UserID),
			zap.String("reason", inv.Reason))
	})
	if err != nil {
		return fmt.Errorf("listening for invalidations: %w", err)
	}
	return nil
}
