package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/CustomsBox/internal/cache"
	"github.com/BearBump/CustomsBox/internal/cache/rediscache"
	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/BearBump/CustomsBox/internal/metrics"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

type Repository interface {
	GetActiveToken(ctx context.Context, key models.TokenKey) (*models.AuthToken, error)
	ReplaceActiveToken(ctx context.Context, t *models.AuthToken) (*models.AuthToken, error)
	RecordTokenError(ctx context.Context, key models.TokenKey, msg string) error
	RevokeActiveToken(ctx context.Context, key models.TokenKey) (bool, error)
	CountStaleTokens(ctx context.Context, r models.TokenRetention) (map[models.TokenStatus]int64, error)
	DeleteStaleTokens(ctx context.Context, r models.TokenRetention) (map[models.TokenStatus]int64, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, company models.CompanyContext, service string) (*models.AuthToken, error)
}

// Locker serializes refreshes across processes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (*rediscache.Lock, bool, error)
}

const (
	DefaultRefreshThreshold = 5 * time.Minute
	DefaultExpiredRetention = 7 * 24 * time.Hour
	DefaultFailedRetention  = 24 * time.Hour
)

type Store struct {
	repo   Repository
	auth   Authenticator
	cache  cache.BytesCache
	locker Locker
	m      *metrics.Metrics
	group  singleflight.Group

	threshold      time.Duration
	refreshTimeout time.Duration
	lockTTL        time.Duration
	lockWait       time.Duration
	pollInterval   time.Duration

	now func() time.Time
}

// New builds a store. c and locker may be nil: lookups then go straight to the repository and
// refreshes are serialized only within this process.
func New(repo Repository, auth Authenticator, c cache.BytesCache, locker Locker, m *metrics.Metrics) *Store {
	if m == nil {
		m = metrics.New()
	}
	return &Store{
		repo: repo, auth: auth, cache: c, locker: locker, m: m,
		threshold:      DefaultRefreshThreshold,
		refreshTimeout: 60 * time.Second,
		lockTTL:        60 * time.Second,
		lockWait:       30 * time.Second,
		pollInterval:   250 * time.Millisecond,
		now:            time.Now,
	}
}

func (s *Store) WithSettings(threshold, refreshTimeout, lockTTL, lockWait time.Duration) *Store {
	if threshold > 0 {
		s.threshold = threshold
	}
	if refreshTimeout > 0 {
		s.refreshTimeout = refreshTimeout
	}
	if lockTTL > 0 {
		s.lockTTL = lockTTL
	}
	if lockWait > 0 {
		s.lockWait = lockWait
	}
	return s
}

func cacheKey(k models.TokenKey) string { return "wsaa:token:" + k.String() }
func lockKey(k models.TokenKey) string  { return "wsaa:lock:" + k.String() }

// GetValid returns an active token of company for service that stays valid beyond the refresh
// threshold, authenticating at most once per key at a time when none is available.
func (s *Store) GetValid(ctx context.Context, company models.CompanyContext, service string) (*models.AuthToken, error) {
	if service == "" {
		return nil, errors.New("service is required")
	}
	key := models.TokenKey{CompanyID: company.CompanyID, Service: service, Environment: company.Environment}

	if t := s.fromCache(ctx, key); t != nil {
		s.m.TokenLookups.WithLabelValues("cache").Inc()
		return t, nil
	}

	t, err := s.fromRepo(ctx, key)
	if err != nil {
		return nil, err
	}
	if t != nil {
		s.m.TokenLookups.WithLabelValues("db").Inc()
		return t, nil
	}

	s.m.TokenLookups.WithLabelValues("refresh").Inc()
	v, err, shared := s.group.Do(key.String(), func() (any, error) {
		// detached so one caller giving up does not fail everyone waiting on the same refresh
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
		defer cancel()
		return s.refresh(rctx, company, key)
	})
	if shared {
		slog.Debug("token refresh shared", "key", key.String())
	}
	if err != nil {
		return nil, err
	}
	return v.(*models.AuthToken), nil
}

func (s *Store) fromCache(ctx context.Context, key models.TokenKey) *models.AuthToken {
	if s.cache == nil {
		return nil
	}
	b, ok, err := s.cache.Get(ctx, cacheKey(key))
	if err != nil {
		slog.Warn("token cache get", "key", key.String(), "error", err.Error())
		return nil
	}
	if !ok {
		return nil
	}
	var t models.AuthToken
	if json.Unmarshal(b, &t) != nil || !t.UsableAt(s.now(), s.threshold) {
		return nil
	}
	return &t
}

// fromRepo returns (nil, nil) when no usable token is stored.
func (s *Store) fromRepo(ctx context.Context, key models.TokenKey) (*models.AuthToken, error) {
	t, err := s.repo.GetActiveToken(ctx, key)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !t.UsableAt(s.now(), s.threshold) {
		return nil, nil
	}
	s.toCache(ctx, t)
	return t, nil
}

func (s *Store) toCache(ctx context.Context, t *models.AuthToken) {
	if s.cache == nil {
		return
	}
	ttl := t.ExpiresAt.Sub(s.now()) - s.threshold
	if ttl <= 0 {
		return
	}
	b, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(t.Key()), b, ttl); err != nil {
		slog.Warn("token cache set", "key", t.Key().String(), "error", err.Error())
	}
}

func (s *Store) refresh(ctx context.Context, company models.CompanyContext, key models.TokenKey) (*models.AuthToken, error) {
	deadline := s.now().Add(s.lockWait)
	for {
		// another process may have finished a refresh while we were waiting
		t, err := s.fromRepo(ctx, key)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}

		release, ok := s.acquire(ctx, key)
		if ok {
			defer release()
			return s.authenticate(ctx, company, key)
		}

		if s.now().After(deadline) {
			return nil, customserr.WrapTransportError(
				fmt.Errorf("refresh of %s held elsewhere for %s", key, s.lockWait), "token refresh")
		}
		select {
		case <-ctx.Done():
			return nil, customserr.WrapTransportError(ctx.Err(), "token refresh")
		case <-time.After(s.pollInterval):
		}
	}
}

// acquire takes the cross-process lock. A Redis failure degrades to in-process serialization.
func (s *Store) acquire(ctx context.Context, key models.TokenKey) (func(), bool) {
	if s.locker == nil {
		return func() {}, true
	}
	lock, ok, err := s.locker.TryLock(ctx, lockKey(key), s.lockTTL)
	if err != nil {
		slog.Warn("token refresh lock unavailable", "key", key.String(), "error", err.Error())
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("token refresh unlock", "key", key.String(), "error", err.Error())
		}
	}, true
}

func (s *Store) authenticate(ctx context.Context, company models.CompanyContext, key models.TokenKey) (*models.AuthToken, error) {
	fresh, err := s.auth.Authenticate(ctx, company, key.Service)
	if err != nil {
		outcome := string(customserr.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		s.m.TokenRefreshes.WithLabelValues(outcome).Inc()
		slog.Error("token refresh failed", "key", key.String(), "kind", customserr.KindOf(err), "error", err.Error())
		if rerr := s.repo.RecordTokenError(context.WithoutCancel(ctx), key, err.Error()); rerr != nil {
			slog.Error("record token error", "key", key.String(), "error", rerr.Error())
		}
		return nil, err
	}

	saved, err := s.repo.ReplaceActiveToken(ctx, fresh)
	if err != nil {
		s.m.TokenRefreshes.WithLabelValues("store").Inc()
		return nil, err
	}
	s.m.TokenRefreshes.WithLabelValues("ok").Inc()
	s.toCache(ctx, saved)
	return saved, nil
}

// Invalidate revokes the active token of key. It returns models.ErrNotFound when there is none.
func (s *Store) Invalidate(ctx context.Context, key models.TokenKey) error {
	revoked, err := s.repo.RevokeActiveToken(ctx, key)
	if err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, cacheKey(key)); err != nil {
			slog.Warn("token cache evict", "key", key.String(), "error", err.Error())
		}
	}
	if !revoked {
		return models.ErrNotFound
	}
	slog.Info("token revoked", "key", key.String())
	return nil
}

type PurgePolicy struct {
	DryRun           bool
	CompanyID        uint64
	ExpiredRetention time.Duration
	FailedRetention  time.Duration
}

type PurgeReport struct {
	DryRun   bool                         `json:"dry_run"`
	Eligible int64                        `json:"eligible"`
	Deleted  int64                        `json:"deleted"`
	ByStatus map[models.TokenStatus]int64 `json:"by_status"`
}

// PurgeStale deletes tokens past retention: expired for ExpiredRetention, revoked or failed for
// FailedRetention. A dry run only counts.
func (s *Store) PurgeStale(ctx context.Context, p PurgePolicy) (PurgeReport, error) {
	if p.ExpiredRetention <= 0 {
		p.ExpiredRetention = DefaultExpiredRetention
	}
	if p.FailedRetention <= 0 {
		p.FailedRetention = DefaultFailedRetention
	}
	now := s.now().UTC()
	r := models.TokenRetention{
		CompanyID:     p.CompanyID,
		ExpiredBefore: now.Add(-p.ExpiredRetention),
		FailedBefore:  now.Add(-p.FailedRetention),
	}

	eligible, err := s.repo.CountStaleTokens(ctx, r)
	if err != nil {
		return PurgeReport{}, err
	}
	rep := PurgeReport{DryRun: p.DryRun, Eligible: sum(eligible), ByStatus: eligible}
	if p.DryRun {
		slog.Info("token purge dry run", "company_id", p.CompanyID, "eligible", rep.Eligible)
		return rep, nil
	}

	deleted, err := s.repo.DeleteStaleTokens(ctx, r)
	if err != nil {
		return rep, err
	}
	rep.Deleted = sum(deleted)
	rep.ByStatus = deleted
	for st, n := range deleted {
		s.m.TokensPurged.WithLabelValues(string(st)).Add(float64(n))
	}
	slog.Info("tokens purged", "company_id", p.CompanyID, "deleted", rep.Deleted)
	return rep, nil
}

func sum(m map[models.TokenStatus]int64) int64 {
	var n int64
	for _, v := range m {
		n += v
	}
	return n
}
