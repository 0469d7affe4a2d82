package retrier

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/CustomsBox/internal/cache/rediscache"
	"github.com/BearBump/CustomsBox/internal/metrics"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/BearBump/CustomsBox/internal/services/declarations"
)

type Repository interface {
	ClaimRetryableTransactions(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Transaction, error)
}

type Transactions interface {
	Retry(ctx context.Context, id uint64) (*models.Transaction, error)
	ExpireStale(ctx context.Context, maxAge time.Duration, limit int) (int, error)
}

type Submitter interface {
	Resubmit(ctx context.Context, id uint64) (*declarations.SubmitResult, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Retrier periodically claims failed declarations whose backoff has elapsed and sends them again.
type Retrier struct {
	repo   Repository
	txs    Transactions
	sender Submitter
	rl     RateLimiter
	m      *metrics.Metrics

	pollInterval     time.Duration
	batchSize        int
	concurrency      int
	lease            time.Duration
	rateLimitWindow  time.Duration
	rateLimitDefault int64
	rateLimits       map[string]int64
	expireAfter      time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalResubmitted    atomic.Int64
	totalApproved       atomic.Int64
	totalRateLimited    atomic.Int64
	totalExpired        atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, txs Transactions, sender Submitter, rl RateLimiter, m *metrics.Metrics) *Retrier {
	if m == nil {
		m = metrics.New()
	}
	return &Retrier{
		repo: repo, txs: txs, sender: sender, rl: rl, m: m,
		pollInterval:      30 * time.Second,
		batchSize:         50,
		concurrency:       4,
		lease:             5 * time.Minute,
		rateLimitWindow:   time.Minute,
		rateLimitDefault:  30,
		rateLimits:        map[string]int64{},
		expireAfter:       24 * time.Hour,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (r *Retrier) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Retrier {
	if pollInterval > 0 {
		r.pollInterval = pollInterval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	if lease > 0 {
		r.lease = lease
	}
	if rlPerMin > 0 {
		r.rateLimitDefault = rlPerMin
	}
	return r
}

// WithCountryRateLimits overrides the per-minute budget of single customs authorities.
func (r *Retrier) WithCountryRateLimits(perMin map[string]int64) *Retrier {
	for c, n := range perMin {
		if n > 0 {
			r.rateLimits[c] = n
		}
	}
	return r
}

// WithExpiry sets how long a pending or sent transaction may wait for a response. Zero disables the sweep.
func (r *Retrier) WithExpiry(after time.Duration) *Retrier {
	r.expireAfter = after
	return r
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (r *Retrier) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt        time.Time  `json:"started_at"`
	LastCycleAt      *time.Time `json:"last_cycle_at,omitempty"`
	LastTriggerAt    *time.Time `json:"last_trigger_at,omitempty"`
	TotalClaimed     int64      `json:"total_claimed"`
	TotalResubmitted int64      `json:"total_resubmitted"`
	TotalApproved    int64      `json:"total_approved"`
	TotalRateLimited int64      `json:"total_rate_limited"`
	TotalExpired     int64      `json:"total_expired"`
	TotalErrors      int64      `json:"total_errors"`
	InFlight         int64      `json:"in_flight"`
	LastError        string     `json:"last_error,omitempty"`
}

func (r *Retrier) Stats() Stats {
	st := Stats{
		StartedAt:        time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalClaimed:     r.totalClaimed.Load(),
		TotalResubmitted: r.totalResubmitted.Load(),
		TotalApproved:    r.totalApproved.Load(),
		TotalRateLimited: r.totalRateLimited.Load(),
		TotalExpired:     r.totalExpired.Load(),
		TotalErrors:      r.totalErrors.Load(),
		InFlight:         r.inFlight.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Retrier) Run(ctx context.Context) error {
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx)
		case <-r.triggerCh:
			r.runOnce(ctx)
		}
	}
}

func (r *Retrier) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	r.lastCycleUnixNano.Store(now.UnixNano())

	if r.expireAfter > 0 {
		n, err := r.txs.ExpireStale(ctx, r.expireAfter, r.batchSize)
		if err != nil {
			r.fail("expire stale transactions", 0, err)
		}
		r.totalExpired.Add(int64(n))
	}

	items, err := r.repo.ClaimRetryableTransactions(ctx, now, r.batchSize, r.lease)
	if err != nil {
		r.fail("claim retryable transactions", 0, err)
		return
	}
	r.totalClaimed.Add(int64(len(items)))
	r.m.RetrierClaimed.Add(float64(len(items)))

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, t := range items {
		sem <- struct{}{}
		wg.Add(1)
		r.inFlight.Add(1)
		go func() {
			defer func() {
				r.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := r.processOne(ctx, t); err != nil {
				r.fail("retry transaction", t.ID, err)
			}
		}()
	}
	wg.Wait()
}

// processOne leaves a rate-limited transaction claimed; it is picked up again when the lease runs out.
func (r *Retrier) processOne(ctx context.Context, t *models.Transaction) error {
	if r.rl != nil {
		limit := r.rateLimitDefault
		if n, ok := r.rateLimits[t.Country]; ok {
			limit = n
		}
		allowed, n, err := r.rl.Allow(ctx, rediscache.CountryKey(t.Country, r.rateLimitWindow, time.Now()), limit, r.rateLimitWindow+10*time.Second)
		if err != nil {
			return err
		}
		if !allowed {
			r.totalRateLimited.Add(1)
			slog.Warn("rate limit exceeded", "country", t.Country, "count", n, "transaction_id", t.ID)
			return nil
		}
	}

	if _, err := r.txs.Retry(ctx, t.ID); err != nil {
		return err
	}
	res, err := r.sender.Resubmit(ctx, t.ID)
	if err != nil {
		return err
	}
	r.totalResubmitted.Add(1)
	if res.Transaction.Status == models.StatusApproved {
		r.totalApproved.Add(1)
	}
	return nil
}

func (r *Retrier) fail(msg string, id uint64, err error) {
	r.totalErrors.Add(1)
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
	slog.Error(msg, "transaction_id", id, "error", err.Error())
}
