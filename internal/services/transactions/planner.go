package transactions

import (
	"math/rand"
	"sync"
	"time"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	Backoff1 time.Duration // default: 5 minutes
	Backoff2 time.Duration // default: 15 minutes
	Backoff3 time.Duration // default: 30 minutes
	Backoff4 time.Duration // default: 60 minutes

	// Jitter adds up to this fraction of the delay, spreading retries of a failed batch.
	Jitter float64
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Backoff1: 5 * time.Minute,
		Backoff2: 15 * time.Minute,
		Backoff3: 30 * time.Minute,
		Backoff4: 60 * time.Minute,
	}
}

// Planner decides when a failed declaration is attempted again.
// Planner is safe for concurrent use; completions run from the retrier pool and the API at once.
type Planner struct {
	cfg PlannerConfig

	mu sync.Mutex // guards r
	r  Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

// BackoffDelay is the wait before attempt number attempt (1-based) of the same declaration.
func (p *Planner) BackoffDelay(attempt int32) time.Duration {
	var d time.Duration
	switch {
	case attempt <= 1:
		d = p.cfg.Backoff1
	case attempt == 2:
		d = p.cfg.Backoff2
	case attempt == 3:
		d = p.cfg.Backoff3
	default:
		d = p.cfg.Backoff4
	}
	if p.cfg.Jitter > 0 {
		if span := int(float64(d/time.Second) * p.cfg.Jitter); span > 0 {
			d += time.Duration(p.intn(span+1)) * time.Second
		}
	}
	return d
}

func (p *Planner) intn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.r.Intn(n)
}
