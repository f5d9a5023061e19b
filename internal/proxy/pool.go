package proxy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/metrics"
)

// DefaultCooldown excludes a failed proxy from selection for this long.
const DefaultCooldown = 5 * time.Minute

const persistTimeout = 2 * time.Second

// StateStore persists per-proxy runtime state across restarts. Save must
// ignore a state whose Version is not newer than the stored one.
type StateStore interface {
	Load(ctx context.Context) (map[string]State, error)
	Save(ctx context.Context, key string, state State) error
}

// Prober sends a lightweight request through a proxy.
type Prober interface {
	Probe(ctx context.Context, p Proxy) error
}

// Options configures a Pool.
type Options struct {
	Cooldown time.Duration
	Clock    crawler.Clock
	Rand     *rand.Rand
	Prober   Prober
	Store    StateStore
	Logger   *zap.Logger
}

// Pool selects proxies by lowest usage while skipping ones in cooldown. One
// mutex guards all bookkeeping and is never held during I/O.
type Pool struct {
	cooldown time.Duration
	clock    crawler.Clock
	prober   Prober
	store    StateStore
	logger   *zap.Logger

	mu      sync.Mutex
	rnd     *rand.Rand
	proxies []Proxy
	state   map[string]State
}

// NewPool builds an empty pool.
func NewPool(opts Options) (*Pool, error) {
	if opts.Clock == nil {
		return nil, fmt.Errorf("proxy pool clock is required")
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool{
		cooldown: opts.Cooldown,
		clock:    opts.Clock,
		prober:   opts.Prober,
		store:    opts.Store,
		logger:   opts.Logger,
		rnd:      opts.Rand,
		state:    make(map[string]State),
	}, nil
}

// Initialize replaces the pool contents. Duplicate servers are dropped and
// persisted state is restored when a StateStore is configured.
func (p *Pool) Initialize(ctx context.Context, list []Proxy) error {
	var restored map[string]State
	if p.store != nil {
		var err error
		restored, err = p.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load proxy state: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(list))
	proxies := make([]Proxy, 0, len(list))
	state := make(map[string]State, len(list))
	for _, px := range list {
		if _, dup := seen[px.Key()]; dup || px.Server == "" {
			continue
		}
		seen[px.Key()] = struct{}{}
		proxies = append(proxies, px)
		state[px.Key()] = restored[px.Key()]
	}

	p.mu.Lock()
	p.proxies = proxies
	p.state = state
	p.mu.Unlock()

	p.publishStats()
	p.logger.Info("proxy pool initialized", zap.Int("proxies", len(proxies)), zap.Int("restored", len(restored)))
	return nil
}

// Get returns the next proxy, or false when the pool is empty.
func (p *Pool) Get() (Proxy, bool) {
	p.mu.Lock()
	if len(p.proxies) == 0 {
		p.mu.Unlock()
		return Proxy{}, false
	}
	now := p.clock.Now()
	var cleared map[string]State
	candidates := p.availableLocked(now)
	if len(candidates) == 0 {
		p.resetFailuresLocked()
		cleared = make(map[string]State, len(p.state))
		for k, v := range p.state {
			cleared[k] = v
		}
		candidates = p.proxies
		p.logger.Warn("all proxies cooling down, failure set cleared", zap.Int("proxies", len(p.proxies)))
	}
	chosen := p.leastUsedLocked(candidates)
	st := p.state[chosen.Key()]
	st.UsageCount++
	st.Version++
	p.state[chosen.Key()] = st
	p.mu.Unlock()

	for k, v := range cleared {
		if k != chosen.Key() {
			p.persist(k, v)
		}
	}
	p.persist(chosen.Key(), st)
	if cleared != nil {
		p.publishStats()
	}
	return chosen, true
}

// MarkFailed starts the cooldown window for px.
func (p *Pool) MarkFailed(px Proxy, reason string) {
	p.mu.Lock()
	st, ok := p.state[px.Key()]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.LastFailureAt = p.clock.Now()
	st.LastReason = reason
	st.Version++
	p.state[px.Key()] = st
	p.mu.Unlock()

	metrics.ObserveProxyFailure()
	p.logger.Warn("proxy marked failed", zap.String("proxy", px.Server), zap.String("reason", reason))
	p.persist(px.Key(), st)
	p.publishStats()
}

// MarkSuccess clears any recorded failure for px.
func (p *Pool) MarkSuccess(px Proxy) {
	p.mu.Lock()
	st, ok := p.state[px.Key()]
	if !ok || st.LastFailureAt.IsZero() {
		p.mu.Unlock()
		return
	}
	st.LastFailureAt = time.Time{}
	st.LastReason = ""
	st.Version++
	p.state[px.Key()] = st
	p.mu.Unlock()

	p.persist(px.Key(), st)
	p.publishStats()
}

// HealthCheck probes px and records the outcome.
func (p *Pool) HealthCheck(ctx context.Context, px Proxy) bool {
	if p.prober == nil {
		return true
	}
	if err := p.prober.Probe(ctx, px); err != nil {
		p.MarkFailed(px, "health check: "+err.Error())
		return false
	}
	p.MarkSuccess(px)
	return true
}

// Sweep health-checks every proxy once and returns how many passed.
func (p *Pool) Sweep(ctx context.Context) int {
	p.mu.Lock()
	proxies := append([]Proxy(nil), p.proxies...)
	p.mu.Unlock()

	healthy := 0
	for _, px := range proxies {
		if ctx.Err() != nil {
			break
		}
		if p.HealthCheck(ctx, px) {
			healthy++
		}
	}
	p.logger.Info("proxy health sweep finished", zap.Int("healthy", healthy), zap.Int("total", len(proxies)))
	return healthy
}

// RunHealthChecks sweeps every interval until ctx is done.
func (p *Pool) RunHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// EntryStats describes one proxy for diagnostics.
type EntryStats struct {
	Server        string    `json:"server"`
	UsageCount    int64     `json:"usage_count"`
	CoolingDown   bool      `json:"cooling_down"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	LastReason    string    `json:"last_reason,omitempty"`
}

// Stats summarizes the pool.
type Stats struct {
	Total       int          `json:"total"`
	CoolingDown int          `json:"cooling_down"`
	Proxies     []EntryStats `json:"proxies"`
}

// Stats returns a snapshot of the pool sorted by server.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	out := Stats{Total: len(p.proxies), Proxies: make([]EntryStats, 0, len(p.proxies))}
	for _, px := range p.proxies {
		st := p.state[px.Key()]
		cooling := p.coolingLocked(st, now)
		if cooling {
			out.CoolingDown++
		}
		out.Proxies = append(out.Proxies, EntryStats{
			Server:        px.Server,
			UsageCount:    st.UsageCount,
			CoolingDown:   cooling,
			LastFailureAt: st.LastFailureAt,
			LastReason:    st.LastReason,
		})
	}
	sort.Slice(out.Proxies, func(i, j int) bool { return out.Proxies[i].Server < out.Proxies[j].Server })
	return out
}

func (p *Pool) availableLocked(now time.Time) []Proxy {
	out := make([]Proxy, 0, len(p.proxies))
	for _, px := range p.proxies {
		if p.coolingLocked(p.state[px.Key()], now) {
			continue
		}
		out = append(out, px)
	}
	return out
}

func (p *Pool) coolingLocked(st State, now time.Time) bool {
	return !st.LastFailureAt.IsZero() && now.Sub(st.LastFailureAt) < p.cooldown
}

func (p *Pool) leastUsedLocked(candidates []Proxy) Proxy {
	minUsage := p.state[candidates[0].Key()].UsageCount
	for _, px := range candidates[1:] {
		if u := p.state[px.Key()].UsageCount; u < minUsage {
			minUsage = u
		}
	}
	tied := make([]Proxy, 0, len(candidates))
	for _, px := range candidates {
		if p.state[px.Key()].UsageCount == minUsage {
			tied = append(tied, px)
		}
	}
	return tied[p.rnd.IntN(len(tied))]
}

func (p *Pool) resetFailuresLocked() {
	for key, st := range p.state {
		st.LastFailureAt = time.Time{}
		st.LastReason = ""
		st.Version++
		p.state[key] = st
	}
}

func (p *Pool) persist(key string, st State) {
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.store.Save(ctx, key, st); err != nil {
		p.logger.Warn("persist proxy state failed", zap.String("proxy", key), zap.Error(err))
	}
}

func (p *Pool) publishStats() {
	s := p.Stats()
	metrics.SetProxyPool(s.Total, s.CoolingDown)
}
