// Package modelpool provides a process-wide bounded pool of loaded
// speech-recognition models with LRU eviction and out-of-memory fallback
// to smaller tiers.
package modelpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scribeworks/transcriptd/internal/domain"
)

// Handle is a borrowed model. Callers must Release exactly once.
type Handle struct {
	model       domain.Model
	tier        domain.Tier
	loadedAt    time.Time
	lastUsed    time.Time
	useCount    int64
	memoryBytes int64
}

// Tier returns the tier actually loaded, which may be smaller than the
// requested one after an OOM fallback.
func (h *Handle) Tier() domain.Tier { return h.tier }

// Model returns the underlying engine model.
func (h *Handle) Model() domain.Model { return h.model }

// UseCount returns how many Acquire calls have returned this handle.
func (h *Handle) UseCount() int64 { return h.useCount }

// MemoryBytes is the loader's best-effort memory estimate.
func (h *Handle) MemoryBytes() int64 { return h.memoryBytes }

// Stats is a snapshot of pool counters.
type Stats struct {
	Hits         int64            `json:"hits"`
	Misses       int64            `json:"misses"`
	Evictions    int64            `json:"evictions"`
	OOMFallbacks int64            `json:"oom_fallbacks"`
	TotalLoaded  int              `json:"total_loaded"`
	PerTierFree  map[string]int   `json:"per_tier_free"`
	HitRate      float64          `json:"hit_rate"`
}

// Pool is the bounded model pool. Bookkeeping lives behind one mutex;
// the actual model load runs outside it so a slow load does not block
// fast-path acquires.
type Pool struct {
	loader      domain.ModelLoader
	poolSize    int // soft cap of free handles per tier
	maxPoolSize int // hard cap of loaded handles overall

	mu     sync.Mutex
	free   map[domain.Tier][]*Handle
	busy   map[*Handle]struct{}
	loaded int // includes in-flight load reservations
	notify chan struct{}

	hits         int64
	misses       int64
	evictions    int64
	oomFallbacks int64
}

// New constructs a pool. poolSize bounds per-tier free handles;
// maxPoolSize bounds total loaded models.
func New(loader domain.ModelLoader, poolSize, maxPoolSize int) *Pool {
	if poolSize < 1 {
		poolSize = 1
	}
	if maxPoolSize < poolSize {
		maxPoolSize = poolSize
	}
	return &Pool{
		loader:      loader,
		poolSize:    poolSize,
		maxPoolSize: maxPoolSize,
		free:        make(map[domain.Tier][]*Handle),
		busy:        make(map[*Handle]struct{}),
		notify:      make(chan struct{}),
	}
}

// Acquire returns a model handle for tier, loading or evicting as
// needed. On out-of-memory the next smaller tier is tried, so the
// returned handle's Tier may differ from the request. Blocks up to
// timeout when the pool is saturated.
func (p *Pool) Acquire(ctx context.Context, tier domain.Tier, timeout time.Duration) (*Handle, error) {
	if !domain.ValidTier(tier) {
		return nil, fmt.Errorf("op=modelpool.acquire: tier %q: %w", tier, domain.ErrInvalidArgument)
	}
	deadline := time.Now().Add(timeout)
	for {
		h, wait, err := p.tryAcquire(ctx, tier)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}
		if !wait {
			// tryAcquire always returns a handle, an error, or asks
			// to wait; this is unreachable but keeps the loop total.
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("op=modelpool.acquire: tier %q after %s: %w", tier, timeout, domain.ErrPoolTimeout)
		}
		p.mu.Lock()
		ch := p.notify
		p.mu.Unlock()
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil, fmt.Errorf("op=modelpool.acquire: tier %q after %s: %w", tier, timeout, domain.ErrPoolTimeout)
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("op=modelpool.acquire: %w", ctx.Err())
		}
	}
}

// tryAcquire makes one pass: hit, load with a reserved slot, or report
// that the caller must wait.
func (p *Pool) tryAcquire(ctx context.Context, tier domain.Tier) (*Handle, bool, error) {
	p.mu.Lock()
	if set := p.free[tier]; len(set) > 0 {
		h := set[len(set)-1]
		p.free[tier] = set[:len(set)-1]
		p.busy[h] = struct{}{}
		h.lastUsed = time.Now()
		h.useCount++
		p.hits++
		p.mu.Unlock()
		return h, false, nil
	}
	p.misses++
	if p.loaded < p.maxPoolSize {
		p.loaded++ // reserve the slot before the slow load
		p.mu.Unlock()
		return p.loadLocked(ctx, tier)
	}
	if victim := p.lruVictim(); victim != nil {
		p.removeFree(victim)
		p.evictions++
		slog.Debug("model evicted",
			slog.String("tier", string(victim.tier)),
			slog.Int64("use_count", victim.useCount))
		// victim slot is reused for the new load; loaded stays flat
		p.mu.Unlock()
		return p.loadLocked(ctx, tier)
	}
	p.mu.Unlock()
	return nil, true, nil
}

// loadLocked loads a model with the slot already reserved, walking down
// the tier ladder on out-of-memory.
func (p *Pool) loadLocked(ctx context.Context, tier domain.Tier) (*Handle, bool, error) {
	cur := tier
	for {
		model, mem, err := p.loader.Load(ctx, cur)
		if err == nil {
			now := time.Now()
			h := &Handle{
				model:       model,
				tier:        cur,
				loadedAt:    now,
				lastUsed:    now,
				useCount:    1,
				memoryBytes: mem,
			}
			p.mu.Lock()
			p.busy[h] = struct{}{}
			p.mu.Unlock()
			return h, false, nil
		}
		if !errors.Is(err, domain.ErrOutOfMemory) {
			p.unreserve()
			return nil, false, fmt.Errorf("op=modelpool.load: tier %q: %w", cur, err)
		}
		next, ok := domain.NextSmaller(cur)
		if !ok {
			p.unreserve()
			return nil, false, fmt.Errorf("op=modelpool.load: tier %q exhausted fallback: %w", cur, domain.ErrOutOfMemory)
		}
		p.mu.Lock()
		p.oomFallbacks++
		p.mu.Unlock()
		slog.Warn("model load out of memory, falling back",
			slog.String("from", string(cur)),
			slog.String("to", string(next)))
		cur = next
	}
}

func (p *Pool) unreserve() {
	p.mu.Lock()
	p.loaded--
	p.wakeLocked()
	p.mu.Unlock()
}

// Release returns the handle to its tier's free set. When the free set
// is already at the soft cap the handle is unloaded instead.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.busy[h]; !ok {
		return
	}
	delete(p.busy, h)
	if len(p.free[h.tier]) >= p.poolSize {
		p.loaded--
		slog.Debug("model unloaded on release",
			slog.String("tier", string(h.tier)))
	} else {
		p.free[h.tier] = append(p.free[h.tier], h)
	}
	p.wakeLocked()
}

// lruVictim picks the least-recently-used free handle across all tiers,
// breaking lastUsed ties on lower useCount. Caller holds the mutex.
func (p *Pool) lruVictim() *Handle {
	var victim *Handle
	for _, set := range p.free {
		for _, h := range set {
			if victim == nil ||
				h.lastUsed.Before(victim.lastUsed) ||
				(h.lastUsed.Equal(victim.lastUsed) && h.useCount < victim.useCount) {
				victim = h
			}
		}
	}
	return victim
}

// removeFree drops h from its tier's free set. Caller holds the mutex.
func (p *Pool) removeFree(h *Handle) {
	set := p.free[h.tier]
	for i, x := range set {
		if x == h {
			p.free[h.tier] = append(set[:i], set[i+1:]...)
			return
		}
	}
}

// wakeLocked wakes all waiters. Caller holds the mutex.
func (p *Pool) wakeLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// AcquireModel is the usecase-facing form of Acquire: it hands out the
// model plus a release closure so callers need not hold the Handle.
func (p *Pool) AcquireModel(ctx context.Context, tier domain.Tier, timeout time.Duration) (domain.Model, func(), error) {
	h, err := p.Acquire(ctx, tier, timeout)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return h.Model(), func() { once.Do(func() { p.Release(h) }) }, nil
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	perTier := make(map[string]int, len(p.free))
	for tier, set := range p.free {
		perTier[string(tier)] = len(set)
	}
	s := Stats{
		Hits:         p.hits,
		Misses:       p.misses,
		Evictions:    p.evictions,
		OOMFallbacks: p.oomFallbacks,
		TotalLoaded:  p.loaded,
		PerTierFree:  perTier,
	}
	if total := p.hits + p.misses; total > 0 {
		s.HitRate = float64(p.hits) / float64(total)
	}
	return s
}
