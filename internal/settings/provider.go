package settings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pickaxe-app/pickaxe/internal/logging"
)

// StoreProvider reads settings from a Store with a bounded refresh interval.
// When the store is unreachable it serves the last-known-good snapshot; only
// a cold start with no snapshot at all surfaces ErrUnavailable.
type StoreProvider struct {
	store    Store
	defaults Settings
	ttl      time.Duration

	mu        sync.RWMutex
	cached    Settings
	loadedAt  time.Time
	hasLoaded bool
}

// NewStoreProvider creates a provider over store. defaults fill in any keys
// the store has never seen; ttl bounds how stale a served snapshot can be
// while the store is healthy.
func NewStoreProvider(store Store, defaults Settings, ttl time.Duration) *StoreProvider {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StoreProvider{
		store:    store,
		defaults: defaults,
		ttl:      ttl,
	}
}

// Get returns the current settings snapshot, refreshing from the store when
// the cache has expired.
func (p *StoreProvider) Get(ctx context.Context) (Settings, error) {
	p.mu.RLock()
	if p.hasLoaded && time.Since(p.loadedAt) < p.ttl {
		snap := p.cached
		p.mu.RUnlock()
		return snap, nil
	}
	p.mu.RUnlock()

	return p.refresh(ctx)
}

func (p *StoreProvider) refresh(ctx context.Context) (Settings, error) {
	values, err := p.store.Load(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		if p.hasLoaded {
			// Stale-but-served: keep the last-known-good snapshot.
			logging.L(ctx).Warn("settings store unreachable, serving last snapshot", "error", err)
			return p.cached, nil
		}
		return Settings{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	p.cached = apply(p.defaults, values)
	p.loadedAt = time.Now()
	p.hasLoaded = true
	return p.cached, nil
}

// Update validates and persists new values, then refreshes the cache so
// subsequent session starts see them immediately.
func (p *StoreProvider) Update(ctx context.Context, values map[string]string) (Settings, error) {
	p.mu.RLock()
	base := p.cached
	if !p.hasLoaded {
		base = p.defaults
	}
	p.mu.RUnlock()

	next := apply(base, values)
	if err := next.Validate(); err != nil {
		return Settings{}, err
	}

	if err := p.store.Save(ctx, values); err != nil {
		return Settings{}, fmt.Errorf("failed to persist settings: %w", err)
	}

	p.mu.Lock()
	p.cached = next
	p.loadedAt = time.Now()
	p.hasLoaded = true
	p.mu.Unlock()

	return next, nil
}
