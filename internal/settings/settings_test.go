package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var testDefaults = Settings{
	RatePerHour:       "0.125",
	MaxSessionSeconds: 86400,
	PerSessionCap:     "3.0",
}

// failStore returns an error on Load after an optional number of successes.
type failStore struct {
	mu        sync.Mutex
	values    map[string]string
	loadsLeft int // loads that succeed before failing; -1 = always succeed
}

func (f *failStore) Load(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadsLeft == 0 {
		return nil, errors.New("store down")
	}
	if f.loadsLeft > 0 {
		f.loadsLeft--
	}
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out, nil
}

func (f *failStore) Save(_ context.Context, values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.values = make(map[string]string)
	}
	for k, v := range values {
		f.values[k] = v
	}
	return nil
}

func TestStoreProvider_DefaultsWhenEmpty(t *testing.T) {
	p := NewStoreProvider(NewMemoryStore(), testDefaults, time.Minute)

	snap, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.RatePerHour != "0.125" || snap.MaxSessionSeconds != 86400 {
		t.Errorf("expected defaults, got %+v", snap)
	}
	if snap.MaintenanceMode {
		t.Error("maintenance mode should default to false")
	}
}

func TestStoreProvider_AppliesStoredValues(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Save(context.Background(), map[string]string{
		KeyRatePerHour:     "0.25",
		KeyMaintenanceMode: "true",
	})
	p := NewStoreProvider(store, testDefaults, time.Minute)

	snap, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.RatePerHour != "0.25" {
		t.Errorf("expected stored rate 0.25, got %s", snap.RatePerHour)
	}
	if !snap.MaintenanceMode {
		t.Error("expected maintenance mode on")
	}
	// Keys not present keep defaults
	if snap.PerSessionCap != "3.0" {
		t.Errorf("expected default cap, got %s", snap.PerSessionCap)
	}
}

func TestStoreProvider_IgnoresMalformedValues(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Save(context.Background(), map[string]string{
		KeyRatePerHour:       "not-a-number",
		KeyMaxSessionSeconds: "-5",
	})
	p := NewStoreProvider(store, testDefaults, time.Minute)

	snap, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.RatePerHour != "0.125" || snap.MaxSessionSeconds != 86400 {
		t.Errorf("malformed values should fall back to defaults, got %+v", snap)
	}
}

func TestStoreProvider_ServesSnapshotWhenStoreDown(t *testing.T) {
	store := &failStore{
		values:    map[string]string{KeyRatePerHour: "0.5"},
		loadsLeft: 1,
	}
	p := NewStoreProvider(store, testDefaults, time.Nanosecond)

	// First load succeeds and caches.
	snap, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	if snap.RatePerHour != "0.5" {
		t.Fatalf("expected 0.5, got %s", snap.RatePerHour)
	}

	time.Sleep(time.Millisecond) // force a cache miss

	// Store is now down; the last-known-good snapshot is served.
	snap, err = p.Get(context.Background())
	if err != nil {
		t.Fatalf("expected stale snapshot, got error: %v", err)
	}
	if snap.RatePerHour != "0.5" {
		t.Errorf("expected cached 0.5, got %s", snap.RatePerHour)
	}
}

func TestStoreProvider_UnavailableWithNoSnapshot(t *testing.T) {
	store := &failStore{loadsLeft: 0}
	p := NewStoreProvider(store, testDefaults, time.Minute)

	_, err := p.Get(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestStoreProvider_UpdateValidatesAndRefreshes(t *testing.T) {
	p := NewStoreProvider(NewMemoryStore(), testDefaults, time.Hour)

	snap, err := p.Update(context.Background(), map[string]string{KeyRatePerHour: "1.0"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if snap.RatePerHour != "1.0" {
		t.Errorf("expected updated rate, got %s", snap.RatePerHour)
	}

	// Cache reflects the update without waiting for TTL.
	snap, _ = p.Get(context.Background())
	if snap.RatePerHour != "1.0" {
		t.Errorf("expected cache refresh after update, got %s", snap.RatePerHour)
	}
}

func TestSettings_Validate(t *testing.T) {
	bad := Settings{RatePerHour: "abc", MaxSessionSeconds: 60, PerSessionCap: "1"}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}

	good := Settings{RatePerHour: "0.125", MaxSessionSeconds: 60, PerSessionCap: "1"}
	if err := good.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
