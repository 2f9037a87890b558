// Package settings supplies the admin-tunable mining parameters.
//
// The live values (rate, session cap, maintenance flag) are stored as a
// key/value table so admins can change them at runtime. The mining service
// never reads them mid-session: it snapshots values onto each session at
// start so later changes cannot retroactively alter an in-flight session.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pickaxe-app/pickaxe/internal/token"
)

var (
	ErrUnavailable  = errors.New("settings: provider unavailable and no snapshot held")
	ErrInvalidValue = errors.New("settings: invalid value")
)

// Keys understood by the settings store.
const (
	KeyRatePerHour       = "mining_rate_per_hour"
	KeyMaxSessionSeconds = "max_session_seconds"
	KeyPerSessionCap     = "per_session_cap"
	KeyMaintenanceMode   = "maintenance_mode"
)

// Settings is one coherent snapshot of the mining parameters.
type Settings struct {
	RatePerHour       string `json:"ratePerHour"`
	MaxSessionSeconds int    `json:"maxSessionSeconds"`
	PerSessionCap     string `json:"perSessionCap"`
	MaintenanceMode   bool   `json:"maintenanceMode"`
}

// MaxSessionDuration returns the session cap as a duration.
func (s Settings) MaxSessionDuration() time.Duration {
	return time.Duration(s.MaxSessionSeconds) * time.Second
}

// Validate rejects snapshots that would break accrual math.
func (s Settings) Validate() error {
	if amt, ok := token.Parse(s.RatePerHour); !ok || amt.Sign() < 0 {
		return fmt.Errorf("%w: ratePerHour %q", ErrInvalidValue, s.RatePerHour)
	}
	if amt, ok := token.Parse(s.PerSessionCap); !ok || amt.Sign() < 0 {
		return fmt.Errorf("%w: perSessionCap %q", ErrInvalidValue, s.PerSessionCap)
	}
	if s.MaxSessionSeconds <= 0 {
		return fmt.Errorf("%w: maxSessionSeconds %d", ErrInvalidValue, s.MaxSessionSeconds)
	}
	return nil
}

// Provider yields the current settings snapshot. Implementations may serve
// a bounded-staleness cache; callers must treat the result as a snapshot,
// not a live view.
type Provider interface {
	Get(ctx context.Context) (Settings, error)
}

// Store persists the raw key/value pairs.
type Store interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, values map[string]string) error
}

// apply folds raw key/value pairs into a snapshot, ignoring unknown keys
// and malformed values so one bad row cannot poison the whole snapshot.
func apply(base Settings, values map[string]string) Settings {
	out := base
	for key, value := range values {
		switch key {
		case KeyRatePerHour:
			if _, ok := token.Parse(value); ok {
				out.RatePerHour = value
			}
		case KeyMaxSessionSeconds:
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				out.MaxSessionSeconds = n
			}
		case KeyPerSessionCap:
			if _, ok := token.Parse(value); ok {
				out.PerSessionCap = value
			}
		case KeyMaintenanceMode:
			if b, err := strconv.ParseBool(value); err == nil {
				out.MaintenanceMode = b
			}
		}
	}
	return out
}

// Static is a fixed-value provider for demo mode and tests.
type Static struct {
	Settings Settings
}

func (s *Static) Get(context.Context) (Settings, error) {
	return s.Settings, nil
}
