package mining

import (
	"context"
	"time"

	"github.com/pickaxe-app/pickaxe/internal/logging"
)

const sweepBatchSize = 100

// Sweeper periodically expires overrun sessions and recovers lost credits.
// It is the safety net for clients that vanish mid-session and for credit
// writes that failed after settlement.
type Sweeper struct {
	service  *Service
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. One pass runs immediately so a restart
// does not wait a full interval to reclaim orphaned sessions.
func (w *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.sweep(ctx)
		for {
			select {
			case <-ticker.C:
				w.sweep(ctx)
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (w *Sweeper) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Sweeper) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("sweep panicked", "panic", r)
		}
	}()

	sweepRuns.Inc()
	start := time.Now()
	expired, credited := w.service.Sweep(ctx, sweepBatchSize)
	elapsed := time.Since(start)
	sweepDuration.Observe(elapsed.Seconds())
	if expired > 0 || credited > 0 {
		logging.L(ctx).Info("sweep pass finished",
			"expired", expired,
			"credits_recovered", credited,
			"duration_ms", elapsed.Milliseconds())
	}
}
