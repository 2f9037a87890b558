package mining

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestSweeper_RecordsDuration(t *testing.T) {
	svc, _, _, _ := testService(t)
	w := NewSweeper(svc, time.Hour)

	var before dto.Metric
	if err := sweepDuration.Write(&before); err != nil {
		t.Fatalf("reading histogram: %v", err)
	}

	w.sweep(context.Background())

	var after dto.Metric
	if err := sweepDuration.Write(&after); err != nil {
		t.Fatalf("reading histogram: %v", err)
	}
	got := after.GetHistogram().GetSampleCount() - before.GetHistogram().GetSampleCount()
	if got != 1 {
		t.Errorf("sweep pass recorded %d duration samples, want 1", got)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	svc, _, _, _ := testService(t)
	w := NewSweeper(svc, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
