package mining

import (
	"math/big"
	"testing"
	"time"

	"github.com/pickaxe-app/pickaxe/internal/token"
)

func TestAccrue_FullHourAtDefaultRate(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got := Accrue("0.125", start, 24*time.Hour, start.Add(time.Hour))
	if want := "0.125000"; token.Format(got) != want {
		t.Errorf("one hour at 0.125/hr = %s, want %s", token.Format(got), want)
	}
}

func TestAccrue_Deterministic(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	asOf := start.Add(37*time.Minute + 13*time.Second)
	a := Accrue("0.125", start, 24*time.Hour, asOf)
	b := Accrue("0.125", start, 24*time.Hour, asOf)
	if a.Cmp(b) != 0 {
		t.Errorf("same inputs produced %s and %s", a, b)
	}
}

func TestAccrue_MonotoneNonDecreasing(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	prev := big.NewInt(-1)
	for _, offset := range []time.Duration{
		0, time.Millisecond, time.Second, time.Minute,
		time.Hour, 12 * time.Hour, 24 * time.Hour, 48 * time.Hour,
	} {
		got := Accrue("0.125", start, 24*time.Hour, start.Add(offset))
		if got.Cmp(prev) < 0 {
			t.Fatalf("accrual decreased at offset %v: %s < %s", offset, got, prev)
		}
		prev = got
	}
}

func TestAccrue_CappedAtMaxDuration(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	atCap := Accrue("0.125", start, 24*time.Hour, start.Add(24*time.Hour))
	past := Accrue("0.125", start, 24*time.Hour, start.Add(72*time.Hour))
	if atCap.Cmp(past) != 0 {
		t.Errorf("past-cap accrual %s differs from at-cap %s", past, atCap)
	}
	if want := "3.000000"; token.Format(atCap) != want {
		t.Errorf("24h at 0.125/hr = %s, want %s", token.Format(atCap), want)
	}
}

func TestAccrue_ClockBeforeStart(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got := Accrue("0.125", start, 24*time.Hour, start.Add(-time.Minute))
	if got.Sign() != 0 {
		t.Errorf("negative elapsed accrued %s, want zero", got)
	}
}

func TestAccrue_TruncatesTowardZero(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// 1ms at 0.125/hr is 125000/3600000 micro, well below one micro
	got := Accrue("0.125", start, 24*time.Hour, start.Add(time.Millisecond))
	if got.Sign() != 0 {
		t.Errorf("1ms accrued %s, want zero", got)
	}
}

func TestAccrue_InvalidRate(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got := Accrue("not-a-number", start, 24*time.Hour, start.Add(time.Hour))
	if got.Sign() != 0 {
		t.Errorf("invalid rate accrued %s, want zero", got)
	}
}
