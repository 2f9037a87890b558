package mining

import (
	"math/big"
	"time"

	"github.com/pickaxe-app/pickaxe/internal/token"
)

const msPerHour = 3_600_000

// Accrue computes the server-authoritative reward for a session at asOf,
// in micro-PICK. Elapsed time is clamped to [0, maxDuration] before the
// multiply, so the result is monotone non-decreasing in asOf and never
// exceeds rate*maxDuration. Pure integer math: the same inputs always
// produce the same output, with truncation toward zero at the division.
func Accrue(ratePerHour string, startedAt time.Time, maxDuration time.Duration, asOf time.Time) *big.Int {
	rate, ok := token.Parse(ratePerHour)
	if !ok {
		return new(big.Int)
	}
	elapsedMs := asOf.Sub(startedAt).Milliseconds()
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	if maxMs := maxDuration.Milliseconds(); elapsedMs > maxMs {
		elapsedMs = maxMs
	}
	out := new(big.Int).Mul(rate, big.NewInt(elapsedMs))
	return out.Quo(out, big.NewInt(msPerHour))
}

// accrueSession is Accrue applied to a session's snapshotted parameters.
func accrueSession(s *Session, asOf time.Time) *big.Int {
	return Accrue(s.RatePerHour, s.StartedAt, s.MaxDuration(), asOf)
}
