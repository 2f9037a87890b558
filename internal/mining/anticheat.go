package mining

import (
	"math/big"

	"github.com/pickaxe-app/pickaxe/internal/token"
)

// tolerancePercent is the accepted deviation between a client-reported
// amount and the server's recomputation. The band is inclusive: exactly
// 10% off is accepted, anything beyond is flagged.
const tolerancePercent = 10

// withinTolerance reports whether client is within the tolerance band
// around server. Comparison is done as |client-server|*100 <= server*10
// to stay in integer arithmetic with no rounding at the boundary.
func withinTolerance(server, client *big.Int) bool {
	diff := new(big.Int).Sub(client, server)
	diff.Abs(diff)
	lhs := diff.Mul(diff, big.NewInt(100))
	rhs := new(big.Int).Abs(server)
	rhs.Mul(rhs, big.NewInt(tolerancePercent))
	return lhs.Cmp(rhs) <= 0
}

// checkReport validates a client report against the server-computed amount
// and returns the updated validation record. A flagged report never blocks
// settlement and never changes the settled amount; it is recorded for
// later review.
func checkReport(val Validation, server *big.Int, report *ClientReport, serverElapsedMs int64) Validation {
	if report == nil {
		return val
	}
	client, ok := token.Parse(report.ReportedAmount)
	if !ok {
		val.Flagged = true
		val.FlaggedReasons = append(val.FlaggedReasons, "unparseable reported amount")
		return val
	}
	if !withinTolerance(server, client) {
		val.Flagged = true
		val.FlaggedReasons = append(val.FlaggedReasons,
			"reported amount "+report.ReportedAmount+" outside tolerance of server amount "+token.Format(server))
	}
	if report.ReportedElapsedMs > serverElapsedMs {
		drift := report.ReportedElapsedMs - serverElapsedMs
		// allow the same relative slack on elapsed time as on amount
		if drift*100 > serverElapsedMs*tolerancePercent {
			val.Flagged = true
			val.FlaggedReasons = append(val.FlaggedReasons, "reported elapsed time ahead of server clock")
		}
	}
	return val
}

// clampToCap bounds amount by the per-session cap. A zero or unparseable
// cap means no cap. Returns the (possibly reduced) amount and whether
// clamping occurred.
func clampToCap(amount *big.Int, cap string) (*big.Int, bool) {
	limit, ok := token.Parse(cap)
	if !ok || limit.Sign() <= 0 {
		return amount, false
	}
	if amount.Cmp(limit) > 0 {
		return limit, true
	}
	return amount, false
}
