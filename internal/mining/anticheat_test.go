package mining

import (
	"math/big"
	"testing"
)

func TestWithinTolerance(t *testing.T) {
	tests := []struct {
		name   string
		server int64
		client int64
		want   bool
	}{
		{"exact match", 1_000_000, 1_000_000, true},
		{"exactly 10 percent over", 1_000_000, 1_100_000, true},
		{"exactly 10 percent under", 1_000_000, 900_000, true},
		{"one micro past the band", 1_000_000, 1_100_001, false},
		{"one micro below the band", 1_000_000, 899_999, false},
		{"well outside", 1_000_000, 2_000_000, false},
		{"zero server zero client", 0, 0, true},
		{"zero server nonzero client", 0, 1, false},
		{"tiny amounts inside band", 10, 11, true},
		{"tiny amounts outside band", 10, 12, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := withinTolerance(big.NewInt(tt.server), big.NewInt(tt.client))
			if got != tt.want {
				t.Errorf("withinTolerance(%d, %d) = %v, want %v", tt.server, tt.client, got, tt.want)
			}
		})
	}
}

func TestCheckReport_FlagsOutsideTolerance(t *testing.T) {
	server := big.NewInt(1_000_000) // 1.000000
	val := checkReport(Validation{}, server, &ClientReport{ReportedAmount: "1.200000"}, 3_600_000)
	if !val.Flagged {
		t.Fatal("report 20% over was not flagged")
	}
	if len(val.FlaggedReasons) == 0 {
		t.Error("flagged validation has no reasons")
	}
}

func TestCheckReport_AcceptsBoundary(t *testing.T) {
	server := big.NewInt(1_000_000)
	val := checkReport(Validation{}, server, &ClientReport{ReportedAmount: "1.100000"}, 3_600_000)
	if val.Flagged {
		t.Errorf("report at exactly +10%% was flagged: %v", val.FlaggedReasons)
	}
}

func TestCheckReport_FlagsUnparseableAmount(t *testing.T) {
	val := checkReport(Validation{}, big.NewInt(1_000_000), &ClientReport{ReportedAmount: "1.1.1"}, 3_600_000)
	if !val.Flagged {
		t.Error("unparseable report amount was not flagged")
	}
}

func TestCheckReport_FlagsClockAheadOfServer(t *testing.T) {
	val := checkReport(Validation{}, big.NewInt(1_000_000), &ClientReport{
		ReportedAmount:    "1.000000",
		ReportedElapsedMs: 5_000_000, // server saw 3.6M ms
	}, 3_600_000)
	if !val.Flagged {
		t.Error("elapsed time far ahead of server clock was not flagged")
	}
}

func TestCheckReport_NilReportUnchanged(t *testing.T) {
	in := Validation{Flagged: true, FlaggedReasons: []string{"earlier"}}
	out := checkReport(in, big.NewInt(1), nil, 1000)
	if !out.Flagged || len(out.FlaggedReasons) != 1 {
		t.Error("nil report mutated validation record")
	}
}

func TestCheckReport_NeverClearsFlag(t *testing.T) {
	in := Validation{Flagged: true, FlaggedReasons: []string{"earlier"}}
	out := checkReport(in, big.NewInt(1_000_000), &ClientReport{ReportedAmount: "1.000000"}, 3_600_000)
	if !out.Flagged {
		t.Error("clean report cleared an existing flag")
	}
}

func TestClampToCap(t *testing.T) {
	amount := big.NewInt(5_000_000) // 5.0

	got, clamped := clampToCap(amount, "3.0")
	if !clamped || got.Cmp(big.NewInt(3_000_000)) != 0 {
		t.Errorf("clampToCap(5.0, 3.0) = %s clamped=%v", got, clamped)
	}

	got, clamped = clampToCap(amount, "10.0")
	if clamped || got.Cmp(amount) != 0 {
		t.Errorf("cap above amount clamped: %s clamped=%v", got, clamped)
	}

	got, clamped = clampToCap(amount, "")
	if clamped || got.Cmp(amount) != 0 {
		t.Errorf("empty cap clamped: %s clamped=%v", got, clamped)
	}

	got, clamped = clampToCap(amount, "0")
	if clamped || got.Cmp(amount) != 0 {
		t.Errorf("zero cap should mean uncapped, got %s clamped=%v", got, clamped)
	}
}
