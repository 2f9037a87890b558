package token

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one token", "1.00", 1_000_000},
		{"eighth", "0.125", 125_000},
		{"whole", "100", 100_000_000},
		{"smallest unit", "0.000001", 1},
		{"whole and frac", "1.500000", 1_500_000},
		{"short frac", "1.5", 1_500_000},
		{"six decimals", "1.123456", 1_123_456},
		{"large amount", "999999.999999", 999_999_999_999},
		{"leading zeros", "003.00", 3_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"-1", "1.2.3", "abc", "1,5"} {
		if _, ok := Parse(input); ok {
			t.Errorf("Parse(%q) = ok, want invalid", input)
		}
	}
}

func TestParse_EmptyIsZero(t *testing.T) {
	got, ok := Parse("")
	if !ok || got.Sign() != 0 {
		t.Errorf("Parse(\"\") = %v %v, want 0 true", got, ok)
	}
}

func TestParse_TruncatesExtraDecimals(t *testing.T) {
	got, ok := Parse("1.1234567")
	if !ok {
		t.Fatal("Parse returned ok=false")
	}
	if got.Int64() != 1_123_456 {
		t.Errorf("expected truncation to 6 decimals, got %d", got.Int64())
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    *big.Int
		expected string
	}{
		{"nil", nil, "0.000000"},
		{"zero", big.NewInt(0), "0.000000"},
		{"one", big.NewInt(1_000_000), "1.000000"},
		{"eighth", big.NewInt(125_000), "0.125000"},
		{"smallest", big.NewInt(1), "0.000001"},
		{"negative", big.NewInt(-1_500_000), "-1.500000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.input); got != tt.expected {
				t.Errorf("Format = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.000000", "0.125000", "3.000000", "12345.678901"} {
		parsed, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(parsed); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}
