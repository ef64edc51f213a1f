package rate

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestScaleRoundTrip(t *testing.T) {
	cases := []string{"0", "0.15", "12.75", "-0.68", "5.1234", "99.99999999"}
	for _, raw := range cases {
		v := decimal.RequireFromString(raw)
		scaled := Scale(v)
		back := Descale(scaled)
		if !back.Equal(v) {
			t.Fatalf("round trip %s: got %s", raw, back.String())
		}
	}
}

func TestScaleKnownValues(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
	}{
		{"0.15", 15_000_000},
		{"12.75", 1_275_000_000},
		{"-0.68", -68_000_000},
		{"5.4321", 543_210_000},
	}
	for _, c := range cases {
		if got := Scale(decimal.RequireFromString(c.raw)); got != c.want {
			t.Fatalf("Scale(%s) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestScaleRoundsHalfAwayFromZero(t *testing.T) {
	// 9 decimal places force rounding at the 10^8 boundary.
	cases := []struct {
		raw  string
		want int64
	}{
		{"0.000000005", 1},
		{"-0.000000005", -1},
		{"0.000000004", 0},
		{"1.234567895", 123_456_790},
	}
	for _, c := range cases {
		if got := Scale(decimal.RequireFromString(c.raw)); got != c.want {
			t.Fatalf("Scale(%s) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestBasisPoints(t *testing.T) {
	if got := BasisPoints(1_275_000_000); got != 1275 {
		t.Fatalf("12.75%% should be 1275 bps, got %d", got)
	}
	if got := BasisPoints(-68_000_000); got != -68 {
		t.Fatalf("-0.68%% should be -68 bps, got %d", got)
	}
}

func TestParse(t *testing.T) {
	for _, raw := range []string{"CDI", "cdi", "Cdi"} {
		got, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", raw, err)
		}
		if got != CDI {
			t.Fatalf("Parse(%q) = %s, want CDI", raw, got)
		}
	}

	if _, err := Parse("LIBOR"); err == nil {
		t.Fatal("unknown rate type should fail")
	}
}

func TestConfigCatalog(t *testing.T) {
	if len(All()) != 6 {
		t.Fatalf("expected 6 rate types, got %d", len(All()))
	}
	if len(Daily())+len(Monthly()) != len(All()) {
		t.Fatal("daily and monthly sets should partition the catalog")
	}

	cases := []struct {
		t      Type
		series int
		freq   Frequency
	}{
		{IPCA, 433, FrequencyMonthly},
		{CDI, 12, FrequencyDaily},
		{SELIC, 432, FrequencyDaily},
		{PTAX, 1, FrequencyDaily},
		{IGPM, 189, FrequencyMonthly},
		{TR, 226, FrequencyDaily},
	}
	for _, c := range cases {
		cfg, ok := ConfigFor(c.t)
		if !ok {
			t.Fatalf("ConfigFor(%s) missing", c.t)
		}
		if cfg.SeriesID != c.series {
			t.Fatalf("%s series = %d, want %d", c.t, cfg.SeriesID, c.series)
		}
		if cfg.Frequency != c.freq {
			t.Fatalf("%s frequency = %s, want %s", c.t, cfg.Frequency, c.freq)
		}
	}
}

func TestConfigSource(t *testing.T) {
	cfg := MustConfig(CDI)
	if cfg.Source() != "BCB-12" {
		t.Fatalf("CDI source = %s, want BCB-12", cfg.Source())
	}
}

func TestPTAXBounds(t *testing.T) {
	cfg := MustConfig(PTAX)
	if cfg.IsPercentage {
		t.Fatal("PTAX is an exchange rate, not a percentage")
	}
	if cfg.MinValue != 1*Precision || cfg.MaxValue != 15*Precision {
		t.Fatalf("PTAX bounds = [%d, %d]", cfg.MinValue, cfg.MaxValue)
	}
}
