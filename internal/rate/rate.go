package rate

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Decimals is the fixed-point precision used for every rate, matching the
// Chainlink convention for fiat-denominated feeds.
const Decimals = 8

// Precision is 10^Decimals.
const Precision = 100_000_000

// Frequency describes how often a rate series publishes.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyMonthly Frequency = "monthly"
)

// Type identifies one of the supported Brazilian macro rate series.
type Type string

const (
	IPCA  Type = "IPCA"
	CDI   Type = "CDI"
	SELIC Type = "SELIC"
	PTAX  Type = "PTAX"
	IGPM  Type = "IGPM"
	TR    Type = "TR"
)

// All returns every supported rate type in a stable order.
func All() []Type {
	return []Type{IPCA, CDI, SELIC, PTAX, IGPM, TR}
}

// Daily returns the short-cadence rates updated on business days.
func Daily() []Type {
	return []Type{CDI, SELIC, PTAX, TR}
}

// Monthly returns the long-cadence rates.
func Monthly() []Type {
	return []Type{IPCA, IGPM}
}

// Parse maps a case-insensitive name to a rate type.
func Parse(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := configs[t]; !ok {
		return "", fmt.Errorf("unknown rate type %q", s)
	}
	return t, nil
}

func (t Type) String() string { return string(t) }

// Config carries the static parameters of one rate series.
type Config struct {
	SeriesID     int
	Description  string
	Heartbeat    time.Duration
	MinValue     int64 // circuit breaker lower bound, scaled by 10^8
	MaxValue     int64 // circuit breaker upper bound, scaled by 10^8
	IsPercentage bool
	Frequency    Frequency
}

// Source is the provenance tag recorded alongside every observation.
func (c Config) Source() string {
	return fmt.Sprintf("BCB-%d", c.SeriesID)
}

var configs = map[Type]Config{
	IPCA: {
		SeriesID:     433,
		Description:  "IPCA - Consumer Price Index (monthly %)",
		Heartbeat:    35 * 24 * time.Hour,
		MinValue:     -10 * Precision,
		MaxValue:     100 * Precision,
		IsPercentage: true,
		Frequency:    FrequencyMonthly,
	},
	CDI: {
		SeriesID:     12,
		Description:  "CDI - Interbank Deposit Rate (annualized %)",
		Heartbeat:    2 * 24 * time.Hour,
		MinValue:     0,
		MaxValue:     50 * Precision,
		IsPercentage: true,
		Frequency:    FrequencyDaily,
	},
	SELIC: {
		SeriesID:     432,
		Description:  "SELIC - Central Bank Target Rate (%)",
		Heartbeat:    2 * 24 * time.Hour,
		MinValue:     0,
		MaxValue:     50 * Precision,
		IsPercentage: true,
		Frequency:    FrequencyDaily,
	},
	PTAX: {
		SeriesID:     1,
		Description:  "PTAX - Official USD/BRL Exchange Rate",
		Heartbeat:    2 * 24 * time.Hour,
		MinValue:     1 * Precision,
		MaxValue:     15 * Precision,
		IsPercentage: false,
		Frequency:    FrequencyDaily,
	},
	IGPM: {
		SeriesID:     189,
		Description:  "IGP-M - General Market Price Index (monthly %)",
		Heartbeat:    35 * 24 * time.Hour,
		MinValue:     -10 * Precision,
		MaxValue:     100 * Precision,
		IsPercentage: true,
		Frequency:    FrequencyMonthly,
	},
	TR: {
		SeriesID:     226,
		Description:  "TR - Reference Rate (%)",
		Heartbeat:    2 * 24 * time.Hour,
		MinValue:     0,
		MaxValue:     50 * Precision,
		IsPercentage: true,
		Frequency:    FrequencyDaily,
	},
}

// ConfigFor returns the static configuration of a rate type.
func ConfigFor(t Type) (Config, bool) {
	c, ok := configs[t]
	return c, ok
}

// MustConfig returns the configuration of a known rate type and panics for an
// unknown one. Only call with values produced by Parse or the Type constants.
func MustConfig(t Type) Config {
	c, ok := configs[t]
	if !ok {
		panic("rate: no config for " + string(t))
	}
	return c
}

// Scale converts a decimal value to its fixed-point 10^8 representation.
// Rounding is half-away-from-zero, applied exactly once here so stored and
// on-chain values can never drift by a unit.
func Scale(v decimal.Decimal) int64 {
	return v.Shift(Decimals).Round(0).IntPart()
}

// Descale converts a fixed-point value back to a decimal.
func Descale(scaled int64) decimal.Decimal {
	return decimal.New(scaled, -Decimals)
}

// BasisPoints converts a scaled percentage to basis points (1 bp = 0.01%).
func BasisPoints(scaled int64) int64 {
	return scaled / 1_000_000
}
