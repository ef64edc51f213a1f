// Package anomaly provides pure statistical checks over rate observations.
// Findings are advisory: they are logged and persisted but never block
// persistence or on-chain submission.
package anomaly

import (
	"fmt"
	"math"
	"time"
)

// Kind labels the category of a detected anomaly.
type Kind string

const (
	KindValueSpike Kind = "value_spike"
	KindStaleData  Kind = "stale_data"
	KindVelocity   Kind = "velocity"
)

// saturatedScore stands in for an infinite deviation (zero-stddev and
// zero-to-nonzero cases) so scores stay representable in storage.
const saturatedScore = 999

// Result is the outcome of one check.
type Result struct {
	IsAnomaly    bool
	Kind         Kind
	CurrentValue float64
	Mean         float64
	StdDev       float64
	Score        float64 // z-score, overdue ratio, or velocity ratio
	Message      string
}

// Severity buckets a result by its score.
func (r Result) Severity() string {
	switch {
	case !r.IsAnomaly:
		return "normal"
	case r.Score > 5:
		return "critical"
	case r.Score > 4:
		return "high"
	default:
		return "medium"
	}
}

// Options tune the detector thresholds.
type Options struct {
	StdThreshold      float64 // z-score above which a value is a spike
	VelocityThreshold float64 // max allowed 24h-normalized fractional change
	MinHistorySize    int     // minimum window for value statistics
}

// Detector holds thresholds; all methods are pure functions of their inputs.
type Detector struct {
	opts Options
}

// New constructs a detector, applying defaults for unset thresholds.
func New(opts Options) *Detector {
	if opts.StdThreshold <= 0 {
		opts.StdThreshold = 3.0
	}
	if opts.VelocityThreshold <= 0 {
		opts.VelocityThreshold = 0.5
	}
	if opts.MinHistorySize <= 0 {
		opts.MinHistorySize = 5
	}
	return &Detector{opts: opts}
}

// DetectValueAnomaly flags values more than the configured number of sample
// standard deviations from the historical mean. With fewer than
// MinHistorySize points it always reports not-anomalous.
func (d *Detector) DetectValueAnomaly(current float64, history []float64) Result {
	if len(history) < d.opts.MinHistorySize {
		return Result{
			CurrentValue: current,
			Mean:         current,
			Message:      fmt.Sprintf("insufficient history (%d < %d)", len(history), d.opts.MinHistorySize),
		}
	}

	mean := meanOf(history)
	stdDev := sampleStdDev(history, mean)

	if stdDev == 0 {
		// Constant history: any different value is a spike.
		if current == mean {
			return Result{CurrentValue: current, Mean: mean, Message: "value matches constant history"}
		}
		return Result{
			IsAnomaly:    true,
			Kind:         KindValueSpike,
			CurrentValue: current,
			Mean:         mean,
			Score:        saturatedScore,
			Message:      fmt.Sprintf("value %v differs from constant %v", current, mean),
		}
	}

	z := math.Abs(current-mean) / stdDev
	direction := "above"
	if current < mean {
		direction = "below"
	}

	res := Result{
		IsAnomaly:    z > d.opts.StdThreshold,
		CurrentValue: current,
		Mean:         mean,
		StdDev:       stdDev,
		Score:        z,
		Message: fmt.Sprintf("value %.4f is %.2f std devs %s mean %.4f (threshold %.1f)",
			current, z, direction, mean, d.opts.StdThreshold),
	}
	if res.IsAnomaly {
		res.Kind = KindValueSpike
	}
	return res
}

// DetectStaleData flags observations older than the heartbeat. The score is
// the overdue ratio: age divided by heartbeat.
func (d *Detector) DetectStaleData(lastUpdate time.Time, heartbeat time.Duration) Result {
	age := time.Since(lastUpdate)
	isStale := age > heartbeat

	ratio := 0.0
	if heartbeat > 0 {
		ratio = age.Seconds() / heartbeat.Seconds()
	}

	verdict := "within"
	if isStale {
		verdict = "exceeds"
	}

	res := Result{
		IsAnomaly:    isStale,
		CurrentValue: age.Seconds(),
		Mean:         heartbeat.Seconds(),
		Score:        ratio,
		Message: fmt.Sprintf("data age %.1fh %s heartbeat %.1fh (%.2fx)",
			age.Hours(), verdict, heartbeat.Hours(), ratio),
	}
	if isStale {
		res.Kind = KindStaleData
	}
	return res
}

// DetectVelocityAnomaly flags abnormal rates of change, normalized to a
// 24-hour-equivalent fractional change. A zero-to-zero transition is not
// anomalous; zero-to-nonzero always is.
func (d *Detector) DetectVelocityAnomaly(current, previous float64, deltaHours float64) Result {
	if previous == 0 {
		if current == 0 {
			return Result{Mean: previous, Message: "both values are zero"}
		}
		return Result{
			IsAnomaly:    true,
			Kind:         KindVelocity,
			CurrentValue: current,
			Mean:         previous,
			Score:        saturatedScore,
			Message:      fmt.Sprintf("value changed from 0 to %v", current),
		}
	}

	changeRate := math.Abs(current-previous) / math.Abs(previous)
	dailyChange := changeRate
	if deltaHours > 0 {
		dailyChange = changeRate * (24 / deltaHours)
	}

	ratio := 0.0
	if d.opts.VelocityThreshold > 0 {
		ratio = dailyChange / d.opts.VelocityThreshold
	}

	direction := "increase"
	if current < previous {
		direction = "decrease"
	}
	isAnomaly := dailyChange > d.opts.VelocityThreshold
	verdict := "within"
	if isAnomaly {
		verdict = "exceeds"
	}

	res := Result{
		IsAnomaly:    isAnomaly,
		CurrentValue: current,
		Mean:         previous,
		Score:        ratio,
		Message: fmt.Sprintf("daily %s rate %.1f%% %s threshold %.1f%%",
			direction, dailyChange*100, verdict, d.opts.VelocityThreshold*100),
	}
	if isAnomaly {
		res.Kind = KindVelocity
	}
	return res
}

// CheckInput bundles everything available for RunAllChecks. Optional fields
// left zero skip the corresponding check.
type CheckInput struct {
	CurrentValue float64
	History      []float64
	LastUpdate   time.Time
	Heartbeat    time.Duration
	HasPrevious  bool
	Previous     float64
	DeltaHours   float64
}

// RunAllChecks runs every applicable check and returns only the anomalies
// found.
func (d *Detector) RunAllChecks(in CheckInput) []Result {
	var anomalies []Result

	if res := d.DetectValueAnomaly(in.CurrentValue, in.History); res.IsAnomaly {
		anomalies = append(anomalies, res)
	}

	if !in.LastUpdate.IsZero() && in.Heartbeat > 0 {
		if res := d.DetectStaleData(in.LastUpdate, in.Heartbeat); res.IsAnomaly {
			anomalies = append(anomalies, res)
		}
	}

	if in.HasPrevious {
		delta := in.DeltaHours
		if delta <= 0 {
			delta = 24
		}
		if res := d.DetectVelocityAnomaly(in.CurrentValue, in.Previous, delta); res.IsAnomaly {
			anomalies = append(anomalies, res)
		}
	}

	return anomalies
}

// ExpectedRange returns the band a value is expected to fall in given the
// history and the configured threshold.
func (d *Detector) ExpectedRange(history []float64) (low, high float64) {
	if len(history) < d.opts.MinHistorySize {
		if len(history) == 0 {
			return 0, 0
		}
		low, high = history[0], history[0]
		for _, v := range history[1:] {
			low = math.Min(low, v)
			high = math.Max(high, v)
		}
		return low, high
	}

	mean := meanOf(history)
	stdDev := sampleStdDev(history, mean)
	return mean - d.opts.StdThreshold*stdDev, mean + d.opts.StdThreshold*stdDev
}

func meanOf(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// sampleStdDev uses the n-1 denominator, matching the statistics the
// thresholds were tuned against.
func sampleStdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
