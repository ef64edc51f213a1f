// Package pipeline orchestrates a sync run: fetch observations from the
// statistics API, screen them for anomalies, persist them, and push the
// surviving candidates on-chain as one batch.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/PedroDnT/delos-oracle/internal/alerting"
	"github.com/PedroDnT/delos-oracle/internal/anomaly"
	"github.com/PedroDnT/delos-oracle/internal/bcb"
	"github.com/PedroDnT/delos-oracle/internal/oracle"
	"github.com/PedroDnT/delos-oracle/internal/rate"
	"github.com/PedroDnT/delos-oracle/internal/storage"
)

// RateFetcher pulls the latest observation for a rate type with retries.
type RateFetcher interface {
	FetchWithRetry(ctx context.Context, t rate.Type, maxRetries int, baseDelay, maxDelay time.Duration) (bcb.Observation, error)
}

// ChainClient is the subset of the oracle client the pipeline drives.
type ChainClient interface {
	SubmitBatch(ctx context.Context, observations []bcb.Observation) (oracle.SubmitResult, error)
	GetAllCurrentRates(ctx context.Context) (map[rate.Type]oracle.StoredRate, error)
}

// Options tune retry and anomaly-screening behaviour.
type Options struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	LookbackDays   int
}

// Result summarises one sync run.
type Result struct {
	JobID        string   `json:"job_id"`
	Status       string   `json:"status"`
	RatesFetched int      `json:"rates_fetched"`
	RatesFailed  int      `json:"rates_failed"`
	RatesUpdated int      `json:"rates_updated"`
	RatesSkipped int      `json:"rates_skipped"`
	Anomalies    int      `json:"anomalies"`
	TxHash       string   `json:"tx_hash,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// Pipeline wires the fetcher, detector, store, and chain client together.
type Pipeline struct {
	fetcher  RateFetcher
	chain    ChainClient
	detector *anomaly.Detector
	rates    storage.RateStore
	anoms    storage.AnomalyStore
	audit    storage.AuditStore
	notifier alerting.Notifier
	logger   zerolog.Logger
	opts     Options
}

// New constructs the pipeline. The notifier may be nil.
func New(fetcher RateFetcher, chain ChainClient, detector *anomaly.Detector, rates storage.RateStore, anoms storage.AnomalyStore, audit storage.AuditStore, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = time.Minute
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 30
	}

	return &Pipeline{
		fetcher:  fetcher,
		chain:    chain,
		detector: detector,
		rates:    rates,
		anoms:    anoms,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		opts:     opts,
	}
}

// UpdateRates runs a full sync for the given rate types. Individual fetch
// failures are tolerated; the surviving observations still go on-chain. Only
// a total fetch failure aborts before the chain call.
func (p *Pipeline) UpdateRates(ctx context.Context, rateTypes []rate.Type, jobID string) (*Result, error) {
	if len(rateTypes) == 0 {
		rateTypes = rate.All()
	}

	started := time.Now().UTC()
	p.logRunStart(ctx, jobID, started)

	result := &Result{JobID: jobID, Status: storage.RunStatusRunning}

	observations := make([]bcb.Observation, 0, len(rateTypes))
	for _, t := range rateTypes {
		obs, err := p.fetcher.FetchWithRetry(ctx, t, p.opts.MaxRetries, p.opts.RetryBaseDelay, p.opts.RetryMaxDelay)
		if err != nil {
			result.RatesFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", t, err))
			p.logger.Error().Err(err).Str("rate_type", t.String()).Msg("fetch failed, continuing with remaining rates")
			continue
		}
		result.RatesFetched++
		observations = append(observations, obs)
	}

	if len(observations) == 0 {
		result.Status = storage.RunStatusFailed
		p.closeRun(ctx, jobID, result, "all fetches failed")
		p.notifyFailure(ctx, jobID, "all fetches failed")
		return result, fmt.Errorf("all %d rate fetches failed", len(rateTypes))
	}

	for _, obs := range observations {
		result.Anomalies += p.screenObservation(ctx, obs)
	}

	for _, obs := range observations {
		if err := p.rates.StoreRate(ctx, toStoredRate(obs)); err != nil {
			p.logger.Error().Err(err).Str("rate_type", obs.RateType.String()).Msg("failed to persist observation")
			result.Errors = append(result.Errors, fmt.Sprintf("store %s: %v", obs.RateType, err))
		}
	}

	submit, err := p.chain.SubmitBatch(ctx, observations)
	result.TxHash = submit.TxHash
	result.RatesUpdated = submit.RatesUpdated
	result.RatesSkipped = submit.RatesSkipped
	if err != nil || !submit.Success {
		result.Status = storage.RunStatusFailed
		msg := submit.Error
		if err != nil {
			msg = err.Error()
		}
		result.Errors = append(result.Errors, fmt.Sprintf("chain submit: %s", msg))
		p.recordChainUpdates(ctx, observations, submit)
		p.closeRun(ctx, jobID, result, msg)
		p.notifyFailure(ctx, jobID, msg)
		return result, fmt.Errorf("batch submission failed: %s", msg)
	}

	p.recordChainUpdates(ctx, observations, submit)

	result.Status = storage.RunStatusCompleted
	p.closeRun(ctx, jobID, result, "")

	p.logger.Info().
		Str("job_id", jobID).
		Int("fetched", result.RatesFetched).
		Int("failed", result.RatesFailed).
		Int("updated", result.RatesUpdated).
		Int("skipped", result.RatesSkipped).
		Int("anomalies", result.Anomalies).
		Dur("elapsed", time.Since(started)).
		Msg("sync run completed")
	return result, nil
}

// StaleSweep reads the on-chain state and reports rates whose last update
// exceeds their heartbeat. The sweep is read-only; it never submits.
func (p *Pipeline) StaleSweep(ctx context.Context) ([]anomaly.Result, error) {
	current, err := p.chain.GetAllCurrentRates(ctx)
	if err != nil {
		return nil, fmt.Errorf("read on-chain rates: %w", err)
	}

	var stale []anomaly.Result
	for t, stored := range current {
		cfg, ok := rate.ConfigFor(t)
		if !ok {
			continue
		}
		res := p.detector.DetectStaleData(stored.UpdatedAt, cfg.Heartbeat)
		if !res.IsAnomaly {
			continue
		}
		res.Message = fmt.Sprintf("%s: %s", t, res.Message)
		stale = append(stale, res)

		p.logger.Warn().
			Str("rate_type", t.String()).
			Time("updated_at", stored.UpdatedAt).
			Float64("score", res.Score).
			Msg("on-chain rate is stale")

		p.logAnomaly(ctx, t, res, nil)
		p.notifyAnomaly(ctx, t, res, rate.Descale(stored.Answer))
	}
	return stale, nil
}

// screenObservation runs the anomaly checks against stored history. Findings
// are logged and recorded but never block persistence or submission.
func (p *Pipeline) screenObservation(ctx context.Context, obs bcb.Observation) int {
	history, err := p.rates.GetRateHistory(ctx, obs.RateType, p.opts.LookbackDays)
	if err != nil {
		p.logger.Error().Err(err).Str("rate_type", obs.RateType.String()).Msg("failed to load rate history for screening")
		return 0
	}

	values := make([]float64, 0, len(history))
	for _, h := range history {
		values = append(values, h.RawValue.InexactFloat64())
	}

	input := anomaly.CheckInput{
		CurrentValue: obs.RawValue.InexactFloat64(),
		History:      values,
	}
	if len(history) > 0 {
		last := history[0]
		input.HasPrevious = true
		input.Previous = last.RawValue.InexactFloat64()
		input.DeltaHours = obs.FetchedAt.Sub(last.FetchedAt).Hours()
	}

	findings := p.detector.RunAllChecks(input)
	for _, f := range findings {
		p.logger.Warn().
			Str("rate_type", obs.RateType.String()).
			Str("kind", string(f.Kind)).
			Float64("score", f.Score).
			Str("severity", f.Severity()).
			Msg(f.Message)
		p.logAnomaly(ctx, obs.RateType, f, values)
		p.notifyAnomaly(ctx, obs.RateType, f, obs.RawValue)
	}
	return len(findings)
}

func (p *Pipeline) logAnomaly(ctx context.Context, t rate.Type, res anomaly.Result, history []float64) {
	if p.anoms == nil {
		return
	}
	low, high := p.detector.ExpectedRange(history)
	rec := storage.AnomalyRecord{
		RateType:       t,
		DetectedAt:     time.Now().UTC(),
		AnomalyType:    string(res.Kind),
		CurrentValue:   res.CurrentValue,
		ExpectedLow:    low,
		ExpectedHigh:   high,
		DeviationScore: res.Score,
		Message:        res.Message,
	}
	if err := p.anoms.LogAnomaly(ctx, rec); err != nil {
		p.logger.Error().Err(err).Str("rate_type", t.String()).Msg("failed to persist anomaly record")
	}
}

func (p *Pipeline) notifyAnomaly(ctx context.Context, t rate.Type, res anomaly.Result, value decimal.Decimal) {
	if p.notifier == nil {
		return
	}
	note := alerting.Notification{
		Kind:          string(res.Kind),
		RateType:      t,
		Severity:      res.Severity(),
		CurrentValue:  value,
		Score:         res.Score,
		DetectedAt:    time.Now().UTC(),
		AdditionalMsg: res.Message,
	}
	if err := p.notifier.Notify(ctx, note); err != nil {
		p.logger.Error().Err(err).Str("rate_type", t.String()).Msg("failed to dispatch anomaly alert")
	}
}

func (p *Pipeline) notifyFailure(ctx context.Context, jobID, msg string) {
	if p.notifier == nil {
		return
	}
	note := alerting.Notification{
		Kind:          "sync_failed",
		Severity:      "high",
		JobID:         jobID,
		DetectedAt:    time.Now().UTC(),
		AdditionalMsg: msg,
	}
	if err := p.notifier.Notify(ctx, note); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to dispatch failure alert")
	}
}

// recordChainUpdates writes one audit row per observation reflecting the
// batch outcome. Audit failures are logged and swallowed.
func (p *Pipeline) recordChainUpdates(ctx context.Context, observations []bcb.Observation, submit oracle.SubmitResult) {
	if p.audit == nil {
		return
	}

	skipped := make(map[rate.Type]bool, len(submit.Skipped))
	for _, t := range submit.Skipped {
		skipped[t] = true
	}

	for _, obs := range observations {
		rec := storage.ChainUpdateRecord{
			RateType:  obs.RateType,
			Timestamp: time.Now().UTC(),
		}
		switch {
		case skipped[obs.RateType]:
			rec.Status = storage.UpdateStatusSkipped
		case submit.Success:
			rec.Status = storage.UpdateStatusSuccess
			rec.TxHash = strPtr(submit.TxHash)
			rec.BlockNumber = intPtr(submit.BlockNumber)
			rec.GasUsed = intPtr(submit.GasUsed)
		default:
			rec.Status = storage.UpdateStatusFailed
			rec.Error = strPtr(submit.Error)
			if submit.TxHash != "" {
				rec.TxHash = strPtr(submit.TxHash)
			}
		}
		if err := p.audit.LogChainUpdate(ctx, rec); err != nil {
			p.logger.Error().Err(err).Str("rate_type", obs.RateType.String()).Msg("failed to persist chain update record")
		}
	}
}

func (p *Pipeline) logRunStart(ctx context.Context, jobID string, started time.Time) {
	if p.audit == nil {
		return
	}
	if err := p.audit.LogSchedulerRunStart(ctx, jobID, started); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to record run start")
	}
}

func (p *Pipeline) closeRun(ctx context.Context, jobID string, result *Result, errMsg string) {
	if p.audit == nil {
		return
	}
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	processed := result.RatesFetched + result.RatesFailed
	if err := p.audit.CloseSchedulerRun(ctx, jobID, time.Now().UTC(), result.Status, processed, result.RatesUpdated, errPtr); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to close run record")
	}
}

func toStoredRate(obs bcb.Observation) storage.StoredRate {
	return storage.StoredRate{
		RateType:      obs.RateType,
		RawValue:      obs.RawValue,
		ScaledValue:   obs.ScaledValue,
		ReferenceDate: obs.ReferenceDate,
		ReferenceTime: obs.ReferenceTime,
		FetchedAt:     obs.FetchedAt,
		Source:        obs.Source,
	}
}

func strPtr(s string) *string { return &s }
func intPtr(v int64) *int64   { return &v }
