package bcb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/PedroDnT/delos-oracle/internal/rate"
)

const dateLayout = "02/01/2006"

// Observation is one normalized rate record, ready for persistence and
// on-chain submission.
type Observation struct {
	RateType      rate.Type
	ScaledValue   int64           // fixed-point, 10^8
	RawValue      decimal.Decimal // as published by BCB
	ReferenceDate int             // YYYYMMDD calendar date the value describes
	ReferenceTime time.Time       // same date as a time.Time
	FetchedAt     time.Time       // wall-clock observation time
	Source        string          // e.g. "BCB-12"
}

// Options parameterise the BCB client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// Validate enables the circuit breaker. Production always leaves this
	// on; tests exercising out-of-range fixtures turn it off.
	Validate bool
}

// Client fetches macro rate series from the BCB open-data API.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// New constructs a BCB client.
func New(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.bcb.gov.br/dados/serie"
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "bcb_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchLatest returns the most recent observation for a rate type.
func (c *Client) FetchLatest(ctx context.Context, t rate.Type) (Observation, error) {
	results, err := c.fetch(ctx, t, c.buildURL(t, 1, "", ""))
	if err != nil {
		return Observation{}, err
	}
	obs := results[0]
	c.logger.Info().
		Str("rate_type", t.String()).
		Str("raw_value", obs.RawValue.String()).
		Int64("scaled", obs.ScaledValue).
		Int("reference_date", obs.ReferenceDate).
		Msg("fetched latest observation")
	return obs, nil
}

// FetchHistory returns up to count recent observations, most recent first.
func (c *Client) FetchHistory(ctx context.Context, t rate.Type, count int) ([]Observation, error) {
	if count <= 0 {
		count = 10
	}
	return c.fetch(ctx, t, c.buildURL(t, count, "", ""))
}

// FetchRange returns observations between two dates inclusive, most recent first.
func (c *Client) FetchRange(ctx context.Context, t rate.Type, start, end time.Time) ([]Observation, error) {
	return c.fetch(ctx, t, c.buildURL(t, 0, start.Format(dateLayout), end.Format(dateLayout)))
}

// FetchWithRetry wraps FetchLatest with bounded exponential backoff. Only
// transient API errors are retried; parse and validation failures surface
// immediately since retrying cannot fix them.
func (c *Client) FetchWithRetry(ctx context.Context, t rate.Type, maxRetries int, baseDelay, maxDelay time.Duration) (Observation, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay << (attempt - 1)
			if delay > maxDelay || delay <= 0 {
				delay = maxDelay
			}
			c.logger.Warn().
				Str("rate_type", t.String()).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying fetch after transient error")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Observation{}, ctx.Err()
			case <-timer.C:
			}
		}

		obs, err := c.FetchLatest(ctx, t)
		if err == nil {
			return obs, nil
		}
		if !IsTransient(err) {
			return Observation{}, err
		}
		lastErr = err
	}
	return Observation{}, fmt.Errorf("fetch %s: retries exhausted: %w", t, lastErr)
}

// Healthy reports whether the BCB API is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.FetchLatest(ctx, rate.CDI)
	return err == nil
}

func (c *Client) buildURL(t rate.Type, count int, start, end string) string {
	cfg := rate.MustConfig(t)
	base := fmt.Sprintf("%s/bcdata.sgs.%d/dados", c.baseURL, cfg.SeriesID)
	if count > 0 {
		return fmt.Sprintf("%s/ultimos/%d?formato=json", base, count)
	}
	if start != "" && end != "" {
		return fmt.Sprintf("%s?formato=json&dataInicial=%s&dataFinal=%s", base, start, end)
	}
	return base + "?formato=json"
}

func (c *Client) fetch(ctx context.Context, t rate.Type, url string) ([]Observation, error) {
	records, err := c.request(ctx, url)
	if err != nil {
		return nil, err
	}
	results, err := c.processRecords(t, records)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoData, t)
	}
	return results, nil
}

type seriesRecord struct {
	Date  string `json:"data"`
	Value string `json:"valor"`
}

func (c *Client) request(ctx context.Context, url string) ([]seriesRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &APIError{Msg: "request failed", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Msg: "read response body", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(payload))}
	}

	var records []seriesRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, &ParseError{Msg: "invalid JSON response", Err: err}
	}
	if len(records) == 0 {
		return nil, ErrNoData
	}
	return records, nil
}

// processRecords converts raw records to observations. A record whose date or
// value fails to parse is skipped with a warning; a circuit-breaker breach
// aborts the whole batch, it signals a data-quality incident rather than a
// formatting hiccup.
func (c *Client) processRecords(t rate.Type, records []seriesRecord) ([]Observation, error) {
	cfg := rate.MustConfig(t)
	now := time.Now().UTC()

	results := make([]Observation, 0, len(records))
	for _, rec := range records {
		refDate, refTime, err := parseSeriesDate(rec.Date)
		if err != nil {
			c.logger.Warn().Str("rate_type", t.String()).Str("date", rec.Date).Err(err).Msg("skipping record with invalid date")
			continue
		}

		raw, err := parseSeriesValue(rec.Value)
		if err != nil {
			c.logger.Warn().Str("rate_type", t.String()).Str("value", rec.Value).Err(err).Msg("skipping record with invalid value")
			continue
		}

		scaled := rate.Scale(raw)
		if c.opts.Validate {
			if scaled < cfg.MinValue {
				return nil, &ValidationError{Rate: t.String(), RawValue: raw.String(), Bound: "min " + rate.Descale(cfg.MinValue).String()}
			}
			if scaled > cfg.MaxValue {
				return nil, &ValidationError{Rate: t.String(), RawValue: raw.String(), Bound: "max " + rate.Descale(cfg.MaxValue).String()}
			}
		}

		results = append(results, Observation{
			RateType:      t,
			ScaledValue:   scaled,
			RawValue:      raw,
			ReferenceDate: refDate,
			ReferenceTime: refTime,
			FetchedAt:     now,
			Source:        cfg.Source(),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].ReferenceDate > results[j].ReferenceDate
	})
	return results, nil
}

func parseSeriesDate(s string) (int, time.Time, error) {
	dt, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, time.Time{}, &ParseError{Msg: "invalid date " + strconv.Quote(s), Err: err}
	}
	return dt.Year()*10000 + int(dt.Month())*100 + dt.Day(), dt, nil
}

func parseSeriesValue(s string) (decimal.Decimal, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	v, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Decimal{}, &ParseError{Msg: "invalid value " + strconv.Quote(s), Err: err}
	}
	return v, nil
}
