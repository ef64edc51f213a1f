package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PedroDnT/delos-oracle/internal/rate"
)

const tsLayout = time.RFC3339Nano

const (
	upsertRateSQL = `INSERT INTO rates (
        rate_type,
        scaled_value,
        raw_value,
        reference_date,
        reference_ts,
        fetch_ts,
        source
    ) VALUES (?,?,?,?,?,?,?)
    ON CONFLICT (rate_type, reference_date) DO UPDATE
    SET
        scaled_value = excluded.scaled_value,
        raw_value    = excluded.raw_value,
        reference_ts = excluded.reference_ts,
        fetch_ts     = excluded.fetch_ts,
        source       = excluded.source;`

	rateHistorySQL = `SELECT
        id, rate_type, scaled_value, raw_value, reference_date, reference_ts, fetch_ts, source
    FROM rates
    WHERE rate_type = ?
      AND fetch_ts >= ?
    ORDER BY reference_date DESC;`

	latestRateSQL = `SELECT
        id, rate_type, scaled_value, raw_value, reference_date, reference_ts, fetch_ts, source
    FROM rates
    WHERE rate_type = ?
    ORDER BY reference_date DESC
    LIMIT 1;`

	insertAnomalySQL = `INSERT INTO anomalies (
        rate_type, detected_ts, anomaly_type, current_value,
        expected_range_low, expected_range_high, deviation_score, message
    ) VALUES (?,?,?,?,?,?,?,?);`

	listAnomaliesSQL = `SELECT
        id, rate_type, detected_ts, anomaly_type, current_value,
        expected_range_low, expected_range_high, deviation_score, message
    FROM anomalies
    WHERE detected_ts >= ?
    ORDER BY detected_ts DESC
    LIMIT ?;`

	listAnomaliesByTypeSQL = `SELECT
        id, rate_type, detected_ts, anomaly_type, current_value,
        expected_range_low, expected_range_high, deviation_score, message
    FROM anomalies
    WHERE rate_type = ? AND detected_ts >= ?
    ORDER BY detected_ts DESC
    LIMIT ?;`

	insertChainUpdateSQL = `INSERT INTO chain_updates (
        rate_type, tx_hash, block_number, gas_used, status, error_message, created_ts
    ) VALUES (?,?,?,?,?,?,?);`

	listChainUpdatesSQL = `SELECT
        id, rate_type, tx_hash, block_number, gas_used, status, error_message, created_ts
    FROM chain_updates
    ORDER BY created_ts DESC
    LIMIT ?;`

	listChainUpdatesByTypeSQL = `SELECT
        id, rate_type, tx_hash, block_number, gas_used, status, error_message, created_ts
    FROM chain_updates
    WHERE rate_type = ?
    ORDER BY created_ts DESC
    LIMIT ?;`

	insertSchedulerRunSQL = `INSERT INTO scheduler_runs (job_id, started_ts, status)
    VALUES (?,?,?);`

	closeSchedulerRunSQL = `UPDATE scheduler_runs
    SET ended_ts = ?, status = ?, rates_processed = ?, rates_updated = ?, error_message = ?
    WHERE id = (
        SELECT id FROM scheduler_runs
        WHERE job_id = ? AND ended_ts IS NULL
        ORDER BY started_ts DESC
        LIMIT 1
    );`

	listSchedulerRunsSQL = `SELECT
        id, job_id, started_ts, ended_ts, status, rates_processed, rates_updated, error_message
    FROM scheduler_runs
    ORDER BY started_ts DESC
    LIMIT ?;`

	lastSchedulerRunSQL = `SELECT
        id, job_id, started_ts, ended_ts, status, rates_processed, rates_updated, error_message
    FROM scheduler_runs
    WHERE job_id = ?
    ORDER BY started_ts DESC
    LIMIT 1;`
)

// RateStore defines persistence operations for rate observations.
type RateStore interface {
	StoreRate(ctx context.Context, r StoredRate) error
	GetRateHistory(ctx context.Context, t rate.Type, windowDays int) ([]StoredRate, error)
	GetLatestRate(ctx context.Context, t rate.Type) (*StoredRate, error)
}

// AnomalyStore defines persistence for detected anomalies.
type AnomalyStore interface {
	LogAnomaly(ctx context.Context, a AnomalyRecord) error
	GetAnomalies(ctx context.Context, filter rate.Type, windowDays, limit int) ([]AnomalyRecord, error)
}

// AuditStore defines chain-update and scheduler-run bookkeeping.
type AuditStore interface {
	LogChainUpdate(ctx context.Context, u ChainUpdateRecord) error
	GetChainUpdates(ctx context.Context, filter rate.Type, limit int) ([]ChainUpdateRecord, error)
	LogSchedulerRunStart(ctx context.Context, jobID string, startedAt time.Time) error
	CloseSchedulerRun(ctx context.Context, jobID string, endedAt time.Time, status string, processed, updated int, errMsg *string) error
	GetSchedulerRuns(ctx context.Context, limit int) ([]SchedulerRun, error)
	GetLastRun(ctx context.Context, jobID string) (*SchedulerRun, error)
}

// StoreRate upserts an observation keyed by (rate type, reference date), so
// re-fetching the same reference date converges on the latest values instead
// of duplicating rows.
func (s *Store) StoreRate(ctx context.Context, r StoredRate) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, execErr := db.ExecContext(ctx, upsertRateSQL,
		r.RateType.String(),
		r.ScaledValue,
		r.RawValue.String(),
		r.ReferenceDate,
		r.ReferenceTime.UTC().Format(tsLayout),
		r.FetchedAt.UTC().Format(tsLayout),
		r.Source,
	)
	if execErr != nil {
		return fmt.Errorf("upsert rate: %w", execErr)
	}
	return nil
}

// GetRateHistory lists observations fetched within the window, most recent
// reference date first. The filter is on fetch time, not reference date, so
// anomaly statistics describe the window of when data was received.
func (s *Store) GetRateHistory(ctx context.Context, t rate.Type, windowDays int) ([]StoredRate, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays)
	rows, queryErr := db.QueryContext(ctx, rateHistorySQL, t.String(), cutoff.Format(tsLayout))
	if queryErr != nil {
		return nil, fmt.Errorf("rate history: %w", queryErr)
	}
	defer rows.Close()

	rates := make([]StoredRate, 0)
	for rows.Next() {
		r, scanErr := scanStoredRate(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rates = append(rates, r)
	}
	return rates, rows.Err()
}

// GetLatestRate returns the newest stored observation for a type, or nil.
func (s *Store) GetLatestRate(ctx context.Context, t rate.Type) (*StoredRate, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.QueryContext(ctx, latestRateSQL, t.String())
	if queryErr != nil {
		return nil, fmt.Errorf("latest rate: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	r, scanErr := scanStoredRate(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &r, nil
}

// LogAnomaly appends a detected anomaly.
func (s *Store) LogAnomaly(ctx context.Context, a AnomalyRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	detected := a.DetectedAt
	if detected.IsZero() {
		detected = time.Now().UTC()
	}
	_, execErr := db.ExecContext(ctx, insertAnomalySQL,
		a.RateType.String(),
		detected.UTC().Format(tsLayout),
		a.AnomalyType,
		a.CurrentValue,
		a.ExpectedLow,
		a.ExpectedHigh,
		a.DeviationScore,
		a.Message,
	)
	if execErr != nil {
		return fmt.Errorf("insert anomaly: %w", execErr)
	}
	return nil
}

// GetAnomalies lists recent anomalies, optionally filtered by rate type.
func (s *Store) GetAnomalies(ctx context.Context, filter rate.Type, windowDays, limit int) ([]AnomalyRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays).Format(tsLayout)

	var rows *sql.Rows
	var queryErr error
	if filter != "" {
		rows, queryErr = db.QueryContext(ctx, listAnomaliesByTypeSQL, filter.String(), cutoff, limit)
	} else {
		rows, queryErr = db.QueryContext(ctx, listAnomaliesSQL, cutoff, limit)
	}
	if queryErr != nil {
		return nil, fmt.Errorf("list anomalies: %w", queryErr)
	}
	defer rows.Close()

	records := make([]AnomalyRecord, 0, limit)
	for rows.Next() {
		var rec AnomalyRecord
		var rateType, detectedTS string
		if err := rows.Scan(
			&rec.ID,
			&rateType,
			&detectedTS,
			&rec.AnomalyType,
			&rec.CurrentValue,
			&rec.ExpectedLow,
			&rec.ExpectedHigh,
			&rec.DeviationScore,
			&rec.Message,
		); err != nil {
			return nil, err
		}
		rec.RateType = rate.Type(rateType)
		rec.DetectedAt, err = parseTS(detectedTS)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LogChainUpdate appends one row of the on-chain audit trail.
func (s *Store) LogChainUpdate(ctx context.Context, u ChainUpdateRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, execErr := db.ExecContext(ctx, insertChainUpdateSQL,
		u.RateType.String(),
		nullableStr(u.TxHash),
		nullableInt(u.BlockNumber),
		nullableInt(u.GasUsed),
		u.Status,
		nullableStr(u.Error),
		ts.UTC().Format(tsLayout),
	)
	if execErr != nil {
		return fmt.Errorf("insert chain update: %w", execErr)
	}
	return nil
}

// GetChainUpdates lists recent chain update records, optionally filtered.
func (s *Store) GetChainUpdates(ctx context.Context, filter rate.Type, limit int) ([]ChainUpdateRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	var queryErr error
	if filter != "" {
		rows, queryErr = db.QueryContext(ctx, listChainUpdatesByTypeSQL, filter.String(), limit)
	} else {
		rows, queryErr = db.QueryContext(ctx, listChainUpdatesSQL, limit)
	}
	if queryErr != nil {
		return nil, fmt.Errorf("list chain updates: %w", queryErr)
	}
	defer rows.Close()

	records := make([]ChainUpdateRecord, 0, limit)
	for rows.Next() {
		var rec ChainUpdateRecord
		var rateType, createdTS string
		var txHash, errMsg sql.NullString
		var block, gas sql.NullInt64
		if err := rows.Scan(
			&rec.ID,
			&rateType,
			&txHash,
			&block,
			&gas,
			&rec.Status,
			&errMsg,
			&createdTS,
		); err != nil {
			return nil, err
		}
		rec.RateType = rate.Type(rateType)
		if txHash.Valid {
			v := txHash.String
			rec.TxHash = &v
		}
		if block.Valid {
			v := block.Int64
			rec.BlockNumber = &v
		}
		if gas.Valid {
			v := gas.Int64
			rec.GasUsed = &v
		}
		if errMsg.Valid {
			v := errMsg.String
			rec.Error = &v
		}
		rec.Timestamp, err = parseTS(createdTS)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LogSchedulerRunStart opens a run row for a job.
func (s *Store) LogSchedulerRunStart(ctx context.Context, jobID string, startedAt time.Time) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, execErr := db.ExecContext(ctx, insertSchedulerRunSQL,
		jobID, startedAt.UTC().Format(tsLayout), RunStatusRunning)
	if execErr != nil {
		return fmt.Errorf("insert scheduler run: %w", execErr)
	}
	return nil
}

// CloseSchedulerRun finalises the most recent still-open run for a job id.
// Older open rows, which cannot exist under the single-flight guarantee, are
// deliberately left untouched.
func (s *Store) CloseSchedulerRun(ctx context.Context, jobID string, endedAt time.Time, status string, processed, updated int, errMsg *string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, execErr := db.ExecContext(ctx, closeSchedulerRunSQL,
		endedAt.UTC().Format(tsLayout), status, processed, updated, nullableStr(errMsg), jobID)
	if execErr != nil {
		return fmt.Errorf("close scheduler run: %w", execErr)
	}
	return nil
}

// GetSchedulerRuns lists recent runs across all jobs.
func (s *Store) GetSchedulerRuns(ctx context.Context, limit int) ([]SchedulerRun, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.QueryContext(ctx, listSchedulerRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list scheduler runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]SchedulerRun, 0, limit)
	for rows.Next() {
		run, scanErr := scanSchedulerRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetLastRun returns the most recent run for a job id, or nil.
func (s *Store) GetLastRun(ctx context.Context, jobID string) (*SchedulerRun, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.QueryContext(ctx, lastSchedulerRunSQL, jobID)
	if queryErr != nil {
		return nil, fmt.Errorf("last scheduler run: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	run, scanErr := scanSchedulerRun(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &run, nil
}

// GetStats counts rows per table.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	db, err := s.getDB()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{DatabasePath: s.path}
	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM rates", &stats.Rates},
		{"SELECT COUNT(*) FROM chain_updates", &stats.ChainUpdates},
		{"SELECT COUNT(*) FROM anomalies", &stats.Anomalies},
		{"SELECT COUNT(*) FROM scheduler_runs", &stats.SchedulerRuns},
	}
	for _, c := range counts {
		if err := db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return Stats{}, fmt.Errorf("count rows: %w", err)
		}
	}
	return stats, nil
}

func scanStoredRate(rows *sql.Rows) (StoredRate, error) {
	var (
		r        StoredRate
		rateType string
		rawValue string
		refTS    string
		fetchTS  string
	)
	if err := rows.Scan(
		&r.ID,
		&rateType,
		&r.ScaledValue,
		&rawValue,
		&r.ReferenceDate,
		&refTS,
		&fetchTS,
		&r.Source,
	); err != nil {
		return StoredRate{}, err
	}

	r.RateType = rate.Type(rateType)

	raw, err := decimal.NewFromString(rawValue)
	if err != nil {
		return StoredRate{}, fmt.Errorf("parse raw value: %w", err)
	}
	r.RawValue = raw

	if r.ReferenceTime, err = parseTS(refTS); err != nil {
		return StoredRate{}, err
	}
	if r.FetchedAt, err = parseTS(fetchTS); err != nil {
		return StoredRate{}, err
	}
	return r, nil
}

func scanSchedulerRun(rows *sql.Rows) (SchedulerRun, error) {
	var (
		run       SchedulerRun
		startedTS string
		endedTS   sql.NullString
		errMsg    sql.NullString
	)
	if err := rows.Scan(
		&run.ID,
		&run.JobID,
		&startedTS,
		&endedTS,
		&run.Status,
		&run.RatesProcessed,
		&run.RatesUpdated,
		&errMsg,
	); err != nil {
		return SchedulerRun{}, err
	}

	var err error
	if run.StartedAt, err = parseTS(startedTS); err != nil {
		return SchedulerRun{}, err
	}
	if endedTS.Valid {
		t, err := parseTS(endedTS.String)
		if err != nil {
			return SchedulerRun{}, err
		}
		run.EndedAt = &t
	}
	if errMsg.Valid {
		v := errMsg.String
		run.Error = &v
	}
	return run, nil
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullableStr(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(i *int64) interface{} {
	if i == nil {
		return nil
	}
	return *i
}
