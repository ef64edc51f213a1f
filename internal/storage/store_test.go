package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PedroDnT/delos-oracle/internal/rate"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "rates.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func sampleRate(t rate.Type, refDate int, raw string) StoredRate {
	v := decimal.RequireFromString(raw)
	return StoredRate{
		RateType:      t,
		ScaledValue:   rate.Scale(v),
		RawValue:      v,
		ReferenceDate: refDate,
		ReferenceTime: time.Date(refDate/10000, time.Month(refDate/100%100), refDate%100, 0, 0, 0, 0, time.UTC),
		FetchedAt:     time.Now().UTC(),
		Source:        "BCB-12",
	}
}

func TestStoreRateUpsertIdempotency(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.StoreRate(ctx, sampleRate(rate.CDI, 20250115, "12.75")); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	// Same (rate_type, reference_date): must replace, not duplicate.
	if err := store.StoreRate(ctx, sampleRate(rate.CDI, 20250115, "12.90")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	history, err := store.GetRateHistory(ctx, rate.CDI, 30)
	if err != nil {
		t.Fatalf("GetRateHistory failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(history))
	}
	if history[0].RawValue.String() != "12.9" {
		t.Fatalf("upsert kept old value: %s", history[0].RawValue)
	}
}

func TestGetLatestRate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if latest, err := store.GetLatestRate(ctx, rate.CDI); err != nil || latest != nil {
		t.Fatalf("empty store should return nil, nil; got %v, %v", latest, err)
	}

	for _, r := range []StoredRate{
		sampleRate(rate.CDI, 20250113, "12.00"),
		sampleRate(rate.CDI, 20250115, "12.75"),
		sampleRate(rate.CDI, 20250114, "12.50"),
		sampleRate(rate.SELIC, 20250116, "13.25"),
	} {
		if err := store.StoreRate(ctx, r); err != nil {
			t.Fatalf("StoreRate failed: %v", err)
		}
	}

	latest, err := store.GetLatestRate(ctx, rate.CDI)
	if err != nil {
		t.Fatalf("GetLatestRate failed: %v", err)
	}
	if latest == nil || latest.ReferenceDate != 20250115 {
		t.Fatalf("wrong latest: %+v", latest)
	}
	if latest.RateType != rate.CDI {
		t.Fatalf("latest leaked another rate type: %s", latest.RateType)
	}
}

func TestGetRateHistoryWindowAndOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := sampleRate(rate.CDI, 20240101, "11.00")
	old.FetchedAt = time.Now().UTC().AddDate(0, 0, -90)
	recent := sampleRate(rate.CDI, 20250115, "12.75")
	older := sampleRate(rate.CDI, 20250110, "12.50")

	for _, r := range []StoredRate{old, recent, older} {
		if err := store.StoreRate(ctx, r); err != nil {
			t.Fatalf("StoreRate failed: %v", err)
		}
	}

	history, err := store.GetRateHistory(ctx, rate.CDI, 30)
	if err != nil {
		t.Fatalf("GetRateHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("90-day-old row should fall outside a 30-day window, got %d rows", len(history))
	}
	if history[0].ReferenceDate != 20250115 {
		t.Fatalf("history should be most recent first, got %d", history[0].ReferenceDate)
	}
}

func TestAnomalyRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := AnomalyRecord{
		RateType:       rate.IPCA,
		DetectedAt:     time.Now().UTC(),
		AnomalyType:    "value_spike",
		CurrentValue:   15,
		ExpectedLow:    9,
		ExpectedHigh:   11,
		DeviationScore: 999,
		Message:        "value 15 differs from constant 10",
	}
	if err := store.LogAnomaly(ctx, rec); err != nil {
		t.Fatalf("LogAnomaly failed: %v", err)
	}
	if err := store.LogAnomaly(ctx, AnomalyRecord{
		RateType: rate.CDI, DetectedAt: time.Now().UTC(), AnomalyType: "stale_data",
	}); err != nil {
		t.Fatalf("LogAnomaly failed: %v", err)
	}

	all, err := store.GetAnomalies(ctx, "", 7, 10)
	if err != nil {
		t.Fatalf("GetAnomalies failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 anomalies, got %d", len(all))
	}

	filtered, err := store.GetAnomalies(ctx, rate.IPCA, 7, 10)
	if err != nil {
		t.Fatalf("filtered GetAnomalies failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].AnomalyType != "value_spike" {
		t.Fatalf("filter broke: %+v", filtered)
	}
	if filtered[0].DeviationScore != 999 {
		t.Fatalf("score not preserved: %v", filtered[0].DeviationScore)
	}
}

func TestChainUpdateAuditTrail(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tx := "0xabc"
	block := int64(123456)
	gas := int64(21000)
	if err := store.LogChainUpdate(ctx, ChainUpdateRecord{
		RateType:    rate.CDI,
		TxHash:      &tx,
		BlockNumber: &block,
		GasUsed:     &gas,
		Status:      UpdateStatusSuccess,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("LogChainUpdate failed: %v", err)
	}

	errMsg := "transaction reverted"
	if err := store.LogChainUpdate(ctx, ChainUpdateRecord{
		RateType:  rate.SELIC,
		Status:    UpdateStatusFailed,
		Error:     &errMsg,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("LogChainUpdate failed: %v", err)
	}

	updates, err := store.GetChainUpdates(ctx, "", 10)
	if err != nil {
		t.Fatalf("GetChainUpdates failed: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}

	filtered, err := store.GetChainUpdates(ctx, rate.CDI, 10)
	if err != nil {
		t.Fatalf("filtered GetChainUpdates failed: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("filter broke: %d rows", len(filtered))
	}
	got := filtered[0]
	if got.TxHash == nil || *got.TxHash != tx {
		t.Fatalf("tx hash not preserved: %+v", got)
	}
	if got.BlockNumber == nil || *got.BlockNumber != block {
		t.Fatalf("block not preserved: %+v", got)
	}
}

func TestSchedulerRunLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if last, err := store.GetLastRun(ctx, "daily_sync"); err != nil || last != nil {
		t.Fatalf("no runs yet should return nil, nil; got %v, %v", last, err)
	}

	started := time.Now().UTC().Add(-time.Minute)
	if err := store.LogSchedulerRunStart(ctx, "daily_sync", started); err != nil {
		t.Fatalf("LogSchedulerRunStart failed: %v", err)
	}

	last, err := store.GetLastRun(ctx, "daily_sync")
	if err != nil {
		t.Fatalf("GetLastRun failed: %v", err)
	}
	if last == nil || last.Status != RunStatusRunning || last.EndedAt != nil {
		t.Fatalf("open run malformed: %+v", last)
	}

	if err := store.CloseSchedulerRun(ctx, "daily_sync", time.Now().UTC(), RunStatusCompleted, 5, 4, nil); err != nil {
		t.Fatalf("CloseSchedulerRun failed: %v", err)
	}

	last, err = store.GetLastRun(ctx, "daily_sync")
	if err != nil {
		t.Fatalf("GetLastRun failed: %v", err)
	}
	if last.Status != RunStatusCompleted || last.EndedAt == nil {
		t.Fatalf("run not closed: %+v", last)
	}
	if last.RatesProcessed != 5 || last.RatesUpdated != 4 {
		t.Fatalf("counters wrong: %+v", last)
	}

	runs, err := store.GetSchedulerRuns(ctx, 10)
	if err != nil {
		t.Fatalf("GetSchedulerRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
}

func TestCloseSchedulerRunTargetsNewestOpenRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := time.Now().UTC().Add(-2 * time.Hour)
	second := time.Now().UTC().Add(-time.Hour)
	if err := store.LogSchedulerRunStart(ctx, "daily_sync", first); err != nil {
		t.Fatalf("LogSchedulerRunStart failed: %v", err)
	}
	if err := store.LogSchedulerRunStart(ctx, "daily_sync", second); err != nil {
		t.Fatalf("LogSchedulerRunStart failed: %v", err)
	}

	if err := store.CloseSchedulerRun(ctx, "daily_sync", time.Now().UTC(), RunStatusFailed, 0, 0, nil); err != nil {
		t.Fatalf("CloseSchedulerRun failed: %v", err)
	}

	runs, err := store.GetSchedulerRuns(ctx, 10)
	if err != nil {
		t.Fatalf("GetSchedulerRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	// Newest first.
	if runs[0].EndedAt == nil || runs[1].EndedAt != nil {
		t.Fatalf("close targeted the wrong row: %+v", runs)
	}
}

func TestGetStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.StoreRate(ctx, sampleRate(rate.CDI, 20250115, "12.75")); err != nil {
		t.Fatalf("StoreRate failed: %v", err)
	}
	if err := store.LogAnomaly(ctx, AnomalyRecord{RateType: rate.CDI, DetectedAt: time.Now().UTC(), AnomalyType: "velocity"}); err != nil {
		t.Fatalf("LogAnomaly failed: %v", err)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Rates != 1 {
		t.Fatalf("rates count = %d, want 1", stats.Rates)
	}
	if stats.Anomalies != 1 {
		t.Fatalf("anomalies count = %d, want 1", stats.Anomalies)
	}
}
