package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/PedroDnT/delos-oracle/internal/pipeline"
	"github.com/PedroDnT/delos-oracle/internal/rate"
	"github.com/PedroDnT/delos-oracle/internal/storage"
)

type fakeStore struct {
	rates     map[rate.Type]storage.StoredRate
	anomalies []storage.AnomalyRecord
	runs      []storage.SchedulerRun
	statsErr  error
}

func (f *fakeStore) StoreRate(ctx context.Context, r storage.StoredRate) error {
	if f.rates == nil {
		f.rates = map[rate.Type]storage.StoredRate{}
	}
	f.rates[r.RateType] = r
	return nil
}

func (f *fakeStore) GetRateHistory(ctx context.Context, t rate.Type, windowDays int) ([]storage.StoredRate, error) {
	if r, ok := f.rates[t]; ok {
		return []storage.StoredRate{r}, nil
	}
	return nil, nil
}

func (f *fakeStore) GetLatestRate(ctx context.Context, t rate.Type) (*storage.StoredRate, error) {
	if r, ok := f.rates[t]; ok {
		return &r, nil
	}
	return nil, nil
}

func (f *fakeStore) LogAnomaly(ctx context.Context, a storage.AnomalyRecord) error {
	f.anomalies = append(f.anomalies, a)
	return nil
}

func (f *fakeStore) GetAnomalies(ctx context.Context, filter rate.Type, windowDays, limit int) ([]storage.AnomalyRecord, error) {
	return f.anomalies, nil
}

func (f *fakeStore) LogChainUpdate(ctx context.Context, u storage.ChainUpdateRecord) error {
	return nil
}

func (f *fakeStore) GetChainUpdates(ctx context.Context, filter rate.Type, limit int) ([]storage.ChainUpdateRecord, error) {
	return nil, nil
}

func (f *fakeStore) LogSchedulerRunStart(ctx context.Context, jobID string, startedAt time.Time) error {
	return nil
}

func (f *fakeStore) CloseSchedulerRun(ctx context.Context, jobID string, endedAt time.Time, status string, processed, updated int, errMsg *string) error {
	return nil
}

func (f *fakeStore) GetSchedulerRuns(ctx context.Context, limit int) ([]storage.SchedulerRun, error) {
	return f.runs, nil
}

func (f *fakeStore) GetLastRun(ctx context.Context, jobID string) (*storage.SchedulerRun, error) {
	return nil, nil
}

func (f *fakeStore) GetStats(ctx context.Context) (storage.Stats, error) {
	if f.statsErr != nil {
		return storage.Stats{}, f.statsErr
	}
	return storage.Stats{Rates: int64(len(f.rates))}, nil
}

type fakeSyncer struct {
	gotTypes []rate.Type
	result   *pipeline.Result
	err      error
}

func (f *fakeSyncer) UpdateRates(ctx context.Context, rateTypes []rate.Type, jobID string) (*pipeline.Result, error) {
	f.gotTypes = rateTypes
	return f.result, f.err
}

func newTestServer(store StatsStore, syncer SyncRunner) *Server {
	return New(Options{}, store, nil, nil, syncer, nil, zerolog.Nop())
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func seededStore() *fakeStore {
	store := &fakeStore{}
	_ = store.StoreRate(context.Background(), storage.StoredRate{
		RateType:      rate.CDI,
		RawValue:      decimal.RequireFromString("12.75"),
		ScaledValue:   1_275_000_000,
		ReferenceDate: 20250115,
		FetchedAt:     time.Now().UTC(),
		Source:        "BCB-12",
	})
	return store
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(seededStore(), nil)
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("status field = %v", resp["status"])
	}
	if resp["database"] != true {
		t.Fatalf("database field = %v", resp["database"])
	}
}

func TestListRates(t *testing.T) {
	srv := newTestServer(seededStore(), nil)
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/rates", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	cdi, ok := resp["CDI"]
	if !ok {
		t.Fatalf("CDI missing: %v", resp)
	}
	if cdi["value"] != "12.75" {
		t.Fatalf("value = %v", cdi["value"])
	}
}

func TestGetRateInvalidType(t *testing.T) {
	srv := newTestServer(seededStore(), nil)
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/rates/LIBOR", "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), errCodeInvalidRateType) {
		t.Fatalf("error code missing: %s", rec.Body.String())
	}
}

func TestGetRateNotFound(t *testing.T) {
	srv := newTestServer(&fakeStore{}, nil)
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/rates/CDI", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRateHistory(t *testing.T) {
	srv := newTestServer(seededStore(), nil)
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/rates/cdi/history?days=7", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp["count"] != float64(1) {
		t.Fatalf("count = %v", resp["count"])
	}
	if resp["days"] != float64(7) {
		t.Fatalf("days = %v", resp["days"])
	}
}

func TestSyncEndpoint(t *testing.T) {
	syncer := &fakeSyncer{result: &pipeline.Result{
		Status:       storage.RunStatusCompleted,
		RatesFetched: 1,
		RatesUpdated: 1,
	}}
	srv := newTestServer(seededStore(), syncer)

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/sync", `{"rate_types":["CDI"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(syncer.gotTypes) != 1 || syncer.gotTypes[0] != rate.CDI {
		t.Fatalf("syncer got %v", syncer.gotTypes)
	}

	rec = doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/sync", `{"rate_types":["LIBOR"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSyncUnavailableWithoutRunner(t *testing.T) {
	srv := newTestServer(seededStore(), nil)
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/sync", "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
