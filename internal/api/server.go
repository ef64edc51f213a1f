// Package api serves the read-side HTTP surface: current and historical
// rates, anomaly and audit listings, scheduler introspection, and a manual
// sync trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/PedroDnT/delos-oracle/internal/oracle"
	"github.com/PedroDnT/delos-oracle/internal/pipeline"
	"github.com/PedroDnT/delos-oracle/internal/rate"
	"github.com/PedroDnT/delos-oracle/internal/scheduler"
	"github.com/PedroDnT/delos-oracle/internal/storage"
)

// Error codes returned in JSON error envelopes.
const (
	errCodeInvalidRateType = "INVALID_RATE_TYPE"
	errCodeNotFound        = "NOT_FOUND"
	errCodeSyncFailed      = "SYNC_FAILED"
	errCodeInternal        = "INTERNAL_ERROR"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChainReader is the read-only oracle surface the API exposes.
type ChainReader interface {
	GetCurrentRate(ctx context.Context, t rate.Type) (*oracle.StoredRate, error)
	GetAllCurrentRates(ctx context.Context) (map[rate.Type]oracle.StoredRate, error)
	CheckConnection(ctx context.Context) (chainID *big.Int, block uint64, err error)
}

// SourceChecker reports upstream data-source health.
type SourceChecker interface {
	Healthy(ctx context.Context) bool
}

// SyncRunner triggers a sync run on demand.
type SyncRunner interface {
	UpdateRates(ctx context.Context, rateTypes []rate.Type, jobID string) (*pipeline.Result, error)
}

// StatsStore is the storage slice the API reads.
type StatsStore interface {
	storage.RateStore
	storage.AnomalyStore
	storage.AuditStore
	GetStats(ctx context.Context) (storage.Stats, error)
}

// Options configure the HTTP server.
type Options struct {
	ListenAddr     string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server hosts the HTTP API.
type Server struct {
	opts   Options
	router *mux.Router
	store  StatsStore
	chain  ChainReader
	source SourceChecker
	syncer SyncRunner
	sched  *scheduler.Scheduler
	logger zerolog.Logger
}

// New builds the server and installs its routes. chain, source, syncer, and
// sched may each be nil; the corresponding endpoints then degrade gracefully.
func New(opts Options, store StatsStore, chain ChainReader, source SourceChecker, syncer SyncRunner, sched *scheduler.Scheduler, logger zerolog.Logger) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		opts:   opts,
		router: mux.NewRouter(),
		store:  store,
		chain:  chain,
		source: source,
		syncer: syncer,
		sched:  sched,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	v1.HandleFunc("/rates", s.handleListRates()).Methods(http.MethodGet)
	v1.HandleFunc("/rates/{type}", s.handleGetRate()).Methods(http.MethodGet)
	v1.HandleFunc("/rates/{type}/history", s.handleRateHistory()).Methods(http.MethodGet)
	v1.HandleFunc("/anomalies", s.handleAnomalies()).Methods(http.MethodGet)
	v1.HandleFunc("/updates", s.handleChainUpdates()).Methods(http.MethodGet)
	v1.HandleFunc("/scheduler/jobs", s.handleJobs()).Methods(http.MethodGet)
	v1.HandleFunc("/scheduler/runs", s.handleRuns()).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handleStats()).Methods(http.MethodGet)
	v1.HandleFunc("/sync", s.handleSync()).Methods(http.MethodPost)
}

// Handler returns the routed handler wrapped in CORS middleware.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.ListenAddr).Msg("api server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}

		if s.source != nil {
			resp["bcb_api"] = s.source.Healthy(r.Context())
		}
		if s.chain != nil {
			chainID, block, err := s.chain.CheckConnection(r.Context())
			if err != nil {
				resp["chain"] = map[string]any{"connected": false, "error": err.Error()}
			} else {
				resp["chain"] = map[string]any{
					"connected": true,
					"chain_id":  chainID.String(),
					"block":     block,
				}
			}
		}
		if _, err := s.store.GetStats(r.Context()); err != nil {
			resp["database"] = false
			resp["status"] = "degraded"
		} else {
			resp["database"] = true
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleListRates() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]any, len(rate.All()))
		for _, t := range rate.All() {
			latest, err := s.store.GetLatestRate(r.Context(), t)
			if err != nil {
				s.logger.Error().Err(err).Str("rate_type", t.String()).Msg("failed to read latest rate")
				continue
			}
			if latest == nil {
				continue
			}
			out[t.String()] = storedRateView(latest)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleGetRate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := s.rateTypeFromPath(w, r)
		if !ok {
			return
		}

		latest, err := s.store.GetLatestRate(r.Context(), t)
		if err != nil {
			s.internalError(w, err, "failed to read latest rate")
			return
		}
		if latest == nil {
			writeError(w, http.StatusNotFound, errCodeNotFound, fmt.Sprintf("no stored data for %s", t))
			return
		}

		resp := map[string]any{"stored": storedRateView(latest)}
		if s.chain != nil {
			onchain, err := s.chain.GetCurrentRate(r.Context(), t)
			switch {
			case err == nil:
				resp["onchain"] = map[string]any{
					"answer":         onchain.Answer,
					"value":          rate.Descale(onchain.Answer).String(),
					"updated_at":     onchain.UpdatedAt.UTC().Format(time.RFC3339),
					"reference_date": onchain.ReferenceDate,
				}
			case errors.Is(err, oracle.ErrRateNotFound):
				resp["onchain"] = nil
			default:
				s.logger.Error().Err(err).Str("rate_type", t.String()).Msg("failed to read on-chain rate")
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleRateHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := s.rateTypeFromPath(w, r)
		if !ok {
			return
		}
		days := queryInt(r, "days", 30)

		history, err := s.store.GetRateHistory(r.Context(), t, days)
		if err != nil {
			s.internalError(w, err, "failed to read rate history")
			return
		}

		out := make([]any, 0, len(history))
		for i := range history {
			out = append(out, storedRateView(&history[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"rate_type": t.String(),
			"days":      days,
			"count":     len(out),
			"history":   out,
		})
	}
}

func (s *Server) handleAnomalies() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter rate.Type
		if raw := r.URL.Query().Get("type"); raw != "" {
			t, err := rate.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, errCodeInvalidRateType, err.Error())
				return
			}
			filter = t
		}
		days := queryInt(r, "days", 7)
		limit := queryInt(r, "limit", 100)

		anomalies, err := s.store.GetAnomalies(r.Context(), filter, days, limit)
		if err != nil {
			s.internalError(w, err, "failed to list anomalies")
			return
		}

		out := make([]any, 0, len(anomalies))
		for _, a := range anomalies {
			out = append(out, map[string]any{
				"rate_type":       a.RateType.String(),
				"detected_at":     a.DetectedAt.UTC().Format(time.RFC3339),
				"anomaly_type":    a.AnomalyType,
				"current_value":   a.CurrentValue,
				"expected_low":    a.ExpectedLow,
				"expected_high":   a.ExpectedHigh,
				"deviation_score": a.DeviationScore,
				"message":         a.Message,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "anomalies": out})
	}
}

func (s *Server) handleChainUpdates() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter rate.Type
		if raw := r.URL.Query().Get("type"); raw != "" {
			t, err := rate.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, errCodeInvalidRateType, err.Error())
				return
			}
			filter = t
		}
		limit := queryInt(r, "limit", 50)

		updates, err := s.store.GetChainUpdates(r.Context(), filter, limit)
		if err != nil {
			s.internalError(w, err, "failed to list chain updates")
			return
		}

		out := make([]any, 0, len(updates))
		for _, u := range updates {
			entry := map[string]any{
				"rate_type": u.RateType.String(),
				"status":    u.Status,
				"timestamp": u.Timestamp.UTC().Format(time.RFC3339),
			}
			if u.TxHash != nil {
				entry["tx_hash"] = *u.TxHash
			}
			if u.BlockNumber != nil {
				entry["block_number"] = *u.BlockNumber
			}
			if u.GasUsed != nil {
				entry["gas_used"] = *u.GasUsed
			}
			if u.Error != nil {
				entry["error"] = *u.Error
			}
			out = append(out, entry)
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "updates": out})
	}
}

func (s *Server) handleJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.sched == nil {
			writeJSON(w, http.StatusOK, map[string]any{"jobs": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": s.sched.Jobs()})
	}
}

func (s *Server) handleRuns() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 20)
		runs, err := s.store.GetSchedulerRuns(r.Context(), limit)
		if err != nil {
			s.internalError(w, err, "failed to list scheduler runs")
			return
		}

		out := make([]any, 0, len(runs))
		for _, run := range runs {
			entry := map[string]any{
				"job_id":          run.JobID,
				"started_at":      run.StartedAt.UTC().Format(time.RFC3339),
				"status":          run.Status,
				"rates_processed": run.RatesProcessed,
				"rates_updated":   run.RatesUpdated,
			}
			if run.EndedAt != nil {
				entry["ended_at"] = run.EndedAt.UTC().Format(time.RFC3339)
			}
			if run.Error != nil {
				entry["error"] = *run.Error
			}
			out = append(out, entry)
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "runs": out})
	}
}

func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.store.GetStats(r.Context())
		if err != nil {
			s.internalError(w, err, "failed to read stats")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func (s *Server) handleSync() http.HandlerFunc {
	type syncRequest struct {
		RateTypes []string `json:"rate_types"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if s.syncer == nil {
			writeError(w, http.StatusServiceUnavailable, errCodeSyncFailed, "sync is not available")
			return
		}

		var req syncRequest
		if r.Body != nil {
			// An empty body means "sync everything".
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		var rateTypes []rate.Type
		for _, raw := range req.RateTypes {
			t, err := rate.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, errCodeInvalidRateType, err.Error())
				return
			}
			rateTypes = append(rateTypes, t)
		}

		jobID := fmt.Sprintf("api_sync_%d", time.Now().Unix())
		result, err := s.syncer.UpdateRates(r.Context(), rateTypes, jobID)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("manual sync failed")
			status := http.StatusInternalServerError
			writeJSON(w, status, map[string]any{
				"error":  apiError{Code: errCodeSyncFailed, Message: err.Error()},
				"result": result,
			})
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) rateTypeFromPath(w http.ResponseWriter, r *http.Request) (rate.Type, bool) {
	raw := mux.Vars(r)["type"]
	t, err := rate.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeInvalidRateType, err.Error())
		return "", false
	}
	return t, true
}

func (s *Server) internalError(w http.ResponseWriter, err error, msg string) {
	s.logger.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, errCodeInternal, msg)
}

func storedRateView(r *storage.StoredRate) map[string]any {
	return map[string]any{
		"rate_type":      r.RateType.String(),
		"value":          r.RawValue.String(),
		"scaled_value":   r.ScaledValue,
		"reference_date": r.ReferenceDate,
		"fetched_at":     r.FetchedAt.UTC().Format(time.RFC3339),
		"source":         r.Source,
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}
