package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/PedroDnT/delos-oracle/internal/rate"
)

// StoredRate is a persisted observation, versioned by reference date.
type StoredRate struct {
	ID            int64
	RateType      rate.Type
	ScaledValue   int64
	RawValue      decimal.Decimal
	ReferenceDate int // YYYYMMDD
	ReferenceTime time.Time
	FetchedAt     time.Time
	Source        string
}

// ChainUpdateRecord is one row of the append-only on-chain audit trail.
type ChainUpdateRecord struct {
	ID          int64
	RateType    rate.Type
	TxHash      *string
	BlockNumber *int64
	GasUsed     *int64
	Status      string // success | failed | skipped
	Error       *string
	Timestamp   time.Time
}

// Chain update statuses.
const (
	UpdateStatusSuccess = "success"
	UpdateStatusFailed  = "failed"
	UpdateStatusSkipped = "skipped"
)

// AnomalyRecord is one append-only detected anomaly.
type AnomalyRecord struct {
	ID             int64
	RateType       rate.Type
	DetectedAt     time.Time
	AnomalyType    string
	CurrentValue   float64
	ExpectedLow    float64
	ExpectedHigh   float64
	DeviationScore float64
	Message        string
}

// SchedulerRun tracks one job execution from start to completion.
type SchedulerRun struct {
	ID             int64
	JobID          string
	StartedAt      time.Time
	EndedAt        *time.Time
	Status         string // running | completed | failed
	RatesProcessed int
	RatesUpdated   int
	Error          *string
}

// Scheduler run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Stats summarises table row counts for the stats endpoint.
type Stats struct {
	Rates         int64  `json:"rates_count"`
	ChainUpdates  int64  `json:"chain_updates_count"`
	Anomalies     int64  `json:"anomalies_count"`
	SchedulerRuns int64  `json:"scheduler_runs_count"`
	DatabasePath  string `json:"database_path"`
}
