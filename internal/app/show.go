package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/PedroDnT/delos-oracle/internal/rate"
	"github.com/PedroDnT/delos-oracle/internal/storage"
)

// Show prints recent stored observations, or with the corresponding option
// recent anomalies or scheduler runs.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	if opts.Runs {
		return showRuns(ctx, store, limit)
	}
	if opts.Anomalies {
		return showAnomalies(ctx, store, opts.RateType, limit)
	}

	var types []rate.Type
	if opts.RateType != "" {
		t, err := rate.Parse(opts.RateType)
		if err != nil {
			return err
		}
		types = []rate.Type{t}
	} else {
		types = rate.All()
	}

	var rows []storage.StoredRate
	for _, t := range types {
		history, err := store.GetRateHistory(ctx, t, 365)
		if err != nil {
			return err
		}
		if len(history) > limit {
			history = history[:limit]
		}
		rows = append(rows, history...)
	}

	if len(rows) == 0 {
		fmt.Fprintln(os.Stdout, "no observations found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rate\tValue\tScaled\tRefDate\tFetched (UTC)\tSource")
	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%d\t%s\t%s\n",
			row.RateType,
			row.RawValue.String(),
			row.ScaledValue,
			row.ReferenceDate,
			row.FetchedAt.UTC().Format(time.RFC3339),
			sanitizeInline(row.Source),
		)
	}

	return writer.Flush()
}

func showAnomalies(ctx context.Context, store *storage.Store, rateType string, limit int) error {
	var filter rate.Type
	if rateType != "" {
		t, err := rate.Parse(rateType)
		if err != nil {
			return err
		}
		filter = t
	}

	anomalies, err := store.GetAnomalies(ctx, filter, 365, limit)
	if err != nil {
		return err
	}
	if len(anomalies) == 0 {
		fmt.Fprintln(os.Stdout, "no anomalies found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Detected (UTC)\tRate\tKind\tValue\tScore\tMessage")
	for _, a := range anomalies {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%.4f\t%.2f\t%s\n",
			a.DetectedAt.UTC().Format(time.RFC3339),
			a.RateType,
			a.AnomalyType,
			a.CurrentValue,
			a.DeviationScore,
			sanitizeInline(a.Message),
		)
	}
	return writer.Flush()
}

func showRuns(ctx context.Context, store *storage.Store, limit int) error {
	runs, err := store.GetSchedulerRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stdout, "no scheduler runs found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Job\tStarted (UTC)\tEnded (UTC)\tStatus\tProcessed\tUpdated\tError")
	for _, run := range runs {
		ended := "-"
		if run.EndedAt != nil {
			ended = run.EndedAt.UTC().Format(time.RFC3339)
		}
		errMsg := ""
		if run.Error != nil {
			errMsg = sanitizeInline(*run.Error)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			run.JobID,
			run.StartedAt.UTC().Format(time.RFC3339),
			ended,
			run.Status,
			run.RatesProcessed,
			run.RatesUpdated,
			errMsg,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
