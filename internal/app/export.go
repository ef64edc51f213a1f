package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/PedroDnT/delos-oracle/internal/rate"
	"github.com/PedroDnT/delos-oracle/internal/storage"
)

// Export renders a rate's stored history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.RateType == "" {
		return errors.New("--rate is required")
	}
	t, err := rate.Parse(opts.RateType)
	if err != nil {
		return err
	}

	days := opts.Days
	if days <= 0 {
		days = 365
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	history, err := store.GetRateHistory(ctx, t, days)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		a.Logger.Info().Str("rate_type", t.String()).Msg("no observations found for export window")
		return nil
	}

	// History comes newest-first; charts want chronological order.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}

	downsampled := downsampleRates(history, opts.MaxPoints)
	a.Logger.Info().Int("total", len(history)).Int("exported", len(downsampled)).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeRatesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRatesPNG(opts.PNGPath, t, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRates(rates []storage.StoredRate, max int) []storage.StoredRate {
	if max <= 0 || len(rates) <= max {
		return rates
	}

	result := make([]storage.StoredRate, 0, max)
	step := float64(len(rates)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rates) {
			idx = len(rates) - 1
		}
		result = append(result, rates[idx])
	}
	return result
}

func writeRatesCSV(path string, rates []storage.StoredRate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"rate_type", "value", "scaled_value", "reference_date", "fetched_at", "source"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range rates {
		record := []string{
			r.RateType.String(),
			r.RawValue.String(),
			fmt.Sprintf("%d", r.ScaledValue),
			fmt.Sprintf("%d", r.ReferenceDate),
			r.FetchedAt.UTC().Format(time.RFC3339),
			r.Source,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeRatesPNG(path string, t rate.Type, rates []storage.StoredRate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rates))
	values := make([]float64, len(rates))
	for i, r := range rates {
		x[i] = r.FetchedAt
		values[i] = r.RawValue.InexactFloat64()
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           string(t),
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    string(t),
				XValues: x,
				YValues: values,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
