package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/PedroDnT/delos-oracle/internal/bcb"
	"github.com/PedroDnT/delos-oracle/internal/rate"
)

type chainChecker interface {
	NeedsUpdate(ctx context.Context, obs bcb.Observation) (bool, string, error)
}

// Sync runs a one-shot fetch-and-submit cycle for the selected rate types.
// With DryRun set, it fetches and reports what would be submitted without
// touching the chain.
func (a *App) Sync(ctx context.Context, opts SyncOptions) error {
	rateTypes, err := parseRateTypes(opts.RateTypes)
	if err != nil {
		return err
	}
	if len(rateTypes) == 0 {
		rateTypes = rate.All()
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	chain, err := a.newOracle()
	if err != nil {
		return err
	}
	defer chain.Close()

	if opts.DryRun {
		return a.dryRun(ctx, rateTypes, chain)
	}

	pipe := a.newPipeline(store, chain, a.newNotifier())
	jobID := fmt.Sprintf("manual_sync_%d", time.Now().Unix())

	result, err := pipe.UpdateRates(ctx, rateTypes, jobID)
	if result != nil {
		fmt.Fprintf(os.Stdout, "job:      %s\n", result.JobID)
		fmt.Fprintf(os.Stdout, "status:   %s\n", result.Status)
		fmt.Fprintf(os.Stdout, "fetched:  %d  failed: %d\n", result.RatesFetched, result.RatesFailed)
		fmt.Fprintf(os.Stdout, "updated:  %d  skipped: %d\n", result.RatesUpdated, result.RatesSkipped)
		if result.TxHash != "" {
			fmt.Fprintf(os.Stdout, "tx:       %s\n", result.TxHash)
		}
		if result.Anomalies > 0 {
			fmt.Fprintf(os.Stdout, "anomalies: %d\n", result.Anomalies)
		}
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stdout, "error:    %s\n", e)
		}
	}
	return err
}

func (a *App) dryRun(ctx context.Context, rateTypes []rate.Type, chain chainChecker) error {
	fetcher := a.newFetcher()

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rate\tValue\tScaled\tRefDate\tAction")

	for _, t := range rateTypes {
		obs, err := fetcher.FetchLatest(ctx, t)
		if err != nil {
			fmt.Fprintf(writer, "%s\t-\t-\t-\tfetch failed: %v\n", t, err)
			continue
		}

		action := "submit"
		needed, reason, err := chain.NeedsUpdate(ctx, obs)
		switch {
		case err != nil:
			action = fmt.Sprintf("check failed: %v", err)
		case !needed:
			action = "skip (" + reason + ")"
		}

		fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%s\n",
			t, obs.RawValue.String(), obs.ScaledValue, obs.ReferenceDate, action)
	}

	return writer.Flush()
}

// Status prints connectivity and on-chain state.
func (a *App) Status(ctx context.Context) error {
	fetcher := a.newFetcher()
	fmt.Fprintf(os.Stdout, "bcb api:   healthy=%v\n", fetcher.Healthy(ctx))

	chain, err := a.newOracle()
	if err != nil {
		return err
	}
	defer chain.Close()

	chainID, block, err := chain.CheckConnection(ctx)
	if err != nil {
		fmt.Fprintf(os.Stdout, "chain:     unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(os.Stdout, "chain:     id=%s block=%d\n", chainID, block)

	if balance, err := chain.Balance(ctx); err == nil {
		fmt.Fprintf(os.Stdout, "updater:   %s balance=%s ETH\n", chain.Updater().Hex(), balance.StringFixed(6))
	}

	current, err := chain.GetAllCurrentRates(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rate\tValue\tRefDate\tUpdated (UTC)")
	for _, t := range rate.All() {
		stored, ok := current[t]
		if !ok {
			fmt.Fprintf(writer, "%s\t-\t-\tnever\n", t)
			continue
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\n",
			t, rate.Descale(stored.Answer).String(), stored.ReferenceDate,
			stored.UpdatedAt.Format(time.RFC3339))
	}
	return writer.Flush()
}

func parseRateTypes(raw []string) ([]rate.Type, error) {
	var out []rate.Type
	for _, r := range raw {
		for _, piece := range strings.Split(r, ",") {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}
			t, err := rate.Parse(piece)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	return out, nil
}
