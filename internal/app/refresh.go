package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"quota-watch/internal/service"
)

// Refresh runs one cycle in the foreground and prints per-source outcomes.
func (a *App) Refresh(ctx context.Context, opts RefreshOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	orch, err := a.newOrchestrator(store, nil, a.newRegistry())
	if err != nil {
		return err
	}

	res, err := orch.TriggerRefresh(ctx, service.RefreshOptions{
		ForceAll:         opts.Force,
		IncludeSourceIDs: opts.SourceIDs,
		OnlyIncluded:     opts.Only && len(opts.SourceIDs) > 0,
		BypassBreaker:    opts.BypassBreaker,
	})
	printCycle(res)
	if err != nil {
		return fmt.Errorf("refresh cycle: %w", err)
	}
	return nil
}

func printCycle(res service.CycleResult) {
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tStatus\tKept\tLatency\tError")
	for _, out := range res.Outcomes {
		fmt.Fprintf(writer, "%s\t%s\t%d\t%dms\t%s\n", out.SourceID, out.Status, out.SamplesKept, out.LatencyMs, sanitizeInline(out.Error))
	}
	writer.Flush()

	fmt.Fprintf(os.Stdout, "\nattempted=%d succeeded=%d failed=%d skipped_open=%d skipped_inactive=%d stored=%d resets=%d alerts=%d duration=%s\n",
		res.Attempted, res.Succeeded, res.Failed, res.SkippedOpenCircuit, res.SkippedInactive,
		res.SamplesStored, len(res.ResetEvents), res.AlertsSent, res.Duration.Round(time.Millisecond))
	for _, ev := range res.ResetEvents {
		fmt.Fprintf(os.Stdout, "reset detected: %s (%s) %.2f -> %.2f\n", ev.SourceID, ev.ResetType, ev.PreviousUsed, ev.NewUsed)
	}
}
