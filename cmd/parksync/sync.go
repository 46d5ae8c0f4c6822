package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/parksync/internal/services/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay the offline queue against the backend",
	Long: `Sync marks the client online and replays pending queue items oldest
first. Items that keep failing are marked failed after the retry cap.

With --watch the coordinator keeps running: it replays whenever the client
comes back online and on the configured interval.`,
	Example: `  parksync sync
  parksync sync --watch
  parksync sync --json`,
	RunE: runSync,
}

var syncWatch bool

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false,
		"Keep running and replay on reconnect and interval")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if syncWatch {
		return runSyncWatch(ctx)
	}

	report, err := apiClient.Sync.OnOnline(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if jsonOutput {
		printJSON(reportJSON(report))
		return nil
	}
	printReport(report)
	return nil
}

func runSyncWatch(ctx context.Context) error {
	go func() {
		for event := range apiClient.Sync.Events() {
			if jsonOutput {
				printJSON(eventJSON(event))
				continue
			}
			switch event.Type {
			case sync.EventItemSynced:
				printSuccess("✓ %s %s", event.Item.Type, event.Item.ID)
			case sync.EventItemRetry:
				printWarning("↻ %s %s (attempt %d): %v", event.Item.Type, event.Item.ID, event.Item.Attempts, event.Item.Err)
			case sync.EventItemFailed:
				printError("✗ %s %s: %v", event.Item.Type, event.Item.ID, event.Item.Err)
			case sync.EventCompleted:
				if event.Report != nil && len(event.Report.Items) > 0 {
					printReport(*event.Report)
				}
			}
		}
	}()

	if !jsonOutput {
		printInfo("Watching offline queue, press Ctrl+C to stop")
	}
	apiClient.Store.SetConnectionStatus(true)

	err := apiClient.Sync.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printReport(r sync.Report) {
	if len(r.Items) == 0 {
		printInfo("Offline queue is empty")
		return
	}
	fmt.Printf("\n📊 Sync Summary:\n")
	fmt.Printf("   Items replayed: %d\n", len(r.Items))
	fmt.Printf("   Synced:   %d\n", r.Synced)
	fmt.Printf("   Retrying: %d\n", r.Retrying)
	fmt.Printf("   Failed:   %d\n", r.Failed)
	fmt.Printf("   Duration: %s\n", r.Duration.Round(time.Millisecond))

	for _, err := range r.Errors() {
		printWarning("   %v", err)
	}
}

func reportJSON(r sync.Report) map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, itemJSON(item))
	}
	return map[string]interface{}{
		"success":  r.Failed == 0,
		"synced":   r.Synced,
		"retrying": r.Retrying,
		"failed":   r.Failed,
		"flushed":  r.Flushed,
		"duration": r.Duration.String(),
		"items":    items,
	}
}

func itemJSON(item sync.ItemResult) map[string]interface{} {
	out := map[string]interface{}{
		"id":       item.ID,
		"type":     item.Type,
		"status":   item.Status,
		"attempts": item.Attempts,
	}
	if item.Err != nil {
		out["error"] = item.Err.Error()
	}
	return out
}

func eventJSON(event sync.Event) map[string]interface{} {
	out := map[string]interface{}{
		"type":      event.Type,
		"timestamp": event.Timestamp,
	}
	if event.Item != nil {
		out["item"] = itemJSON(*event.Item)
	}
	if event.Report != nil {
		out["report"] = reportJSON(*event.Report)
	}
	if event.Error != nil {
		out["error"] = event.Error.Error()
	}
	return out
}
