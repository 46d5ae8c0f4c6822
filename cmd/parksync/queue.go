package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or flush the offline action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions",
	Example: `  parksync queue list
  parksync queue list --status failed`,
	RunE: runQueueList,
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Remove queued actions by status",
	Long: `Flush removes queue items whose status is listed in --status.
Pending items are only removed when named explicitly.`,
	Example: `  parksync queue flush
  parksync queue flush --status failed,synced,pending`,
	RunE: runQueueFlush,
}

var (
	queueListStatus  []string
	queueFlushStatus []string
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueFlushCmd)

	queueListCmd.Flags().StringSliceVar(&queueListStatus, "status", nil,
		"Only show items with these statuses (pending, synced, failed)")
	queueFlushCmd.Flags().StringSliceVar(&queueFlushStatus, "status", []string{"synced", "failed"},
		"Statuses to flush")
}

func parseStatuses(values []string) ([]models.QueueStatus, error) {
	out := make([]models.QueueStatus, 0, len(values))
	for _, v := range values {
		st := models.QueueStatus(strings.ToLower(strings.TrimSpace(v)))
		switch st {
		case models.QueuePending, models.QueueSynced, models.QueueFailed:
			out = append(out, st)
		default:
			return nil, fmt.Errorf("unknown status %q", v)
		}
	}
	return out, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	statuses, err := parseStatuses(queueListStatus)
	if err != nil {
		return err
	}
	match := store.StatusIn(statuses...)

	var items []models.QueueItem
	for _, item := range apiClient.Snapshot().OfflineQueue {
		if len(statuses) == 0 || match(item) {
			items = append(items, item)
		}
	}

	if jsonOutput {
		if items == nil {
			items = []models.QueueItem{}
		}
		printJSON(items)
		return nil
	}

	if len(items) == 0 {
		printInfo("Offline queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tATTEMPTS\tAGE")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			item.ID, item.Type(), item.Status, item.Attempts,
			time.Since(item.CreatedAt).Round(time.Second))
	}
	return w.Flush()
}

func runQueueFlush(cmd *cobra.Command, args []string) error {
	statuses, err := parseStatuses(queueFlushStatus)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		return fmt.Errorf("no statuses to flush")
	}

	removed := apiClient.Store.FlushQueue(store.StatusIn(statuses...))

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "removed": removed})
		return nil
	}
	printSuccess("Removed %d queued action(s)", removed)
	return nil
}
