package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/internal/transport"
)

var swCmd = &cobra.Command{
	Use:   "sw",
	Short: "Talk to a running edge over the worker channel",
	Long: `The sw commands connect to the worker channel of a running
'parksync serve' the way a page does.`,
}

var swUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Activate a waiting edge version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorker(func(ws *transport.WSClient) error {
			return ws.ApplyUpdate()
		}, "Update requested")
	},
}

var swPrimeCmd = &cobra.Command{
	Use:   "prime",
	Short: "Refresh the cached page shell",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorker(func(ws *transport.WSClient) error {
			return ws.PrimeShell()
		}, "Shell refresh requested")
	},
}

var swListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print worker messages until interrupted",
	RunE:  runSWListen,
}

var (
	swEdgeURL string
	swPageURL string
)

func init() {
	rootCmd.AddCommand(swCmd)
	swCmd.AddCommand(swUpdateCmd, swPrimeCmd, swListenCmd)

	swCmd.PersistentFlags().StringVar(&swEdgeURL, "edge", "",
		"Edge base URL (default http://<edge.listen>)")
	swCmd.PersistentFlags().StringVar(&swPageURL, "page", "/",
		"Page URL reported to the worker")
}

func connectWorker(ctx context.Context) (*transport.WSClient, error) {
	edgeURL := swEdgeURL
	if edgeURL == "" {
		edgeURL = "http://" + cfg.Edge.Listen
	}
	ws := transport.NewWSClient(edgeURL, swPageURL, logger)
	if err := ws.Connect(ctx); err != nil {
		return nil, err
	}
	return ws, nil
}

func withWorker(send func(*transport.WSClient) error, done string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ws, err := connectWorker(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := send(ws); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true})
		return nil
	}
	printSuccess("%s", done)
	return nil
}

func runSWListen(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := connectWorker(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	if !jsonOutput {
		printInfo("Connected as %s, press Ctrl+C to stop", swPageURL)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-ws.Errors():
			if ok {
				return err
			}
		case msg, ok := <-ws.Messages():
			if !ok {
				return fmt.Errorf("worker channel closed")
			}
			printMessage(msg)
		}
	}
}

func printMessage(msg models.WorkerMessage) {
	if jsonOutput {
		printJSON(msg)
		return
	}
	switch msg.Type {
	case models.MsgNotification:
		if n := msg.Notification; n != nil {
			printInfo("🔔 %s: %s (%s)", n.Title, n.Body, n.URL)
			return
		}
	case models.MsgActivated:
		printSuccess("Edge version %s activated", msg.Version)
		return
	case models.MsgFocus, models.MsgNavigate:
		printInfo("%s %s", msg.Type, msg.URL)
		return
	}
	fmt.Println(msg.Type)
}
