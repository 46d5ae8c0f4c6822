package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the edge cache manager in front of the backend",
	Long: `Serve installs the configured app version into the edge cache, deletes
caches left by older versions and then proxies the app: GET requests are
answered by the caching strategies, mutations pass through and are queued
for background sync when the backend is unreachable.

Pages connect to the worker channel at /__ps/sw for update, push and
notification messages.`,
	Example: `  parksync serve
  parksync serve --listen :8088 --upstream https://parking.example.com
  parksync serve --sync`,
	RunE: runServe,
}

var (
	serveListen   string
	serveUpstream string
	serveSync     bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "",
		"Listen address (default from edge.listen)")
	serveCmd.Flags().StringVar(&serveUpstream, "upstream", "",
		"Backend origin (default from edge.upstream, then api.base_url)")
	serveCmd.Flags().BoolVar(&serveSync, "sync", false,
		"Also run the sync coordinator for the persisted client queue")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveListen != "" {
		cfg.Edge.Listen = serveListen
	}
	if serveUpstream != "" {
		cfg.Edge.Upstream = serveUpstream
	}

	edgeMgr, err := apiClient.NewEdge(ctx)
	if err != nil {
		return err
	}
	defer edgeMgr.Close()

	report, deleted, err := edgeMgr.Start(ctx)
	if err != nil {
		return fmt.Errorf("start edge: %w", err)
	}
	for _, u := range report.Failed {
		printWarning("Could not precache %s", u)
	}
	if !jsonOutput {
		printInfo("Edge %s active: %d assets precached, %d old caches deleted",
			cfg.Edge.AppVersion, len(report.Cached), len(deleted))
	}

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, apiClient.Metrics.Handler())
	}
	mux.Handle("/", edgeMgr)

	server := &http.Server{
		Addr:              cfg.Edge.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if serveSync {
		// The precache just reached the origin, so a flag persisted by an
		// earlier offline run is stale.
		if len(report.Cached) > 0 {
			apiClient.Store.SetConnectionStatus(true)
		}
		go func() {
			if err := apiClient.Sync.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("Sync coordinator stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{
			"listen":  cfg.Edge.Listen,
			"version": cfg.Edge.AppVersion,
		}).Info("Edge listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		if !jsonOutput {
			printWarning("\nShutting down...")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
