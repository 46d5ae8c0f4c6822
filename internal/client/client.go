package client

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/parksync/internal/config"
	"github.com/TheMichaelB/parksync/internal/events"
	"github.com/TheMichaelB/parksync/internal/metrics"
	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/internal/services/api"
	"github.com/TheMichaelB/parksync/internal/services/sync"
	"github.com/TheMichaelB/parksync/internal/state"
	"github.com/TheMichaelB/parksync/internal/store"
	"github.com/TheMichaelB/parksync/internal/transport"
)

// Client provides the high-level API for ParkSync operations.
type Client struct {
	Store   *store.Store
	API     *api.Client
	Sync    *sync.Coordinator
	Metrics *metrics.Metrics

	config    *config.Config
	logger    *events.Logger
	transport transport.Transport
	kv        state.Store
}

// New creates a client from cfg: persisted state is opened with the
// configured driver and hydrated into the store.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger) (*Client, error) {
	if cfg.Storage.Driver == "json" || cfg.Storage.Driver == "sqlite" {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("prepare data dir: %w", err)
		}
	}

	m := metrics.New()

	kv, err := state.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	transportClient, err := transport.NewHTTPClient(&cfg.API, logger)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("create transport: %w", err)
	}

	st := store.New(kv, &store.Config{
		MaxQueueItems: cfg.Queue.MaxItems,
		QueueTTL:      cfg.Queue.TTL,
		Metrics:       m,
	}, logger)

	apiClient, err := api.New(transportClient, st, kv, &api.Config{
		Cache:   cfg.Cache,
		Metrics: m,
	}, logger)
	if err != nil {
		transportClient.Close()
		kv.Close()
		return nil, fmt.Errorf("create api client: %w", err)
	}

	coordinator := sync.NewCoordinator(st, apiClient, &sync.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Interval:    cfg.Sync.Interval,
		Metrics:     m,
	}, logger)

	return &Client{
		Store:     st,
		API:       apiClient,
		Sync:      coordinator,
		Metrics:   m,
		config:    cfg,
		logger:    logger,
		transport: transportClient,
		kv:        kv,
	}, nil
}

// Snapshot returns the current client state.
func (c *Client) Snapshot() models.ClientState {
	return c.Store.State()
}

// ResetState restores the default state and persists it.
func (c *Client) ResetState() {
	c.Store.Reset()
}

// MigrateState copies every persisted key into the backend described by
// target and returns how many keys were copied.
func (c *Client) MigrateState(ctx context.Context, target config.StorageConfig) (int, error) {
	if target.Driver == c.config.Storage.Driver {
		return 0, fmt.Errorf("%w: migration target uses the current driver %q", models.ErrInvalidConfig, target.Driver)
	}

	prepared := *c.config
	prepared.Storage = target
	if err := prepared.EnsureDirectories(); err != nil {
		return 0, fmt.Errorf("prepare target: %w", err)
	}

	dst, err := state.Open(ctx, target, c.logger)
	if err != nil {
		return 0, fmt.Errorf("open target: %w", err)
	}
	defer dst.Close()

	n, err := state.Migrate(c.kv, dst, "")
	if err != nil {
		return n, err
	}

	c.logger.WithFields(map[string]interface{}{
		"from":   c.config.Storage.Driver,
		"to":     target.Driver,
		"copied": n,
	}).Info("State migrated")
	return n, nil
}

// Close releases the transport and the state backend.
func (c *Client) Close() error {
	c.Sync.Cancel()
	if err := c.transport.Close(); err != nil {
		c.logger.WithError(err).Warn("Failed to close transport")
	}
	return c.kv.Close()
}
