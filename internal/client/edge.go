package client

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/parksync/internal/edge"
)

// Edge bundles the cache manager with the resources it owns.
type Edge struct {
	*edge.Manager

	storage  edge.CacheStorage
	upstream *edge.Upstream
}

// NewEdge builds the edge cache manager from the edge section of the
// configuration. Requests are forwarded to Edge.Upstream, or to the API base
// URL when no upstream is configured.
func (c *Client) NewEdge(ctx context.Context) (*Edge, error) {
	cfg := c.config.Edge

	target := cfg.Upstream
	if target == "" {
		target = c.config.API.BaseURL
	}
	upstream, err := edge.NewUpstream(target, c.config.API.Timeout, c.logger)
	if err != nil {
		return nil, fmt.Errorf("create upstream: %w", err)
	}

	storage, err := edge.OpenStorage(ctx, cfg, c.logger)
	if err != nil {
		upstream.Close()
		return nil, fmt.Errorf("open edge storage: %w", err)
	}

	ecfg := edge.ConfigFrom(cfg)
	ecfg.Metrics = c.Metrics

	return &Edge{
		Manager:  edge.New(storage, upstream, ecfg, c.logger),
		storage:  storage,
		upstream: upstream,
	}, nil
}

// Start installs and activates the configured version.
func (e *Edge) Start(ctx context.Context) (edge.InstallReport, []string, error) {
	report, err := e.Install(ctx)
	if err != nil {
		return report, nil, err
	}
	deleted, err := e.Activate(ctx)
	return report, deleted, err
}

// Close stops background work and releases storage and connections.
func (e *Edge) Close() error {
	e.Manager.Close()
	e.upstream.Close()
	return e.storage.Close()
}
