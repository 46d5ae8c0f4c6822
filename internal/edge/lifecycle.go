package edge

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/parksync/internal/models"
)

// InstallReport lists the outcome of precaching.
type InstallReport struct {
	Cached []string
	Failed []string
}

// Install precaches the static asset list into this version's static
// bucket and leaves the manager waiting for activation. An asset that
// cannot be fetched is skipped; a storage failure aborts the install.
func (m *Manager) Install(ctx context.Context) (InstallReport, error) {
	report, err := m.precache(ctx, BucketStatic, m.cfg.PrecacheURLs, "")
	if err != nil {
		return report, fmt.Errorf("install %s: %w", m.cfg.AppVersion, err)
	}

	m.mu.Lock()
	if m.state == StateNew {
		m.state = StateInstalled
	}
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{
		"cached": len(report.Cached),
		"failed": len(report.Failed),
	}).Info("Edge worker installed")
	return report, nil
}

// PrimeShell refetches the page shell into the shell bucket.
func (m *Manager) PrimeShell(ctx context.Context) (InstallReport, error) {
	report, err := m.precache(ctx, BucketShell, m.cfg.ShellURLs, "text/html")
	if err != nil {
		return report, fmt.Errorf("prime shell: %w", err)
	}
	m.logger.WithField("cached", len(report.Cached)).Info("Page shell primed")
	return report, nil
}

func (m *Manager) precache(ctx context.Context, bucket Bucket, urls []string, accept string) (InstallReport, error) {
	var report InstallReport
	cache, err := m.env.open(ctx, bucket)
	if err != nil {
		return report, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	limit := m.cfg.PrecacheConcurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for _, u := range urls {
		u := u
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u, nil)
			if err != nil {
				return fmt.Errorf("precache %s: %w", u, err)
			}
			if accept != "" {
				req.Header.Set("Accept", accept)
			}

			resp, err := m.env.Fetcher.Fetch(gctx, req)
			if err != nil || !resp.OK() {
				logger := m.logger.WithField("url", u)
				if err != nil {
					logger = logger.WithError(err)
				} else {
					logger = logger.WithField("status", resp.Status)
				}
				logger.Warn("Skipping asset that could not be precached")
				mu.Lock()
				report.Failed = append(report.Failed, u)
				mu.Unlock()
				return nil
			}

			if err := cache.Put(gctx, RequestKey(req), resp.cacheable()); err != nil {
				return fmt.Errorf("cache %s: %w", u, err)
			}
			mu.Lock()
			report.Cached = append(report.Cached, u)
			mu.Unlock()
			return nil
		})
	}

	err = g.Wait()
	sort.Strings(report.Cached)
	sort.Strings(report.Failed)
	return report, err
}

// Activate makes this version current: every bucket carrying the cache
// prefix that is not one of this version's is deleted. It returns the
// deleted names.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	names, err := m.env.Storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if !m.env.Names.Stale(name) {
			continue
		}
		if _, err := m.env.Storage.Delete(ctx, name); err != nil {
			return deleted, fmt.Errorf("delete cache %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}

	m.mu.Lock()
	m.state = StateActive
	m.mu.Unlock()

	m.logger.WithField("deleted", len(deleted)).Info("Edge worker activated")
	m.clients.Broadcast(models.WorkerMessage{Type: models.MsgActivated, Version: m.cfg.AppVersion})
	return deleted, nil
}

// HandleMessage processes a page message: SW_APPLY_UPDATE activates a
// waiting version, PRIME_SHELL refreshes the shell cache.
func (m *Manager) HandleMessage(ctx context.Context, msg models.WorkerMessage) error {
	switch msg.Type {
	case models.MsgApplyUpdate:
		if m.State() != StateInstalled {
			m.logger.WithField("state", string(m.State())).Debug("No waiting version to activate")
			return nil
		}
		_, err := m.Activate(ctx)
		return err
	case models.MsgPrimeShell:
		_, err := m.PrimeShell(ctx)
		return err
	default:
		m.logger.WithField("type", msg.Type).Debug("Ignoring page message")
		return nil
	}
}

func (m *Manager) onClientMessage(ctx context.Context, from ClientInfo, msg models.WorkerMessage) {
	if err := m.HandleMessage(ctx, msg); err != nil {
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"client": from.ID,
			"type":   msg.Type,
		}).Error("Page message failed")
	}
}

// HandlePush decodes a push payload and shows it on every connected page.
// It returns the notification and how many pages received it.
func (m *Manager) HandlePush(payload []byte) (models.Notification, int) {
	n := DecodePush(payload)
	delivered := m.clients.Broadcast(models.WorkerMessage{Type: models.MsgNotification, Notification: &n})

	m.logger.WithFields(map[string]interface{}{
		"title":     n.Title,
		"delivered": delivered,
	}).Info("Push notification received")
	return n, delivered
}

// HandleNotificationClick brings a page to n.URL: a page already there is
// focused, otherwise the most recent page navigates, and with no page at
// all a new window is opened.
func (m *Manager) HandleNotificationClick(ctx context.Context, n models.Notification) (ClickAction, error) {
	target := n.URL
	if target == "" {
		target = "/"
	}

	pages := m.clients.MatchAll()
	for _, page := range pages {
		if sameURL(page.URL, target) {
			if err := m.clients.Send(page.ID, models.WorkerMessage{Type: models.MsgFocus, URL: target}); err == nil {
				return ClickFocused, nil
			}
		}
	}
	for _, page := range pages {
		if err := m.clients.Send(page.ID, models.WorkerMessage{Type: models.MsgNavigate, URL: target}); err == nil {
			return ClickNavigated, nil
		}
	}

	if m.cfg.OpenWindow == nil {
		m.logger.WithField("url", target).Warn("No page to focus and no window opener configured")
		return ClickOpened, nil
	}
	if err := m.cfg.OpenWindow(ctx, target); err != nil {
		return ClickOpened, fmt.Errorf("open window %s: %w", target, err)
	}
	return ClickOpened, nil
}
