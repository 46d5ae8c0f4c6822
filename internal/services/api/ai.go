package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/TheMichaelB/parksync/internal/models"
	"github.com/TheMichaelB/parksync/internal/transport"
)

const (
	defaultRecommendationLimit = 20
	maxRecommendationLimit     = 50
)

// LoadProfile applies the concierge presentation config to the profile.
func (c *Client) LoadProfile(ctx context.Context) (models.ThemeConfig, error) {
	raw, err := c.transport.Request(ctx, AIRoot+"/parkmate/config/", transport.Get(nil))
	if err != nil {
		return models.ThemeConfig{}, fmt.Errorf("load profile: %w", err)
	}

	var cfg models.ThemeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return models.ThemeConfig{}, fmt.Errorf("decode profile: %w", err)
	}
	c.store.SetThemeConfig(cfg)
	return cfg, nil
}

// LoadAIRecommendations returns recommended spots for city. Items are kept
// raw since their shape belongs to the recommendation engine.
func (c *Client) LoadAIRecommendations(ctx context.Context, city string, limit int) (Result[[]json.RawMessage], error) {
	if limit <= 0 {
		limit = defaultRecommendationLimit
	}
	if limit > maxRecommendationLimit {
		limit = maxRecommendationLimit
	}
	params := map[string]string{
		"city":  city,
		"limit": strconv.Itoa(limit),
	}

	key := CacheKey("ai:rec", params)
	res, err := c.CachedFetch(ctx, AIRoot+"/recommendations/", transport.Get(params), key, c.cfg.AIRecommendationsTTL)
	if err != nil {
		cached, ok := c.fallback(key)
		if !ok {
			return Result[[]json.RawMessage]{}, fmt.Errorf("load recommendations: %w", err)
		}
		res = cached
	}

	items, err := decodeList[json.RawMessage](res.Data)
	if err != nil {
		return Result[[]json.RawMessage]{}, fmt.Errorf("decode recommendations: %w", err)
	}
	return Result[[]json.RawMessage]{Data: items, ServedFromCache: res.ServedFromCache, AsOf: res.AsOf}, nil
}

// LoadAIStressIndex returns the parking stress index for city.
func (c *Client) LoadAIStressIndex(ctx context.Context, city string) (Result[json.RawMessage], error) {
	params := map[string]string{"city": city}

	key := CacheKey("ai:stress", params)
	res, err := c.CachedFetch(ctx, AIRoot+"/stress-index/", transport.Get(params), key, c.cfg.AIStressTTL)
	if err != nil {
		cached, ok := c.fallback(key)
		if !ok {
			return Result[json.RawMessage]{}, fmt.Errorf("load stress index: %w", err)
		}
		return cached, nil
	}
	return res, nil
}
