package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"parley/internal/metrics"
	"parley/internal/providers"
	"parley/internal/providers/registry"
)

type Config struct {
	HTTPClient *http.Client
	Redis      *redis.Client
	CacheTTL   time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Catalog lists the models a provider exposes. Successful discoveries are
// cached in redis so callers can fall back to the last known list when a
// later discovery call fails.
type Catalog struct {
	httpClient *http.Client
	redis      *redis.Client
	cacheTTL   time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

func New(cfg Config) *Catalog {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	return &Catalog{
		httpClient: cfg.HTTPClient,
		redis:      cfg.Redis,
		cacheTTL:   cfg.CacheTTL,
		logger:     cfg.Logger,
		metrics:    m,
	}
}

// ListModels fetches the model list for a profile. An empty list is a valid
// result and distinct from an error: discovery network or parse failures
// surface as errors so the caller can fall back to Cached.
func (c *Catalog) ListModels(ctx context.Context, profile providers.Profile) ([]string, error) {
	c.metrics.DiscoveryCalls.Inc()
	adapter := registry.Resolve(profile.Key)

	req, err := adapter.ModelsRequest(profile)
	if err != nil {
		if errors.Is(err, providers.ErrNoDiscovery) {
			if static, ok := adapter.(providers.StaticModels); ok {
				return static.StaticModels(profile), nil
			}
			return []string{}, nil
		}
		c.metrics.DiscoveryFailures.Inc()
		return nil, fmt.Errorf("build models request: %w", err)
	}

	models, err := c.fetch(ctx, adapter, req)
	if err != nil {
		c.metrics.DiscoveryFailures.Inc()
		return nil, err
	}

	c.cache(ctx, profile.Key, models)
	return models, nil
}

// Cached returns the last successfully discovered list for a provider key.
func (c *Catalog) Cached(ctx context.Context, key providers.Key) ([]string, bool) {
	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, cacheKey(key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("provider", string(key)).Msg("model cache read failed")
		}
		return nil, false
	}
	var models []string
	if err := json.Unmarshal([]byte(raw), &models); err != nil {
		return nil, false
	}
	return models, true
}

func (c *Catalog) fetch(ctx context.Context, adapter providers.Adapter, req providers.Request) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("models request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read models response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &providers.HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	models, err := adapter.ParseModels(body)
	if err != nil {
		return nil, err
	}
	if models == nil {
		models = []string{}
	}
	return models, nil
}

func (c *Catalog) cache(ctx context.Context, key providers.Key, models []string) {
	if c.redis == nil || len(models) == 0 {
		return
	}
	raw, err := json.Marshal(models)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, cacheKey(key), raw, c.cacheTTL).Err(); err != nil {
		c.logger.Warn().Err(err).Str("provider", string(key)).Msg("model cache write failed")
	}
}

func cacheKey(key providers.Key) string {
	return "parley:models:" + string(key)
}
