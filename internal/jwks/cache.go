// Package jwks holds the identity provider's signing keys for the lifetime of
// the process.
//
// A Cache is created once in main and passed by reference to the token
// verifier. Keys are fetched lazily on first use and refreshed after the
// configured TTL. Readers never lock: each fetch publishes a new immutable
// snapshot through an atomic pointer, and concurrent fetches are coalesced.
package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	ErrUnknownKey = errors.New("signing key not found in key set")
	ErrNoKeys     = errors.New("key set contained no usable signing keys")
)

const maxKeySetBytes = 1 << 20

type Config struct {
	URL string
	// TTL after which the key set is fetched again. Default 1h.
	TTL time.Duration
	// Minimum spacing between refreshes forced by an unknown kid. Default 30s.
	MinRefreshInterval time.Duration
	HTTPClient         *http.Client
	Now                func() time.Time
}

type snapshot struct {
	keys      map[string]interface{}
	fetchedAt time.Time
}

type Cache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time
	logger zerolog.Logger

	current atomic.Pointer[snapshot]
	group   singleflight.Group
	forced  *rate.Limiter
}

func New(cfg Config, logger zerolog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Cache{
		url:    cfg.URL,
		ttl:    cfg.TTL,
		client: cfg.HTTPClient,
		now:    cfg.Now,
		logger: logger,
		forced: rate.NewLimiter(rate.Every(cfg.MinRefreshInterval), 1),
	}
}

// Key returns the public key for kid. An empty kid resolves only when the key
// set holds exactly one key.
func (c *Cache) Key(ctx context.Context, kid string) (interface{}, error) {
	snap := c.current.Load()
	if snap == nil || c.stale(snap) {
		var err error
		if snap, err = c.refresh(ctx, snap); err != nil {
			return nil, err
		}
	}

	if key, ok := lookup(snap, kid); ok {
		return key, nil
	}

	// Unknown kid usually means the provider rotated keys
	if !c.forced.Allow() {
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
	}

	c.logger.Info().Str("kid", kid).Msg("unknown signing key, refreshing key set")
	snap, err := c.refresh(ctx, snap)
	if err != nil {
		return nil, err
	}

	if key, ok := lookup(snap, kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
}

// Ensure loads the key set when it is missing or stale. Used as a readiness probe.
func (c *Cache) Ensure(ctx context.Context) error {
	snap := c.current.Load()
	if snap != nil && !c.stale(snap) {
		return nil
	}
	_, err := c.refresh(ctx, snap)
	return err
}

func (c *Cache) stale(s *snapshot) bool {
	return c.now().Sub(s.fetchedAt) >= c.ttl
}

func lookup(s *snapshot, kid string) (interface{}, bool) {
	if kid == "" {
		if len(s.keys) == 1 {
			for _, k := range s.keys {
				return k, true
			}
		}
		return nil, false
	}
	key, ok := s.keys[kid]
	return key, ok
}

// refresh fetches a new snapshot unless another caller already replaced seen.
func (c *Cache) refresh(ctx context.Context, seen *snapshot) (*snapshot, error) {
	ch := c.group.DoChan("jwks", func() (interface{}, error) {
		if cur := c.current.Load(); cur != nil && cur != seen && !c.stale(cur) {
			return cur, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.client.Timeout+time.Second)
		defer cancel()

		keys, err := c.fetch(fetchCtx)
		if err != nil {
			c.logger.Warn().Err(err).Str("url", c.url).Msg("key set fetch failed")
			return nil, err
		}

		snap := &snapshot{keys: keys, fetchedAt: c.now()}
		c.current.Store(snap)
		c.logger.Debug().Int("keys", len(keys)).Msg("key set refreshed")
		return snap, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) fetch(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key set request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key set request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key set endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read key set: %w", err)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("failed to parse key set: %w", err)
	}

	keys := make(map[string]interface{}, len(set.Keys))
	for _, k := range set.Keys {
		if k.Key == nil || !k.Valid() || !k.IsPublic() {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		keys[k.KeyID] = k.Key
	}

	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return keys, nil
}
