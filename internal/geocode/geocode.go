// Package geocode resolves coordinates to a human readable place for alert text.
//
// Lookups go to a Nominatim compatible /reverse endpoint. Successful results are
// cached in a bounded in-process LRU and, when configured, in Redis so several
// workers share them. Failures are logged and reported as a nil address; they are
// never cached so the next alert retries the lookup.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Address is the part of a reverse geocoding result used in messages.
type Address struct {
	Region   string `json:"region,omitempty"`   // state / prefecture
	Locality string `json:"locality,omitempty"` // city, town, village or county
}

// String joins the known parts, or returns "" when none are known.
func (a *Address) String() string {
	if a == nil {
		return ""
	}
	parts := make([]string, 0, 2)
	for _, p := range []string{a.Region, a.Locality} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

type Config struct {
	Enabled      bool
	BaseURL      string
	Timeout      time.Duration
	UserAgent    string
	CacheMaxSize int
}

// SharedCache is a second cache tier shared between processes.
type SharedCache interface {
	Get(ctx context.Context, key string) (*Address, bool, error)
	Set(ctx context.Context, key string, addr *Address) error
}

type Resolver struct {
	cfg    Config
	client *http.Client
	local  *lru.Cache[string, *Address]
	shared SharedCache
}

type Option func(*Resolver)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

func WithSharedCache(c SharedCache) Option {
	return func(r *Resolver) { r.shared = c }
}

func NewResolver(cfg Config, opts ...Option) (*Resolver, error) {
	size := cfg.CacheMaxSize
	if size < 1 {
		size = 1
	}
	local, err := lru.New[string, *Address](size)
	if err != nil {
		return nil, fmt.Errorf("error creating geocode cache: %w", err)
	}

	r := &Resolver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		local:  local,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// CacheKey rounds coordinates to 6 decimal places (~0.1m).
func CacheKey(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', 6, 64) + "," + strconv.FormatFloat(lon, 'f', 6, 64)
}

// Resolve returns the address for the coordinates or nil when it could not be
// determined. It never fails the caller.
func (r *Resolver) Resolve(ctx context.Context, lat, lon float64) *Address {
	if !r.cfg.Enabled {
		return nil
	}

	key := CacheKey(lat, lon)
	if addr, ok := r.local.Get(key); ok {
		return addr
	}

	if r.shared != nil {
		addr, ok, err := r.shared.Get(ctx, key)
		if err != nil {
			slog.Warn("shared geocode cache read failed", "key", key, "error", err)
		} else if ok {
			r.local.Add(key, addr)
			return addr
		}
	}

	addr, err := r.lookup(ctx, lat, lon)
	if err != nil {
		slog.Error("reverse geocoding failed", "lat", lat, "lon", lon, "error", err)
		return nil
	}

	r.local.Add(key, addr)
	if r.shared != nil {
		if err := r.shared.Set(ctx, key, addr); err != nil {
			slog.Warn("shared geocode cache write failed", "key", key, "error", err)
		}
	}
	return addr
}

// Purge drops every locally cached result.
func (r *Resolver) Purge() {
	r.local.Purge()
}

type nominatimResponse struct {
	Address map[string]any `json:"address"`
}

func (r *Resolver) lookup(ctx context.Context, lat, lon float64) (*Address, error) {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("format", "jsonv2")
	params.Set("zoom", "10")
	params.Set("addressdetails", "1")

	endpoint := strings.TrimRight(r.cfg.BaseURL, "/") + "/reverse?" + params.Encode()

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error while doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d - status: %s", resp.StatusCode, resp.Status)
	}

	var data nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("error decoding resp.Body: %w", err)
	}

	return &Address{
		Region:   stringField(data.Address, "state"),
		Locality: firstStringField(data.Address, "city", "town", "village", "county", "municipality"),
	}, nil
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func firstStringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(m, k); s != "" {
			return s
		}
	}
	return ""
}
