package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"tbc/pkg/httpx"
	"tbc/pkg/models"
)

var (
	ErrNotFound    = errors.New("merchant profile not found")
	ErrUnavailable = errors.New("merchant registry unavailable")
)

// Resolver resolves a merchant profile hash to the profile plus the registry
// snapshot version it was read from. Sessions pin that version and never
// re-resolve mid-flight.
type Resolver interface {
	Resolve(ctx context.Context, profileHash string) (models.MerchantProfile, string, error)
}

// Client is an HTTP registry client with a freshness-bounded snapshot cache.
// Cached entries live at most the TTL, which deployments set to the session
// lifetime.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
	CacheTTL   time.Duration

	mu    sync.RWMutex
	cache map[string]cachedProfile
}

type cachedProfile struct {
	profile   models.MerchantProfile
	version   string
	expiresAt time.Time
}

type resolveResponse struct {
	Profile models.MerchantProfile `json:"profile"`
	Version string                 `json:"version"`
}

func (c *Client) Resolve(ctx context.Context, profileHash string) (models.MerchantProfile, string, error) {
	profileHash = strings.ToLower(strings.TrimSpace(profileHash))
	if profileHash == "" {
		return models.MerchantProfile{}, "", ErrNotFound
	}
	if p, v, ok := c.fromCache(profileHash); ok {
		return p, v, nil
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/v1/registry/profiles/" + url.PathEscape(profileHash)
	headers := map[string]string{}
	if c.AuthHeader != "" && c.AuthToken != "" {
		headers[c.AuthHeader] = c.AuthToken
	}
	status, body, err := httpx.RequestJSON(ctx, c.HTTPClient, http.MethodGet, endpoint, nil, headers, c.Retries, c.RetryDelay)
	if err != nil {
		return models.MerchantProfile{}, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch {
	case status == http.StatusNotFound:
		return models.MerchantProfile{}, "", ErrNotFound
	case status != http.StatusOK:
		return models.MerchantProfile{}, "", fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	var resp resolveResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.MerchantProfile{}, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if strings.TrimSpace(resp.Profile.ProfileHash) == "" {
		resp.Profile.ProfileHash = profileHash
	}
	c.store(profileHash, resp.Profile, resp.Version)
	return resp.Profile, resp.Version, nil
}

func (c *Client) fromCache(hash string) (models.MerchantProfile, string, bool) {
	c.mu.RLock()
	item, ok := c.cache[hash]
	c.mu.RUnlock()
	if !ok || time.Now().UTC().After(item.expiresAt) {
		return models.MerchantProfile{}, "", false
	}
	return item.profile, item.version, true
}

func (c *Client) store(hash string, p models.MerchantProfile, version string) {
	ttl := c.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c.mu.Lock()
	if c.cache == nil {
		c.cache = map[string]cachedProfile{}
	}
	c.cache[hash] = cachedProfile{profile: p, version: version, expiresAt: time.Now().UTC().Add(ttl)}
	c.mu.Unlock()
}

// Static is an in-memory resolver for tests and the mock upstream binary.
type Static struct {
	Version  string
	Profiles map[string]models.MerchantProfile
}

func (s *Static) Resolve(ctx context.Context, profileHash string) (models.MerchantProfile, string, error) {
	p, ok := s.Profiles[strings.ToLower(strings.TrimSpace(profileHash))]
	if !ok {
		return models.MerchantProfile{}, "", ErrNotFound
	}
	return p, s.Version, nil
}
