// Package registry looks vessels up in the external vessel registry by MMSI.
package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/ammario/tlru"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/aisrelay/ais"
)

const (
	// DefaultTTL is how long a lookup result, found or not, is reused.
	DefaultTTL = 5 * time.Minute
	// DefaultCacheSize bounds the number of cached vessels.
	DefaultCacheSize = 1000

	requestTimeout = 10 * time.Second
)

// Asset is the registry's view of a vessel.
type Asset struct {
	MMSI          string `json:"mmsi"`
	Name          string `json:"name,omitempty"`
	IRCS          string `json:"ircs,omitempty"`
	VesselType    string `json:"vesselType,omitempty"`
	FlagStateCode string `json:"flagStateCode,omitempty"`
	Active        *bool  `json:"active,omitempty"`
}

// Static converts the asset to a static record, so the classification rule
// can run on registry data.
func (a Asset) Static() ais.VesselStaticRecord {
	return ais.VesselStaticRecord{
		MMSI:      a.MMSI,
		Name:      a.Name,
		Callsign:  a.IRCS,
		ShipType:  a.VesselType,
		FlagState: a.FlagStateCode,
		Active:    a.Active,
		UpdatedBy: "Vessel registry",
	}
}

type lookupResult struct {
	asset Asset
	found bool
}

// Client is a caching vessel registry client. Lookups are cached for a
// fixed TTL, including misses. Errors are not cached.
type Client struct {
	log     slog.Logger
	baseURL *url.URL
	http    *http.Client
	ttl     time.Duration
	cache   *tlru.Cache[string, lookupResult]
}

type Option func(c *Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithLogger(log slog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.ttl = ttl
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, xerrors.Errorf("parse registry url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, xerrors.Errorf("registry url %q must be http or https", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: requestTimeout},
		ttl:     DefaultTTL,
		cache:   tlru.New[string](tlru.ConstantCost[lookupResult], DefaultCacheSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Lookup returns the registry asset for mmsi. found is false when the
// registry does not know the vessel.
func (c *Client) Lookup(ctx context.Context, mmsi string) (asset Asset, found bool, err error) {
	if mmsi == "" {
		return Asset{}, false, nil
	}
	if res, _, ok := c.cache.Get(mmsi); ok {
		return res.asset, res.found, nil
	}

	res, err := c.fetch(ctx, mmsi)
	if err != nil {
		return Asset{}, false, err
	}
	c.cache.Set(mmsi, res, c.ttl)
	return res.asset, res.found, nil
}

func (c *Client) fetch(ctx context.Context, mmsi string) (lookupResult, error) {
	u := c.baseURL.JoinPath("asset", "mmsi", mmsi)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return lookupResult{}, xerrors.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return lookupResult{}, xerrors.Errorf("get asset: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.log.Debug(ctx, "vessel not in registry", slog.F("mmsi", mmsi))
		return lookupResult{}, nil
	case resp.StatusCode/100 != 2:
		return lookupResult{}, xerrors.Errorf("registry returned %d for %s", resp.StatusCode, mmsi)
	}

	var asset Asset
	if err := json.NewDecoder(resp.Body).Decode(&asset); err != nil {
		return lookupResult{}, xerrors.Errorf("decode asset: %w", err)
	}
	if asset.MMSI == "" {
		asset.MMSI = mmsi
	}
	return lookupResult{asset: asset, found: true}, nil
}
