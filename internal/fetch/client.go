// Package fetch talks to the marker data server. It turns raw responses into
// model entities; merging them into stores is left to the caller.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/aqmap/internal/logging"
	"github.com/signalsfoundry/aqmap/internal/observability"
	"github.com/signalsfoundry/aqmap/model"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// StatusError reports a non-2xx response.
type StatusError struct {
	Path string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.Path, e.Code)
}

// Is makes 404 responses match ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// Observer receives per-request measurements. *observability.Collector
// implements it.
type Observer interface {
	ObserveFetch(endpoint string, err error, d time.Duration)
}

var _ Observer = (*observability.Collector)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCache serves responses from cache when present and stores fresh ones
// for ttl.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.ttl = ttl
	}
}

// WithLogger sets the client logger.
func WithLogger(log logging.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithObserver wires request metrics.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// Client fetches entities from the data server.
type Client struct {
	base     *url.URL
	http     *http.Client
	cache    Cache
	ttl      time.Duration
	log      logging.Logger
	observer Observer
}

// NewClient constructs a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse base url: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  logging.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Cities returns cities inside the box spanned by topLeft and bottomRight,
// skipping the given place ids.
func (c *Client) Cities(ctx context.Context, topLeft, bottomRight model.Coordinate, excluded []string) ([]model.Entity, error) {
	if excluded == nil {
		excluded = []string{}
	}
	ex, err := json.Marshal(excluded)
	if err != nil {
		return nil, fmt.Errorf("encode excluded ids: %w", err)
	}
	path := "/cities/" + strings.Join([]string{
		formatDegrees(topLeft.Lat),
		formatDegrees(topLeft.Lon),
		formatDegrees(bottomRight.Lat),
		formatDegrees(bottomRight.Lon),
		url.PathEscape(string(ex)),
	}, "/")

	var dtos []cityDTO
	// The excluded list changes with every pan, so city responses bypass the
	// cache.
	if err := c.getJSON(ctx, "cities", path, false, &dtos); err != nil {
		return nil, err
	}
	return convert(dtos), nil
}

// CitiesInViewport is Cities over a viewport.
func (c *Client) CitiesInViewport(ctx context.Context, vp model.BBox, excluded []string) ([]model.Entity, error) {
	return c.Cities(ctx, vp.TopLeft(), vp.BottomRight(), excluded)
}

// Wildfires returns every active wildfire.
func (c *Client) Wildfires(ctx context.Context) ([]model.Entity, error) {
	var dtos []wildfireDTO
	if err := c.getJSON(ctx, "wildfires", "/wildfires", true, &dtos); err != nil {
		return nil, err
	}
	return convert(dtos), nil
}

// AirNowStations returns every AirNow reporting station.
func (c *Client) AirNowStations(ctx context.Context) ([]model.Entity, error) {
	var dtos []airNowDTO
	if err := c.getJSON(ctx, "airnow", "/airNowStations", true, &dtos); err != nil {
		return nil, err
	}
	return convert(dtos), nil
}

// Autocomplete returns cities whose name matches query.
func (c *Client) Autocomplete(ctx context.Context, query string) ([]model.Entity, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	var dtos []cityDTO
	if err := c.getJSON(ctx, "autocomplete", "/autocomplete/"+url.PathEscape(query), true, &dtos); err != nil {
		return nil, err
	}
	return convert(dtos), nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, cacheable bool, out any) error {
	ctx, span := observability.StartSpan(ctx, "fetch."+endpoint, "")
	defer span.End()

	start := time.Now()
	body, err := c.get(ctx, path, cacheable)
	if err == nil {
		if uerr := json.Unmarshal(body, out); uerr != nil {
			err = fmt.Errorf("decode %s: %w", path, uerr)
		}
	}
	if c.observer != nil {
		c.observer.ObserveFetch(endpoint, err, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		c.log.Warn(ctx, "fetch failed", logging.String("endpoint", endpoint), logging.Err(err))
	}
	return err
}

func (c *Client) get(ctx context.Context, path string, cacheable bool) ([]byte, error) {
	useCache := cacheable && c.cache != nil && c.ttl > 0
	if useCache {
		body, ok, err := c.cache.Get(ctx, path)
		switch {
		case err != nil:
			c.log.Warn(ctx, "cache read failed", logging.String("path", path), logging.Err(err))
		case ok:
			return body, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if id := logging.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Path: path, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if useCache {
		if err := c.cache.Set(ctx, path, body, c.ttl); err != nil {
			c.log.Warn(ctx, "cache write failed", logging.String("path", path), logging.Err(err))
		}
	}
	return body, nil
}

func formatDegrees(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
