package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/signalsfoundry/aqmap/internal/observability"
	"github.com/signalsfoundry/aqmap/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	return b, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func newTestServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/wildfires", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[
			{"id":"fire-1","name":"Creek Fire","description":"20% contained","latitude":37.2,"longitude":-119.3,"acres":1200.5},
			{"id":"","name":"no identity","latitude":1,"longitude":1},
			{"id":"fire-2","name":"bad coordinate","latitude":123,"longitude":0}
		]`))
	})
	mux.HandleFunc("/airNowStations", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[{"id":"an-1","name":"Downtown","latitude":34.05,"longitude":-118.24,"aqi":57,"lastUpdated":"2024-08-01T10:00:00Z"}]`))
	})
	mux.HandleFunc("/cities/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, `/cities/40/-75/39/-74/["p1","p2"]`, r.URL.Path)
		_, _ = w.Write([]byte(`[{"placeId":"p3","name":"Trenton","countryCode":"us","latitude":40.22,"longitude":-74.76,"aqi":42,"sensorCount":7}]`))
	})
	mux.HandleFunc("/autocomplete/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/autocomplete/san jose", r.URL.Path)
		_, _ = w.Write([]byte(`[{"placeId":"sj","name":"San Jose","countryCode":"US","latitude":37.33,"longitude":-121.89}]`))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestWildfiresDecodesAndFilters(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	c, err := NewClient(srv.URL + "/")
	require.NoError(t, err)

	fires, err := c.Wildfires(context.Background())
	require.NoError(t, err)
	require.Len(t, fires, 1)

	assert.Equal(t, model.Key{Kind: model.KindWildfire, ID: "fire-1"}, fires[0].Key())
	assert.Equal(t, model.Wildfire{Name: "Creek Fire", Description: "20% contained", AcresBurned: 1200.5}, fires[0].Payload)
}

func TestAirNowStations(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	stations, err := c.AirNowStations(context.Background())
	require.NoError(t, err)
	require.Len(t, stations, 1)
	aqi, ok := stations[0].AQI()
	assert.True(t, ok)
	assert.Equal(t, 57, aqi)
	assert.Equal(t, time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC), stations[0].Payload.(model.AirNowStation).LastUpdated)
}

func TestCitiesEncodesViewportAndExclusions(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	vp := model.BBox{MinLat: 39, MinLon: -75, MaxLat: 40, MaxLon: -74}
	cities, err := c.CitiesInViewport(context.Background(), vp, []string{"p1", "p2"})
	require.NoError(t, err)
	require.Len(t, cities, 1)

	city := cities[0].Payload.(model.City)
	assert.Equal(t, "p3", cities[0].ID)
	assert.Equal(t, "US", city.CountryCode)
	assert.Equal(t, 7, city.SensorCount)
}

func TestAutocomplete(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	got, err := c.Autocomplete(context.Background(), "  ")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, hits.Load())

	got, err = c.Autocomplete(context.Background(), "san jose")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "San Jose", got[0].Payload.(model.City).Name)
}

func TestStatusErrors(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	var out []wildfireDTO
	err = c.getJSON(context.Background(), "missing", "/missing", false, &out)
	require.ErrorIs(t, err, ErrNotFound)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	require.Error(t, err)
}

func TestCacheServesRepeatRequests(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	cache := newMemCache()
	c, err := NewClient(srv.URL, WithCache(cache, time.Minute))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		fires, err := c.Wildfires(context.Background())
		require.NoError(t, err)
		require.Len(t, fires, 1)
	}
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, time.Minute, cache.ttls["/wildfires"])
}

func TestCitiesBypassCache(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	cache := newMemCache()
	c, err := NewClient(srv.URL, WithCache(cache, time.Minute))
	require.NoError(t, err)

	tl := model.Coordinate{Lat: 40, Lon: -75}
	br := model.Coordinate{Lat: 39, Lon: -74}
	for i := 0; i < 2; i++ {
		_, err := c.Cities(context.Background(), tl, br, []string{"p1", "p2"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), hits.Load())
	assert.Empty(t, cache.data)
}

func TestUnreachableRedisFallsBackToServer(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	rc := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	cache := NewRedisCacheFromClient(rc)
	t.Cleanup(func() { _ = cache.Close() })

	c, err := NewClient(srv.URL, WithCache(cache, time.Minute))
	require.NoError(t, err)

	fires, err := c.Wildfires(context.Background())
	require.NoError(t, err)
	assert.Len(t, fires, 1)
	assert.Error(t, cache.Ping(context.Background()))
}

func TestObserverRecordsResults(t *testing.T) {
	var hits atomic.Int32
	srv := newTestServer(t, &hits)
	collector, err := observability.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	c, err := NewClient(srv.URL, WithObserver(collector))
	require.NoError(t, err)

	_, err = c.Wildfires(context.Background())
	require.NoError(t, err)
	var out []wildfireDTO
	err = c.getJSON(context.Background(), "missing", "/missing", false, &out)
	require.True(t, errors.Is(err, ErrNotFound))

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.FetchRequests.WithLabelValues("wildfires", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.FetchRequests.WithLabelValues("missing", "error")))
}
