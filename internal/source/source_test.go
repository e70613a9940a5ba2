package source

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/signalsfoundry/aqmap/kb"
	"github.com/signalsfoundry/aqmap/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntities() []model.Entity {
	return []model.Entity{
		{ID: "s1", Coordinate: model.Coordinate{Lat: 37.77, Lon: -122.42}, Payload: model.Sensor{Name: "Mission", AQI: 42, TemperatureC: 18.5, Humidity: 60, Indoor: true}},
		{ID: "p1", Coordinate: model.Coordinate{Lat: 37.8, Lon: -122.27}, Payload: model.PollenReading{Name: "Oakland", Index: 3, Dominant: "grass"}},
		{ID: "c1", Coordinate: model.Coordinate{Lat: 48.85, Lon: 2.35}, Payload: model.City{Name: "Paris", CountryCode: "FR", AQI: 31, SensorCount: 120}},
		{ID: "w1", Coordinate: model.Coordinate{Lat: 39.1, Lon: -120.9}, Payload: model.Wildfire{Name: "Ridge", Description: "10% contained", AcresBurned: 850}},
		{ID: "a1", Coordinate: model.Coordinate{Lat: 34.05, Lon: -118.24}, Payload: model.AirNowStation{Name: "Downtown", AQI: 77, LastUpdated: time.Date(2024, 7, 4, 12, 0, 0, 0, time.UTC)}},
	}
}

func TestRecordRejectsBadInput(t *testing.T) {
	cases := map[string]Record{
		"missing id":   {Kind: "sensor", Lat: 1, Lon: 1},
		"bad lat":      {ID: "x", Kind: "sensor", Lat: 91, Lon: 1},
		"unknown kind": {ID: "x", Kind: "satellite", Lat: 1, Lon: 1},
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := rec.Entity()
			require.ErrorIs(t, err, ErrBadRecord)
		})
	}
}

func TestEntitiesKeepsGoodRecords(t *testing.T) {
	got, err := Entities([]Record{
		{ID: "ok", Kind: "sensor", Lat: 1, Lon: 2, Name: "fine", AQI: 5},
		{ID: "", Kind: "sensor"},
	})
	require.ErrorIs(t, err, ErrBadRecord)
	require.Len(t, got, 1)
	assert.Equal(t, model.Sensor{Name: "fine", AQI: 5}, got[0].Payload)
}

func TestGeoJSONRoundTripPreservesState(t *testing.T) {
	want := sampleEntities()
	data, err := ExportGeoJSON(want)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"FeatureCollection"`)
	assert.Contains(t, string(data), `"category":"good"`)

	got, err := LoadGeoJSON(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		if !got[i].SameState(want[i]) || got[i].Key() != want[i].Key() {
			t.Fatalf("entity %d mismatch (-want +got):\n%s", i, cmp.Diff(want[i], got[i]))
		}
	}
}

func TestLoadGeoJSONSkipsNonPoints(t *testing.T) {
	doc := `{"type":"FeatureCollection","features":[
		{"type":"Feature","id":7,"geometry":{"type":"Point","coordinates":[10,20]},"properties":{"kind":"wildfire","name":"Seven"}},
		{"type":"Feature","geometry":{"type":"LineString","coordinates":[[0,0],[1,1]]},"properties":{"id":"line"}}
	]}`
	got, err := LoadGeoJSON(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.Key{Kind: model.KindWildfire, ID: "7"}, got[0].Key())
	assert.Equal(t, model.Coordinate{Lat: 20, Lon: 10}, got[0].Coordinate)
}

func TestLoadGeoJSONRejectsGarbage(t *testing.T) {
	_, err := LoadGeoJSON(strings.NewReader("not json"))
	require.Error(t, err)
}

func TestStreamApply(t *testing.T) {
	stores := kb.NewLayerSet()
	s := NewStream("ws://unused", stores, nil)
	ctx := context.Background()

	err := s.Apply(ctx, StreamMessage{Op: OpUpsert, Records: []Record{
		{ID: "s1", Kind: "sensor", Lat: 1, Lon: 1, AQI: 10},
		{ID: "p1", Kind: "pollen", Lat: 2, Lon: 2, PollenIndex: 4},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, stores.Store(model.LayerSensors).Len())
	assert.Equal(t, 1, stores.Store(model.LayerPollen).Len())

	require.NoError(t, s.Apply(ctx, StreamMessage{Op: OpUpsert, Records: []Record{{ID: "s1", Kind: "sensor", Lat: 1, Lon: 1, AQI: 99}}}))
	e, ok := stores.Store(model.LayerSensors).Get(model.Key{Kind: model.KindSensor, ID: "s1"})
	require.True(t, ok)
	assert.Equal(t, 99, e.Payload.(model.Sensor).AQI)

	err = s.Apply(ctx, StreamMessage{Op: OpRemove, Records: []Record{{ID: "s1", Kind: "sensor"}, {ID: "x", Kind: "nope"}}})
	require.ErrorIs(t, err, ErrBadRecord)
	assert.Zero(t, stores.Store(model.LayerSensors).Len())

	require.ErrorIs(t, s.Apply(ctx, StreamMessage{Op: "rename"}), ErrBadRecord)
}

func TestStreamReconnectsAndApplies(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := conns.Add(1)
		if n == 1 {
			_ = c.WriteJSON(StreamMessage{Op: OpUpsert, Records: []Record{{ID: "s1", Kind: "sensor", Lat: 1, Lon: 1}}})
			_ = c.WriteMessage(websocket.TextMessage, []byte("{garbage"))
			return
		}
		_ = c.WriteJSON(StreamMessage{Op: OpUpsert, Records: []Record{{ID: "s2", Kind: "sensor", Lat: 2, Lon: 2}}})
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stores := kb.NewLayerSet()
	s := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), stores, nil)
	s.minBackoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return stores.Store(model.LayerSensors).Len() == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))

	cancel()
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPostgresSensors(t *testing.T) {
	dsn := os.Getenv("AQMAP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AQMAP_TEST_POSTGRES_DSN not set")
	}
	db, err := OpenPostgres(dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	p := NewPostgresSensors(db)
	require.NoError(t, p.EnsureSchema(ctx))
	require.NoError(t, p.Upsert(ctx, sampleEntities()))

	got, err := p.InViewport(ctx, model.BBox{MinLat: 37, MinLon: -123, MaxLat: 38, MaxLon: -122}, []string{"p1"})
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.Contains(t, ids, "s1")
	assert.NotContains(t, ids, "p1")
	assert.NotContains(t, ids, "c1")
}
