package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/signalsfoundry/aqmap/core"
	"github.com/signalsfoundry/aqmap/internal/config"
	"github.com/signalsfoundry/aqmap/internal/logging"
	"github.com/signalsfoundry/aqmap/internal/markersvc"
	"github.com/signalsfoundry/aqmap/kb"
	"github.com/signalsfoundry/aqmap/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newDataServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/wildfires", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"fire-1","name":"Creek","latitude":37.2,"longitude":-119.3,"acres":10}]`))
	})
	mux.HandleFunc("/airNowStations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestServerStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	cfg := config.Default()
	cfg.ListenAddress = lis.Addr().String()
	cfg.MetricsAddress = ""
	cfg.LogLevel = "warn"
	cfg.DataServerURL = newDataServer(t).URL
	cfg.RefreshEvery = time.Hour

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, log, lis)
	}()

	conn, err := grpc.NewClient(cfg.ListenAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()

	health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: markersvc.ServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if health.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health status = %v, want SERVING", health.GetStatus())
	}

	client := markersvc.NewClient(conn)
	deadline := time.Now().Add(5 * time.Second)
	for {
		counts, err := client.Counts(ctx)
		if err != nil {
			t.Fatalf("Counts: %v", err)
		}
		if counts["wildfires"] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("wildfires never refreshed: %v", counts)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := client.Recompute(ctx, markersvc.RecomputeRequest{
		Layer:    "wildfires",
		Viewport: markersvc.Viewport{MinLat: 0, MinLon: 0, MaxLat: 1, MaxLon: 1},
	})
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if len(resp.Add) != 1 || resp.Add[0].ID != "fire-1" {
		t.Fatalf("wildfires Add = %+v, want fire-1 regardless of viewport", resp.Add)
	}

	cancel()

	if err := <-errCh; err != nil {
		t.Fatalf("server returned error: %v", err)
	}
}

func TestReplaceLayerEvictsVanished(t *testing.T) {
	store := kb.NewStore(model.LayerWildfires)
	a := model.Entity{ID: "a", Coordinate: model.Coordinate{Lat: 1, Lon: 1}, Payload: model.Wildfire{Name: "A"}}
	b := model.Entity{ID: "b", Coordinate: model.Coordinate{Lat: 2, Lon: 2}, Payload: model.Wildfire{Name: "B"}}
	store.Merge([]model.Entity{a, b})

	bigger := a
	bigger.Payload = model.Wildfire{Name: "A", AcresBurned: 500}
	replaceLayer(store, []model.Entity{bigger})

	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}
	got, ok := store.Get(a.Key())
	if !ok || got.Payload.(model.Wildfire).AcresBurned != 500 {
		t.Fatalf("Get(a) = %+v, %v; want updated acres", got, ok)
	}
}

type fakeSensorTable struct {
	rows [][]model.Entity
	err  error
	call int
}

func (f *fakeSensorTable) InViewport(context.Context, model.BBox, []string) ([]model.Entity, error) {
	if f.err != nil {
		return nil, f.err
	}
	rows := f.rows[min(f.call, len(f.rows)-1)]
	f.call++
	return rows, nil
}

func reading(id string, aqi int) model.Entity {
	return model.Entity{ID: id, Coordinate: model.Coordinate{Lat: 1, Lon: 1}, Payload: model.Sensor{Name: id, AQI: aqi}}
}

func TestSensorTableRefreshReplacesReadings(t *testing.T) {
	stores := kb.NewLayerSet()
	streamed := model.Entity{ID: "from-stream", Coordinate: model.Coordinate{Lat: 2, Lon: 2}, Payload: model.Sensor{AQI: 5}}
	stores.Route([]model.Entity{streamed})

	table := &fakeSensorTable{rows: [][]model.Entity{
		{reading("s1", 10), reading("s2", 20)},
		{reading("s1", 180)},
	}}
	refresh := sensorTableRefresher(table, stores, logging.Noop())
	ctx := context.Background()

	refresh(ctx, time.Now())
	sensorStore := stores.Store(model.LayerSensors)
	if sensorStore.Len() != 3 {
		t.Fatalf("Len() after first refresh = %d, want 3", sensorStore.Len())
	}
	displayed := model.KeySet(sensorStore.List())

	refresh(ctx, time.Now())
	got, ok := sensorStore.Get(reading("s1", 0).Key())
	if !ok || got.Payload.(model.Sensor).AQI != 180 {
		t.Fatalf("s1 after refresh = %+v, %v; want AQI 180", got, ok)
	}
	if _, ok := sensorStore.Get(reading("s2", 0).Key()); ok {
		t.Fatalf("s2 still present after leaving the table")
	}
	if _, ok := sensorStore.Get(streamed.Key()); !ok {
		t.Fatalf("entity from another source evicted")
	}

	res := core.Compute(core.Request{
		Policy:    core.LayerPolicy{Layer: model.LayerSensors},
		Index:     sensorStore.Index(),
		Viewport:  model.BBox{MinLat: 0, MinLon: 0, MaxLat: 5, MaxLon: 5},
		Cap:       10,
		Displayed: displayed,
	}, rand.New(rand.NewPCG(1, 1)))
	if len(res.Update) != 1 || res.Update[0].Old.Payload.(model.Sensor).AQI != 10 || res.Update[0].New.Payload.(model.Sensor).AQI != 180 {
		t.Fatalf("Update = %+v, want s1 10 -> 180", res.Update)
	}
	if len(res.Remove) != 1 || res.Remove[0].ID != "s2" {
		t.Fatalf("Remove = %+v, want s2", res.Remove)
	}
}

func TestSensorTableRefreshErrorKeepsStore(t *testing.T) {
	stores := kb.NewLayerSet()
	stores.Route([]model.Entity{reading("s1", 10)})
	refresh := sensorTableRefresher(&fakeSensorTable{err: errors.New("connection refused")}, stores, logging.Noop())

	refresh(context.Background(), time.Now())
	if stores.Store(model.LayerSensors).Len() != 1 {
		t.Fatalf("store changed after failed refresh")
	}
}
