package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/signalsfoundry/aqmap/internal/config"
	"github.com/signalsfoundry/aqmap/internal/favorites"
	"github.com/signalsfoundry/aqmap/internal/fetch"
	"github.com/signalsfoundry/aqmap/internal/locate"
	"github.com/signalsfoundry/aqmap/internal/logging"
	"github.com/signalsfoundry/aqmap/internal/markersvc"
	"github.com/signalsfoundry/aqmap/internal/observability"
	"github.com/signalsfoundry/aqmap/internal/source"
	"github.com/signalsfoundry/aqmap/kb"
	"github.com/signalsfoundry/aqmap/model"
	"github.com/signalsfoundry/aqmap/render"
	"github.com/signalsfoundry/aqmap/timectrl"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	envFile := flag.String("env-file", ".env", "Optional .env file merged into the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logging.NewFromEnv().Error(context.Background(), "invalid configuration", logging.Err(err))
		os.Exit(2)
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.ListenAddress), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "server exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves MarkerService on lis until ctx is done.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	recomputes, err := observability.NewRecomputeCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddress, collector, log)

	stores := kb.NewLayerSet(
		kb.WithMaxFanOut(cfg.MaxFanOut),
		kb.WithLogger(log),
		kb.WithMetricsRecorder(collector),
	)

	loop := render.NewMainLoop()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(loopCtx) }()

	schedOpts := []render.Option{
		render.WithWorkers(cfg.Workers),
		render.WithLogger(log),
		render.WithMetrics(recomputes),
	}
	if cfg.DropStale {
		schedOpts = append(schedOpts, render.WithDropStale())
	}
	sched := render.NewScheduler(loop, schedOpts...)

	client, closeCache, err := newFetchClient(ctx, cfg, collector, log)
	if err != nil {
		return err
	}
	defer closeCache()

	favs, err := favorites.Open(cfg.FavoritesPath)
	if err != nil {
		return err
	}
	defer favs.Close()

	svcOpts := []markersvc.Option{
		markersvc.WithFavorites(favs),
		markersvc.WithCityFetcher(client),
		markersvc.WithMaxAnnotations(cfg.MaxAnnotations),
		markersvc.WithLogger(log),
	}
	if cfg.GeoIPPath != "" {
		locator, err := locate.Open(cfg.GeoIPPath)
		if err != nil {
			return err
		}
		defer locator.Close()
		svcOpts = append(svcOpts, markersvc.WithLocator(locator))
	}

	preloadFavorites(ctx, favs, stores, log)

	refresher := timectrl.NewRefreshController(cfg.RefreshEvery, timectrl.Immediate, nil)
	refresher.AddListener(persistentLayerRefresher(client, stores, log))
	if cfg.PostgresDSN != "" {
		db, err := source.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		refresher.AddListener(sensorTableRefresher(source.NewPostgresSensors(db), stores, log))
	}

	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()
	refreshDone := refresher.Start(workCtx)
	streamDone := make(chan struct{})
	if cfg.StreamURL != "" {
		go func() {
			defer close(streamDone)
			_ = source.NewStream(cfg.StreamURL, stores, log).Run(workCtx)
		}()
	} else {
		close(streamDone)
	}

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			markersvc.RequestIDUnaryServerInterceptor(log),
			markersvc.TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	)
	markersvc.Register(server, markersvc.NewServer(stores, sched, svcOpts...))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)
	healthSrv.SetServingStatus(markersvc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting marker gRPC server", logging.String("addr", lis.Addr().String()))
		serveErr <- server.Serve(lis)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			runErr = fmt.Errorf("grpc serve: %w", err)
		}
	}

	log.Info(context.Background(), "shutting down marker server")
	healthSrv.Shutdown()
	server.GracefulStop()
	stopWork()
	<-refreshDone
	<-streamDone
	sched.Close()
	stopLoop()
	<-loopDone

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return runErr
}

func newFetchClient(ctx context.Context, cfg config.Config, collector *observability.Collector, log logging.Logger) (*fetch.Client, func(), error) {
	opts := []fetch.Option{
		fetch.WithHTTPClient(&http.Client{Timeout: cfg.FetchTimeout}),
		fetch.WithLogger(log),
		fetch.WithObserver(collector),
	}
	closeCache := func() {}
	if cfg.RedisAddr != "" {
		cache := fetch.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := cache.Ping(ctx); err != nil {
			log.Warn(ctx, "redis unavailable; responses will not be cached", logging.String("addr", cfg.RedisAddr), logging.Err(err))
			_ = cache.Close()
		} else {
			opts = append(opts, fetch.WithCache(cache, cfg.CacheTTL))
			closeCache = func() { _ = cache.Close() }
		}
	}
	client, err := fetch.NewClient(cfg.DataServerURL, opts...)
	if err != nil {
		closeCache()
		return nil, nil, err
	}
	return client, closeCache, nil
}

// persistentLayerRefresher replaces wildfires and AirNow stations with the
// upstream set on every refresh.
func persistentLayerRefresher(client *fetch.Client, stores *kb.LayerSet, log logging.Logger) timectrl.Listener {
	return func(ctx context.Context, _ time.Time) {
		load := []struct {
			layer model.Layer
			fetch func(context.Context) ([]model.Entity, error)
		}{
			{model.LayerWildfires, client.Wildfires},
			{model.LayerAirNow, client.AirNowStations},
		}
		for _, l := range load {
			entities, err := l.fetch(ctx)
			if err != nil {
				log.Warn(ctx, "layer refresh failed", logging.String("layer", l.layer.String()), logging.Err(err))
				continue
			}
			replaceLayer(stores.Store(l.layer), entities)
		}
	}
}

// sensorTable is the slice of source.PostgresSensors the refresher needs.
type sensorTable interface {
	InViewport(ctx context.Context, vp model.BBox, excluded []string) ([]model.Entity, error)
}

// sensorTableRefresher upserts every sensor row so refreshed readings replace
// the stored ones, and evicts rows that left the table since the previous
// refresh. Entities from other sources are left alone.
func sensorTableRefresher(table sensorTable, stores *kb.LayerSet, log logging.Logger) timectrl.Listener {
	var (
		mu   sync.Mutex
		seen = map[model.Key]struct{}{}
	)
	return func(ctx context.Context, _ time.Time) {
		entities, err := table.InViewport(ctx, model.World, nil)
		if err != nil {
			log.Warn(ctx, "sensor table refresh failed", logging.Err(err))
			return
		}

		mu.Lock()
		defer mu.Unlock()
		for l, n := range stores.Replace(entities) {
			log.Debug(ctx, "refreshed sensors from postgres",
				logging.String("layer", l.String()),
				logging.Int("added", n.Added),
				logging.Int("updated", n.Updated))
		}
		fresh := model.KeySet(entities)
		var gone []model.Key
		for k := range seen {
			if _, ok := fresh[k]; !ok {
				gone = append(gone, k)
			}
		}
		if removed := stores.Evict(gone...); removed > 0 {
			log.Debug(ctx, "evicted sensors missing from postgres", logging.Int("removed", removed))
		}
		seen = make(map[model.Key]struct{}, len(fresh))
		for k := range fresh {
			seen[k] = struct{}{}
		}
	}
}

// replaceLayer upserts entities and evicts the ones upstream no longer
// reports.
func replaceLayer(store *kb.Store, entities []model.Entity) {
	fresh := model.KeySet(entities)
	var gone []model.Key
	for _, k := range store.Keys() {
		if _, ok := fresh[k]; !ok {
			gone = append(gone, k)
		}
	}
	store.Replace(entities)
	if len(gone) > 0 {
		store.Evict(gone...)
	}
}

func preloadFavorites(ctx context.Context, favs *favorites.Store, stores *kb.LayerSet, log logging.Logger) {
	saved, err := favs.List()
	if err != nil {
		log.Warn(ctx, "failed to read favorites", logging.Err(err))
		return
	}
	stores.Route(saved)
	log.Info(ctx, "preloaded favorites", logging.Int("count", len(saved)))
}

func serveMetrics(addr string, collector *observability.Collector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
