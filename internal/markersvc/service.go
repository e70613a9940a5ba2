// Package markersvc exposes the layer stores and the recompute pipeline over
// gRPC. Messages travel as google.protobuf.Struct values whose fields mirror
// the JSON form of the request and response types in this package.
package markersvc

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/signalsfoundry/aqmap/core"
	"github.com/signalsfoundry/aqmap/internal/favorites"
	"github.com/signalsfoundry/aqmap/internal/locate"
	"github.com/signalsfoundry/aqmap/internal/logging"
	"github.com/signalsfoundry/aqmap/internal/source"
	"github.com/signalsfoundry/aqmap/kb"
	"github.com/signalsfoundry/aqmap/model"
	"github.com/signalsfoundry/aqmap/render"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "aqmap.v1.MarkerService"

// MarkerServiceServer is the server API for MarkerService.
type MarkerServiceServer interface {
	Merge(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Recompute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Counts(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Favorite(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Locate(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Locator resolves an address to a place and the viewport to open on it.
type Locator interface {
	InitialViewport(addr string) (locate.Place, model.Viewport, error)
}

// CityFetcher loads cities inside a viewport, skipping ids already known.
type CityFetcher interface {
	CitiesInViewport(ctx context.Context, vp model.BBox, excluded []string) ([]model.Entity, error)
}

// Option configures a Server.
type Option func(*Server)

// WithFavorites enables the Favorite method.
func WithFavorites(f *favorites.Store) Option {
	return func(s *Server) { s.favs = f }
}

// WithLocator enables the Locate method.
func WithLocator(l Locator) Option {
	return func(s *Server) { s.locator = l }
}

// WithCityFetcher loads missing cities from upstream before each cities
// recompute.
func WithCityFetcher(f CityFetcher) Option {
	return func(s *Server) { s.cities = f }
}

// WithMaxAnnotations sets the display cap used when a request carries none.
func WithMaxAnnotations(n int) Option {
	return func(s *Server) { s.maxAnnotations = n }
}

// WithLogger sets the fallback logger for requests without one on their
// context.
func WithLogger(log logging.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// Server implements MarkerServiceServer on top of a LayerSet and a
// Scheduler.
type Server struct {
	stores  *kb.LayerSet
	sched   *render.Scheduler
	favs    *favorites.Store
	locator Locator
	cities  CityFetcher
	log     logging.Logger

	maxAnnotations int
}

var _ MarkerServiceServer = (*Server)(nil)

// NewServer constructs a Server.
func NewServer(stores *kb.LayerSet, sched *render.Scheduler, opts ...Option) *Server {
	s := &Server{
		stores:         stores,
		sched:          sched,
		log:            logging.Noop(),
		maxAnnotations: 100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds srv to a gRPC server.
func Register(r grpc.ServiceRegistrar, srv MarkerServiceServer) {
	r.RegisterService(&ServiceDesc, srv)
}

// Merge folds records into the stores.
func (s *Server) Merge(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var req MergeRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, ToStatusError(err)
	}
	entities, err := source.Entities(req.Records)
	if err != nil {
		return nil, ToStatusError(err)
	}

	byLayer := make(map[model.Layer][]model.Entity)
	if req.Layer != "" {
		layer, err := model.ParseLayer(req.Layer)
		if err != nil {
			return nil, ToStatusError(err)
		}
		for _, e := range entities {
			if e.Kind() != layer.Kind() {
				return nil, ToStatusError(fmt.Errorf("%w: %s does not belong to layer %s", ErrInvalidRequest, e.Key(), layer))
			}
		}
		byLayer[layer] = entities
	} else {
		for _, e := range entities {
			l, _ := model.LayerForKind(e.Kind())
			byLayer[l] = append(byLayer[l], e)
		}
	}

	var resp MergeResponse
	for l, batch := range byLayer {
		store, err := s.stores.Lookup(l)
		if err != nil {
			return nil, ToStatusError(err)
		}
		if req.Replace {
			added, updated := store.Replace(batch)
			resp.Added += added
			resp.Updated += updated
		} else {
			resp.Added += store.Merge(batch)
		}
	}

	logging.LoggerFromContext(ctx, s.log).Debug(ctx, "merged records",
		logging.Int("records", len(entities)),
		logging.Int("added", resp.Added),
		logging.Int("updated", resp.Updated),
	)
	return encode(resp)
}

// Recompute runs one pass of the query, sample and diff pipeline for the
// caller's displayed set.
func (s *Server) Recompute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	var req RecomputeRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, ToStatusError(err)
	}
	layer, err := model.ParseLayer(req.Layer)
	if err != nil {
		return nil, ToStatusError(err)
	}
	store, err := s.stores.Lookup(layer)
	if err != nil {
		return nil, ToStatusError(err)
	}
	displayed, err := source.Entities(req.Displayed)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if layer == model.LayerCities && s.cities != nil {
		s.fetchCities(ctx, store, req.Viewport.BBox())
	}
	limit := s.maxAnnotations
	if req.Cap != nil {
		if *req.Cap < 0 {
			return nil, ToStatusError(fmt.Errorf("%w: cap must be >= 0, got %d", ErrInvalidRequest, *req.Cap))
		}
		limit = *req.Cap
	}

	var (
		delta   render.Delta
		applied bool
	)
	ticket, err := s.sched.ScheduleRecompute(ctx, render.Request{
		Policy:      core.LayerPolicy{Layer: layer},
		Index:       store.Index(),
		Viewport:    req.Viewport.BBox(),
		Cap:         limit,
		Displayed:   model.KeySet(displayed),
		SkipUpdates: req.SkipUpdates,
		Consumer:    consumerKey(req.Session),
	}, func(d render.Delta) {
		delta = d
		applied = true
	})
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := ticket.Wait(ctx); err != nil {
		return nil, ToStatusError(err)
	}

	resp := RecomputeResponse{Generation: ticket.Generation, Stale: !applied}
	if applied {
		updates := make([]model.Entity, 0, len(delta.Update))
		for _, u := range delta.Update {
			updates = append(updates, u.New)
		}
		resp.Stale = delta.Stale
		resp.Target = delta.Target
		resp.Add = records(delta.Add)
		resp.Remove = records(delta.Remove)
		resp.Update = records(updates)
		resp.Foreign = records(delta.Foreign)
	}
	return encode(resp)
}

// consumerKey maps a session to a scheduler consumer. Calls without a session
// get a key of their own so they never supersede each other.
func consumerKey(session string) string {
	if session == "" {
		return "call:" + uuid.NewString()
	}
	return "session:" + session
}

// Counts reports the entity count of every layer.
func (s *Server) Counts(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	resp := CountsResponse{Counts: make(map[string]int)}
	for l, n := range s.stores.Counts() {
		resp.Counts[l.String()] = n
	}
	return encode(resp)
}

// Favorite lists, adds or removes a favourite, returning the resulting list
// with live state where the stores have it.
func (s *Server) Favorite(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if s.favs == nil {
		return nil, ToStatusError(fmt.Errorf("favorites: %w", ErrNotConfigured))
	}
	var req FavoriteRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, ToStatusError(err)
	}

	switch req.Op {
	case FavoriteList, "":
	case FavoriteAdd:
		e, err := req.Record.Entity()
		if err != nil {
			return nil, ToStatusError(err)
		}
		if err := s.favs.Add(e); err != nil {
			return nil, ToStatusError(err)
		}
	case FavoriteRemove:
		kind, ok := model.ParseKind(req.Record.Kind)
		if !ok || req.Record.ID == "" {
			return nil, ToStatusError(fmt.Errorf("%w: favorite needs kind and id", ErrInvalidRequest))
		}
		if err := s.favs.Remove(model.Key{Kind: kind, ID: req.Record.ID}); err != nil {
			return nil, ToStatusError(err)
		}
	default:
		return nil, ToStatusError(fmt.Errorf("%w: unknown favorite op %q", ErrInvalidRequest, req.Op))
	}

	favs, err := s.favs.Resolve(s.lookup)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return encode(FavoriteResponse{Favorites: records(favs)})
}

// Locate returns the initial viewport for an address, defaulting to the
// caller's.
func (s *Server) Locate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.locator == nil {
		return nil, ToStatusError(fmt.Errorf("locate: %w", ErrNotConfigured))
	}
	var req LocateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, ToStatusError(err)
	}
	addr := req.IP
	if addr == "" {
		addr = peerHost(ctx)
	}
	place, vp, err := s.locator.InitialViewport(addr)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return encode(LocateResponse{Viewport: viewportOf(vp), City: place.City, Country: place.Country})
}

// fetchCities merges upstream cities for vp into store. Failures are logged
// and the recompute proceeds with what is already known.
func (s *Server) fetchCities(ctx context.Context, store *kb.Store, vp model.BBox) {
	if vp.IsEmpty() {
		return
	}
	var excluded []string
	store.Index().Search(vp, func(e model.Entity) bool {
		excluded = append(excluded, e.ID)
		return true
	})
	log := logging.LoggerFromContext(ctx, s.log)
	fetched, err := s.cities.CitiesInViewport(ctx, vp, excluded)
	if err != nil {
		log.Warn(ctx, "city fetch failed", logging.Err(err))
		return
	}
	added := store.Merge(fetched)
	log.Debug(ctx, "fetched cities", logging.Int("fetched", len(fetched)), logging.Int("added", added))
}

func (s *Server) lookup(k model.Key) (model.Entity, bool) {
	l, ok := model.LayerForKind(k.Kind)
	if !ok {
		return model.Entity{}, false
	}
	store := s.stores.Store(l)
	if store == nil {
		return model.Entity{}, false
	}
	return store.Get(k)
}

func (s *Server) ensureReady() error {
	if s == nil || s.stores == nil || s.sched == nil {
		return status.Error(codes.FailedPrecondition, "marker service not initialised")
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	st, err := toStruct(v)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return st, nil
}

func peerHost(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
