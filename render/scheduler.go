package render

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/aqmap/core"
	"github.com/signalsfoundry/aqmap/internal/logging"
	"github.com/signalsfoundry/aqmap/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/aqmap/render"

// ErrClosed is returned when scheduling on a closed Scheduler.
var ErrClosed = errors.New("scheduler closed")

// Outcome labels for recompute metrics.
const (
	OutcomeApplied      = "applied"
	OutcomeStaleApplied = "stale_applied"
	OutcomeDropped      = "dropped"
)

// Request is the input to one recompute.
type Request = core.Request

// Delta is what the apply callback receives.
type Delta struct {
	core.Result

	Layer      model.Layer
	Generation uint64
	// Stale is set when a newer recompute from the same consumer superseding
	// this one was scheduled before this delta reached the interactive
	// context.
	Stale       bool
	ComputeTime time.Duration
}

// ApplyFunc mutates the render surface. It runs on the interactive context
// and must not schedule a recompute synchronously.
type ApplyFunc func(Delta)

// Progress reports how far a recompute has advanced, from 0 to 1.
type Progress struct {
	Layer      model.Layer
	Generation uint64
	Fraction   float64
}

// Metrics receives per-recompute measurements.
type Metrics interface {
	ObserveRecompute(layer model.Layer, outcome string, d time.Duration, added, removed, updated int)
	IncStaleDelta(layer model.Layer, action string)
}

// Ticket identifies a scheduled recompute.
type Ticket struct {
	Generation uint64
	done       chan struct{}
}

// Done is closed once the delta has been applied or dropped.
func (t Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the recompute finishes or ctx is done.
func (t Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers bounds the number of concurrent computes.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(log logging.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics wires a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSeed makes sampling reproducible.
func WithSeed(seed uint64) Option {
	return func(s *Scheduler) { s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithDropStale discards stale deltas instead of applying them. Their
// tickets still complete.
func WithDropStale() Option {
	return func(s *Scheduler) { s.dropStale = true }
}

// WithProgress registers a progress callback. It is called from worker
// goroutines and from the interactive context.
func WithProgress(fn func(Progress)) Option {
	return func(s *Scheduler) { s.progress = fn }
}

// Scheduler runs core.Compute on a bounded pool of goroutines and delivers
// each result through a Dispatcher. Every scheduled recompute runs to
// completion; overlapping calls are neither coalesced nor cancelled, but each
// carries a monotonic generation so stale deltas can be recognised.
type Scheduler struct {
	dispatch Dispatcher
	workers  int
	sem      chan struct{}

	log       logging.Logger
	metrics   Metrics
	progress  func(Progress)
	tracer    trace.Tracer
	dropStale bool

	rngMu sync.Mutex
	rng   *rand.Rand

	gen atomic.Uint64

	mu       sync.Mutex
	closed   bool
	latest   map[string]uint64
	inflight sync.WaitGroup
}

// NewScheduler constructs a scheduler delivering deltas through dispatch.
func NewScheduler(dispatch Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatch: dispatch,
		workers:  runtime.GOMAXPROCS(0),
		log:      logging.Noop(),
		tracer:   otel.Tracer(tracerName),
		latest:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s.sem = make(chan struct{}, s.workers)
	return s
}

// ScheduleRecompute queues one query, sample, and diff pass. apply is invoked
// exactly once on the interactive context, unless WithDropStale is set and
// the delta is stale by then. It never blocks the caller.
func (s *Scheduler) ScheduleRecompute(ctx context.Context, req Request, apply ApplyFunc) (Ticket, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Ticket{}, ErrClosed
	}
	gen := s.gen.Add(1)
	key := supersedeKey(req.Consumer, req.Policy.Layer)
	s.latest[key] = gen
	s.inflight.Add(1)
	s.mu.Unlock()

	ticket := Ticket{Generation: gen, done: make(chan struct{})}
	rng := s.childRNG()
	s.report(req.Policy.Layer, gen, 0.3)

	go func() {
		defer s.inflight.Done()
		s.sem <- struct{}{}
		res, dur := s.compute(ctx, req, gen, rng)
		<-s.sem

		s.report(req.Policy.Layer, gen, 0.7)
		s.dispatch.Dispatch(func() {
			defer close(ticket.done)
			s.deliver(ctx, key, Delta{
				Result:      res,
				Layer:       req.Policy.Layer,
				Generation:  gen,
				ComputeTime: dur,
			}, apply)
		})
	}()
	return ticket, nil
}

// Latest is the newest generation handed out.
func (s *Scheduler) Latest() uint64 { return s.gen.Load() }

// Close stops accepting work and waits for in-flight computes to be handed
// to the dispatcher.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.inflight.Wait()
}

func (s *Scheduler) compute(ctx context.Context, req Request, gen uint64, rng *rand.Rand) (core.Result, time.Duration) {
	ctx, span := s.tracer.Start(ctx, "render.Compute", trace.WithAttributes(
		attribute.String("layer", req.Policy.Layer.String()),
		attribute.Int64("generation", int64(gen)),
		attribute.Int("cap", req.Cap),
		attribute.Int("displayed", len(req.Displayed)),
	))
	defer span.End()

	start := time.Now()
	res := core.Compute(req, rng)
	dur := time.Since(start)

	span.SetAttributes(
		attribute.Int("target", res.Target),
		attribute.Int("add", len(res.Add)),
		attribute.Int("remove", len(res.Remove)),
		attribute.Int("update", len(res.Update)),
		attribute.Int("foreign", len(res.Foreign)),
	)
	s.log.Debug(ctx, "recompute computed",
		logging.String("layer", req.Policy.Layer.String()),
		logging.Uint64("generation", gen),
		logging.Int("target", res.Target),
		logging.Duration("took", dur),
	)
	return res, dur
}

// deliver runs on the interactive context.
func (s *Scheduler) deliver(ctx context.Context, key string, d Delta, apply ApplyFunc) {
	s.mu.Lock()
	d.Stale = s.latest[key] > d.Generation
	s.mu.Unlock()

	outcome := OutcomeApplied
	if d.Stale {
		outcome = OutcomeStaleApplied
		if s.dropStale {
			outcome = OutcomeDropped
		}
		if s.metrics != nil {
			s.metrics.IncStaleDelta(d.Layer, outcome)
		}
	}

	if outcome == OutcomeDropped {
		s.log.Debug(ctx, "dropping stale delta",
			logging.String("layer", d.Layer.String()),
			logging.Uint64("generation", d.Generation),
		)
	} else if apply != nil {
		apply(d)
	}

	if s.metrics != nil {
		s.metrics.ObserveRecompute(d.Layer, outcome, d.ComputeTime, len(d.Add), len(d.Remove), len(d.Update))
	}
	s.report(d.Layer, d.Generation, 1)
}

func (s *Scheduler) childRNG() *rand.Rand {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return rand.New(rand.NewPCG(s.rng.Uint64(), s.rng.Uint64()))
}

func (s *Scheduler) report(layer model.Layer, gen uint64, fraction float64) {
	if s.progress != nil {
		s.progress(Progress{Layer: layer, Generation: gen, Fraction: fraction})
	}
}

// supersedeKey groups requests that replace each other. Requests from
// different consumers never do. Within a consumer, sampled layers share the
// display, so any newer sampled request supersedes older ones; persistent
// layers are only superseded by their own newer requests.
func supersedeKey(consumer string, layer model.Layer) string {
	group := "sampled"
	if layer.PersistsBetweenUpdates() {
		group = layer.String()
	}
	return consumer + "/" + group
}
