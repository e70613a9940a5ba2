package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/aqmap/core"
	"github.com/signalsfoundry/aqmap/internal/fetch"
	"github.com/signalsfoundry/aqmap/internal/markersvc"
	"github.com/signalsfoundry/aqmap/internal/source"
	"github.com/signalsfoundry/aqmap/kb"
	"github.com/signalsfoundry/aqmap/model"
	"github.com/signalsfoundry/aqmap/render"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func viewportFlag(v []float64) (model.BBox, error) {
	if len(v) != 4 {
		return model.BBox{}, fmt.Errorf("viewport needs minLat,minLon,maxLat,maxLon; got %d values", len(v))
	}
	return model.BBox{MinLat: v[0], MinLon: v[1], MaxLat: v[2], MaxLon: v[3]}, nil
}

func loadGeoJSONFile(path string) ([]model.Entity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entities, err := source.LoadGeoJSON(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entities, nil
}

// PlanCmd runs one recompute offline.
type PlanCmd struct {
	Inputs    []string  `arg:"" type:"existingfile" help:"GeoJSON files with the known entities."`
	Displayed string    `type:"existingfile" help:"GeoJSON file with the currently displayed entities."`
	Layer     string    `default:"sensors" enum:"sensors,pollen,cities,wildfires,airnow" help:"Active layer."`
	Viewport  []float64 `required:"" help:"Viewport as minLat,minLon,maxLat,maxLon."`
	Cap       int       `default:"100" help:"Display cap."`
	MaxFanOut int       `name:"max-fanout" help:"Cap on the index fan-out; 0 uses the entity count."`
	Seed      uint64    `default:"1" help:"Sampling seed."`
}

func (c *PlanCmd) Run(g *Globals) error {
	vp, err := viewportFlag(c.Viewport)
	if err != nil {
		return err
	}
	layer, err := model.ParseLayer(c.Layer)
	if err != nil {
		return err
	}

	stores := kb.NewLayerSet(kb.WithMaxFanOut(c.MaxFanOut), kb.WithLogger(g.log))
	for _, path := range c.Inputs {
		entities, err := loadGeoJSONFile(path)
		if err != nil {
			return err
		}
		stores.Route(entities)
	}
	displayed := map[model.Key]model.Entity{}
	if c.Displayed != "" {
		entities, err := loadGeoJSONFile(c.Displayed)
		if err != nil {
			return err
		}
		displayed = model.KeySet(entities)
	}

	res := core.Compute(core.Request{
		Policy:    core.LayerPolicy{Layer: layer},
		Index:     stores.Store(layer).Index(),
		Viewport:  vp,
		Cap:       c.Cap,
		Displayed: displayed,
	}, rand.New(rand.NewPCG(c.Seed, c.Seed)))

	fmt.Fprintf(g.out, "layer %s viewport %v target %d: +%d -%d ~%d foreign %d\n",
		layer, vp, res.Target, len(res.Add), len(res.Remove), len(res.Update), len(res.Foreign))
	for _, e := range res.Foreign {
		fmt.Fprintf(g.out, "x %s\n", e.Key())
	}
	for _, e := range res.Remove {
		fmt.Fprintf(g.out, "- %s\n", e.Key())
	}
	for _, e := range res.Add {
		fmt.Fprintf(g.out, "+ %s %s\n", e.Key(), e.Coordinate)
	}
	for _, u := range res.Update {
		fmt.Fprintf(g.out, "~ %s\n", u.New.Key())
	}
	return nil
}

// ExportCmd writes one data server layer as GeoJSON.
type ExportCmd struct {
	Layer    string        `arg:"" enum:"wildfires,airnow,cities,search" help:"Layer to export: wildfires, airnow, cities or search."`
	Server   string        `default:"${data_server}" env:"AQMAP_DATA_SERVER_URL" help:"Data server base URL."`
	Viewport []float64     `help:"Viewport for cities, as minLat,minLon,maxLat,maxLon."`
	Query    string        `help:"City name for search."`
	Timeout  time.Duration `default:"10s" help:"Request timeout."`
	Output   string        `short:"o" default:"-" help:"Output file, - for stdout."`
}

func (c *ExportCmd) Run(g *Globals) error {
	client, err := fetch.NewClient(c.Server, fetch.WithLogger(g.log))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	var entities []model.Entity
	switch c.Layer {
	case "wildfires":
		entities, err = client.Wildfires(ctx)
	case "airnow":
		entities, err = client.AirNowStations(ctx)
	case "cities":
		vp, verr := viewportFlag(c.Viewport)
		if verr != nil {
			return verr
		}
		entities, err = client.CitiesInViewport(ctx, vp, nil)
	case "search":
		entities, err = client.Autocomplete(ctx, c.Query)
	}
	if err != nil {
		return err
	}

	data, err := source.ExportGeoJSON(entities)
	if err != nil {
		return err
	}
	var w io.Writer = g.out
	if c.Output != "-" {
		f, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// CountsCmd queries a running server.
type CountsCmd struct {
	Addr    string        `default:"localhost:50051" env:"AQMAP_GRPC_ADDR" help:"Marker server address."`
	Timeout time.Duration `default:"5s" help:"Request timeout."`
}

func (c *CountsCmd) Run(g *Globals) error {
	conn, err := grpc.NewClient(c.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(markersvc.RequestIDUnaryClientInterceptor()),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	counts, err := markersvc.NewClient(conn).Counts(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(g.out, "%-10s %d\n", name, counts[name])
	}
	return nil
}

// ReplayCmd drives a render controller through a script of viewport and
// layer changes and prints the delta each step applies.
type ReplayCmd struct {
	Inputs  []string      `arg:"" type:"existingfile" help:"GeoJSON files with the known entities."`
	Script  string        `required:"" type:"existingfile" help:"Script with one 'viewport minLat,minLon,maxLat,maxLon' or 'layer <name>' step per line."`
	Layer   string        `default:"sensors" enum:"sensors,pollen,cities,wildfires,airnow" help:"Layer shown before the first step."`
	Cap     int           `default:"100" help:"Display cap."`
	Seed    uint64        `default:"1" help:"Sampling seed."`
	Timeout time.Duration `default:"10s" help:"Limit on each step."`
}

type replayStep struct {
	line     int
	text     string
	layer    model.Layer
	viewport *model.BBox
}

func parseReplayScript(r io.Reader) ([]replayStep, error) {
	var steps []replayStep
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		verb, arg, _ := strings.Cut(text, " ")
		arg = strings.TrimSpace(arg)
		step := replayStep{line: n, text: text}
		switch verb {
		case "viewport":
			var vals []float64
			for _, f := range strings.Split(arg, ",") {
				v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", n, err)
				}
				vals = append(vals, v)
			}
			vp, err := viewportFlag(vals)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n, err)
			}
			step.viewport = &vp
		case "layer":
			layer, err := model.ParseLayer(arg)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n, err)
			}
			step.layer = layer
		default:
			return nil, fmt.Errorf("line %d: unknown step %q", n, verb)
		}
		steps = append(steps, step)
	}
	return steps, sc.Err()
}

func (c *ReplayCmd) Run(g *Globals) error {
	layer, err := model.ParseLayer(c.Layer)
	if err != nil {
		return err
	}
	f, err := os.Open(c.Script)
	if err != nil {
		return err
	}
	steps, err := parseReplayScript(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", c.Script, err)
	}

	stores := kb.NewLayerSet(kb.WithLogger(g.log))
	for _, path := range c.Inputs {
		entities, err := loadGeoJSONFile(path)
		if err != nil {
			return err
		}
		stores.Route(entities)
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := render.NewMainLoop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(ctx)
	}()
	defer func() {
		cancel()
		<-loopDone
	}()

	sched := render.NewScheduler(loop, render.WithSeed(c.Seed), render.WithLogger(g.log))
	defer sched.Close()

	// Written on the loop goroutine; read after the step's ticket is done.
	var last render.Delta
	surface := render.NewSurface(func(d render.Delta) { last = d })
	ctrl := render.NewController(stores, sched, surface, layer, c.Cap, g.log)

	for i, step := range steps {
		var ticket render.Ticket
		if step.viewport != nil {
			ticket, err = ctrl.SetViewport(ctx, *step.viewport)
		} else {
			ticket, err = ctrl.SetLayer(ctx, step.layer)
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", step.line, err)
		}
		stepCtx, stepCancel := context.WithTimeout(ctx, c.Timeout)
		err = ticket.Wait(stepCtx)
		stepCancel()
		if err != nil {
			return fmt.Errorf("line %d: %w", step.line, err)
		}
		fmt.Fprintf(g.out, "step %d %s: gen %d +%d -%d ~%d shown %d\n",
			i+1, step.text, last.Generation, len(last.Add), len(last.Remove), len(last.Update), surface.Len())
	}
	return nil
}
