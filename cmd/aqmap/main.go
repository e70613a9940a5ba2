// Command aqmap plans and replays marker deltas offline, exports data server
// layers as GeoJSON and inspects a running marker server.
package main

import (
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/signalsfoundry/aqmap/internal/config"
	"github.com/signalsfoundry/aqmap/internal/logging"
)

// Globals are shared by every command.
type Globals struct {
	LogLevel string `help:"Log level." default:"warn" enum:"debug,info,warn,error" env:"LOG_LEVEL"`

	out io.Writer      `kong:"-"`
	log logging.Logger `kong:"-"`
}

type CLI struct {
	Globals

	Plan   PlanCmd   `cmd:"" help:"Compute the marker delta for a viewport from GeoJSON inputs."`
	Export ExportCmd `cmd:"" help:"Fetch a layer from the data server and write it as GeoJSON."`
	Counts CountsCmd `cmd:"" help:"Print per-layer entity counts from a running marker server."`
	Replay ReplayCmd `cmd:"" help:"Replay viewport and layer changes through the render controller."`
}

func newParser(cli *CLI, out io.Writer, opts ...kong.Option) (*kong.Kong, error) {
	opts = append([]kong.Option{
		kong.Name("aqmap"),
		kong.Description("Air-quality marker tooling."),
		kong.UsageOnError(),
		kong.Writers(out, out),
		kong.Vars{"data_server": config.DefaultDataServerURL},
	}, opts...)
	return kong.New(cli, opts...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli, os.Stdout)
	if err != nil {
		panic(err)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	cli.out = os.Stdout
	cli.log = logging.New(logging.Config{Level: cli.LogLevel, Format: "text", Output: os.Stderr})
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}
