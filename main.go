package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions is the parsed command line.
type AppOptions struct {
	ConfigFile string
	DataFile   string
	OutDir     string
	RunOnce    bool
	Render     bool
	GeoJSON    bool
	MqttMode   bool
	HttpMode   bool
	HttpPort   int
	Workers    int
	Seed       *int64 // nil keeps the configured seed
}

// Runner is what the command line dispatches to.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunOnce() error
	RunRender() error
	RunGeoJSON() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("icasar", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to YAML configuration file (defaults plus ICASAR_* env when empty)")
	fs.StringVar(&opts.DataFile, "data", "dataset.json", "Path to the JSON dataset")
	fs.StringVar(&opts.OutDir, "out-dir", "out", "Directory for result.json, maps and exports")
	fs.BoolVar(&opts.RunOnce, "run", false, "Run the pipeline once and write the result")
	fs.BoolVar(&opts.Render, "render", false, "Render source maps and the embedding plot")
	fs.BoolVar(&opts.GeoJSON, "geojson", false, "Export consensus sources as GeoJSON")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish results and accept run requests over MQTT")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve results over HTTP")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	fs.IntVar(&opts.Workers, "workers", 0, "Parallel ICA runs (0 keeps the configured value)")
	seed := fs.Int64("seed", 0, "Override the configured random seed")

	if err := fs.Parse(args); err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			opts.Seed = seed
		}
	})

	fmt.Fprintf(out, "icasar version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	case opts.RunOnce:
		return app.RunOnce()
	case opts.Render:
		return app.RunRender()
	case opts.GeoJSON:
		return app.RunGeoJSON()
	}

	fmt.Fprintln(out, "Nothing to do.")
	fmt.Fprintln(out, "Use --run to decompose --data and write --out-dir/result.json")
	fmt.Fprintln(out, "Use --run --render --geojson to also write maps and exports")
	fmt.Fprintln(out, "Use --render or --geojson alone to export the last saved result")
	fmt.Fprintln(out, "Use --http and/or --mqtt to run as a service")
	return nil
}
