package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kwv/icasar/bss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *bss.Config
	StateTracker *bss.StateTracker
	MQTTClient   *bss.MQTTClient
	Publisher    *bss.Publisher
	Metrics      *bss.Metrics
	Registry     *prometheus.Registry

	// newPipeline builds the pipeline for one run; tests replace it
	newPipeline func(cfg *bss.Config) (*bss.Pipeline, error)

	// coordinates of the last loaded dataset, for GeoJSON export
	geoMu      sync.RWMutex
	lons, lats []float64

	// CLI flags
	ConfigFile string
	DataFile   string
	OutDir     string
	Render     bool
	GeoJSON    bool
	HttpPort   int
	MqttMode   bool
	HttpMode   bool
	Workers    int
	Seed       *int64
}

// NewApp creates a new App instance with its own metrics registry
func NewApp() *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a := &App{
		Registry:     reg,
		Metrics:      bss.NewMetrics(reg),
		StateTracker: bss.NewStateTracker(""),
	}
	a.newPipeline = a.defaultPipeline
	return a
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DataFile = opts.DataFile
	a.OutDir = opts.OutDir
	a.Render = opts.Render
	a.GeoJSON = opts.GeoJSON
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
	a.Workers = opts.Workers
	a.Seed = opts.Seed
	a.StateTracker = bss.NewStateTracker(a.ResultPath())
}

// ResultPath is where the latest result is persisted.
func (a *App) ResultPath() string {
	return filepath.Join(a.OutDir, "result.json")
}

// loadConfig reads the configuration and applies the CLI overrides.
func (a *App) loadConfig() (*bss.Config, error) {
	config, err := bss.LoadConfig(a.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if a.Workers > 0 {
		config.Workers = a.Workers
	}
	if a.Seed != nil {
		config.Seed = *a.Seed
	}
	if err := bss.ValidateConfig(config); err != nil {
		return nil, err
	}
	if a.ConfigFile != "" {
		log.Printf("Loaded config from %s", a.ConfigFile)
	}
	a.Config = config
	return config, nil
}

func (a *App) defaultPipeline(cfg *bss.Config) (*bss.Pipeline, error) {
	p := bss.NewPipeline(cfg)
	p.Metrics = a.Metrics
	if cfg.CachePreviousRuns {
		cache, err := bss.NewFileCache(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("opening run cache: %w", err)
		}
		p.Cache = cache
	}
	return p, nil
}

// execute loads the dataset and runs the pipeline once with cfg.
func (a *App) execute(ctx context.Context, cfg *bss.Config) (*bss.Result, error) {
	ds, err := bss.LoadDataset(a.DataFile)
	if err != nil {
		return nil, err
	}
	a.geoMu.Lock()
	a.lons, a.lats = ds.Lons, ds.Lats
	a.geoMu.Unlock()

	p, err := a.newPipeline(cfg)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := p.Run(ctx, ds)
	if err != nil {
		return res, err
	}
	log.Printf("Run %s finished in %s", res.ID, time.Since(start).Round(time.Millisecond))
	return res, nil
}

// coordinates returns the lon/lat arrays of the last loaded dataset.
func (a *App) coordinates() ([]float64, []float64) {
	a.geoMu.RLock()
	defer a.geoMu.RUnlock()
	return a.lons, a.lats
}

// RunOnce runs the pipeline, saves the result and writes any requested
// exports.
func (a *App) RunOnce() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if !a.StateTracker.TryStart() {
		return errors.New("a run is already in progress")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := a.execute(ctx, cfg)
	if err != nil {
		a.StateTracker.Finish(nil, err)
		if res != nil {
			printSummary(res)
		}
		return err
	}
	a.StateTracker.Finish(res, nil)
	fmt.Printf("Saved %s\n", a.ResultPath())
	printSummary(res)

	return a.writeExports(res)
}

// RunRender renders the last saved result.
func (a *App) RunRender() error {
	res, err := a.savedResult()
	if err != nil {
		return err
	}
	a.Render = true
	return a.writeExports(res)
}

// RunGeoJSON exports the last saved result, georeferenced with the dataset's
// coordinates when the dataset file is readable.
func (a *App) RunGeoJSON() error {
	res, err := a.savedResult()
	if err != nil {
		return err
	}
	if ds, err := bss.LoadDataset(a.DataFile); err == nil {
		a.geoMu.Lock()
		a.lons, a.lats = ds.Lons, ds.Lats
		a.geoMu.Unlock()
	} else {
		log.Printf("No coordinates from %s (%v), exporting grid positions", a.DataFile, err)
	}
	a.GeoJSON = true
	return a.writeExports(res)
}

func (a *App) savedResult() (*bss.Result, error) {
	res := a.StateTracker.Latest()
	if res == nil {
		return nil, fmt.Errorf("no result at %s, run with --run first", a.ResultPath())
	}
	return res, nil
}

// writeExports writes the renders and GeoJSON selected by the CLI flags.
func (a *App) writeExports(res *bss.Result) error {
	if a.Render {
		if err := a.writeRenders(res); err != nil {
			return err
		}
	}
	if a.GeoJSON {
		if err := a.writeGeoJSON(res); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) writeRenders(res *bss.Result) error {
	files, err := bss.WriteSourceMaps(filepath.Join(a.OutDir, "sources"), res)
	if err != nil {
		return fmt.Errorf("rendering source maps: %w", err)
	}
	for _, f := range files {
		fmt.Printf("Created: %s\n", f)
	}

	if res.Embedding == nil {
		return nil
	}
	er, err := bss.NewEmbeddingRenderer(res)
	if err != nil {
		return err
	}
	for name, render := range map[string]func(*os.File) error{
		"embedding.svg": func(f *os.File) error { return er.RenderToSVG(f) },
		"embedding.png": func(f *os.File) error { return er.RenderToPNG(f) },
	} {
		path := filepath.Join(a.OutDir, name)
		if err := writeFile(path, render); err != nil {
			return fmt.Errorf("rendering %s: %w", name, err)
		}
		fmt.Printf("Created: %s\n", path)
	}
	return nil
}

func (a *App) writeGeoJSON(res *bss.Result) error {
	lons, lats := a.coordinates()
	fc, err := bss.SourcesToFeatureCollection(res, lons, lats)
	if err != nil {
		return fmt.Errorf("exporting GeoJSON: %w", err)
	}
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	path := filepath.Join(a.OutDir, "sources.geojson")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing GeoJSON: %w", err)
	}
	fmt.Printf("Created: %s (%d features)\n", path, len(fc.Features))
	return nil
}

func writeFile(path string, render func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printSummary(res *bss.Result) {
	fmt.Printf("\nResult %s: %d observations x %d pixels\n", res.ID, res.Observations, res.Pixels)
	fmt.Printf("Runs: %d total, %d failed, %d cached\n",
		res.Diagnostics.Total, len(res.Diagnostics.Failed), res.Diagnostics.CacheHits)
	if res.Empty {
		fmt.Println("No consensus sources: every candidate was labelled noise")
		return
	}
	fmt.Printf("Consensus sources: %d of %d requested\n", res.Realized(), res.Config.NComponents)
	for i := range res.Sources {
		fmt.Printf("  %s\n", bss.SourceCaption(res, i))
	}
	if res.Reconstruct != nil {
		fmt.Printf("Mean residual: %.4g\n", res.Reconstruct.MeanL2)
	}
}

// startRun launches a background pipeline run unless one is in progress. The
// seed, when set, overrides the configured one for this run only.
func (a *App) startRun(ctx context.Context, seed *int64, reason string) bool {
	if !a.StateTracker.TryStart() {
		log.Printf("Run request ignored (%s): a run is already in progress", reason)
		return false
	}
	cfg := *a.Config
	if seed != nil {
		cfg.Seed = *seed
	}
	log.Printf("Starting run (%s), seed %d", reason, cfg.Seed)
	a.publishStatus("running", reason)

	go func() {
		res, err := a.execute(ctx, &cfg)
		if err != nil {
			log.Printf("Run failed: %v", err)
			a.StateTracker.Finish(nil, err)
			a.publishStatus("error", err.Error())
			return
		}
		a.StateTracker.Finish(res, nil)
		a.publishStatus("done", res.ID)
		if a.Publisher != nil {
			if err := a.Publisher.PublishResult(res); err != nil {
				log.Printf("Error publishing result %s: %v", res.ID, err)
			}
		}
	}()
	return true
}

func (a *App) publishStatus(status, detail string) {
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishStatus(status, detail); err != nil {
		log.Printf("Error publishing status %q: %v", status, err)
	}
}

// RunService serves results over HTTP and/or MQTT, running the pipeline on
// start (when no result is cached) and on request.
func (a *App) RunService() error {
	fmt.Println("Starting icasar service...")

	if _, err := a.loadConfig(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.MqttMode {
		mqttClient, err := bss.InitMQTT(ctx, a.Config.MQTT)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if mqttClient == nil {
			return errors.New("MQTT broker not configured")
		}
		a.MQTTClient = mqttClient
		a.Publisher = bss.NewPublisher(mqttClient.Client(), a.Config.MQTT.PublishPrefix)
		mqttClient.SetRunHandler(func(req bss.RunRequest) {
			reason := req.Reason
			if reason == "" {
				reason = "mqtt"
			}
			a.startRun(ctx, req.Seed, reason)
		})
		defer mqttClient.Disconnect()
	}

	var srv *http.Server
	if a.HttpMode {
		handler := newHTTPServer(a.StateTracker, a.Registry, a.coordinates, func(seed *int64) bool {
			return a.startRun(ctx, seed, "http")
		})
		srv = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	if latest := a.StateTracker.Latest(); latest != nil {
		log.Printf("Serving cached result %s until the next run", latest.ID)
	} else {
		a.startRun(ctx, nil, "startup")
	}

	fmt.Println("\nService Running")
	fmt.Println("===============")
	if a.MqttMode {
		prefix := a.Config.MQTT.PublishPrefix
		fmt.Println("\nMQTT:")
		fmt.Printf("  Run requests: %s\n", a.MQTTClient.RunTopic())
		fmt.Printf("  Results:      %s/{id}/summary, %s/latest\n", prefix, prefix)
		fmt.Printf("  Status:       %s/status\n", prefix)
	}
	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET  /health           - Health check")
		fmt.Println("  GET  /result.json      - Latest result")
		fmt.Println("  GET  /sources/{n}.png  - Consensus source map")
		fmt.Println("  GET  /embedding.svg    - Embedding scatter plot")
		fmt.Println("  GET  /embedding.png    - Embedding scatter plot (raster)")
		fmt.Println("  GET  /sources.geojson  - Consensus sources as GeoJSON")
		fmt.Println("  GET  /metrics          - Prometheus metrics")
		fmt.Println("  POST /run              - Start a pipeline run")
	}
	fmt.Println("\nPress Ctrl+C to stop")

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	return nil
}
