package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kwv/icasar/bss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// coordinateSource returns per-pixel lon/lat, or nils for grid positions.
type coordinateSource func() (lons, lats []float64)

// runTrigger starts a background run; false means one is already running.
type runTrigger func(seed *int64) bool

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(stateTracker *bss.StateTracker, reg *prometheus.Registry, coords coordinateSource, trigger runTrigger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		running, lastErr, finished := stateTracker.Status()
		status := struct {
			Status     string     `json:"status"`
			Version    string     `json:"version"`
			Timestamp  time.Time  `json:"timestamp"`
			Running    bool       `json:"running"`
			HasResult  bool       `json:"hasResult"`
			LastError  string     `json:"lastError,omitempty"`
			FinishedAt *time.Time `json:"finishedAt,omitempty"`
		}{
			Status:    "ok",
			Version:   Version,
			Timestamp: time.Now(),
			Running:   running,
			HasResult: stateTracker.Latest() != nil,
		}
		if lastErr != nil {
			status.LastError = lastErr.Error()
		}
		if !finished.IsZero() {
			status.FinishedAt = &finished
		}
		writeJSON(w, status)
	})

	r.Get("/result.json", func(w http.ResponseWriter, r *http.Request) {
		res, ok := latestResult(w, stateTracker)
		if !ok {
			return
		}
		writeJSON(w, res)
	})

	r.Get("/sources/{file}", func(w http.ResponseWriter, r *http.Request) {
		res, ok := latestResult(w, stateTracker)
		if !ok {
			return
		}
		name := chi.URLParam(r, "file")
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".png"))
		if err != nil || !strings.HasSuffix(name, ".png") {
			http.Error(w, "Expected /sources/{n}.png", http.StatusBadRequest)
			return
		}
		if n < 0 || n >= res.Realized() {
			http.Error(w, "No such source", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		renderer := bss.NewSourceMapRenderer(res.Mask)
		if err := renderer.RenderSourcePNG(w, res, n); err != nil {
			log.Printf("Error encoding source %d PNG: %v", n, err)
		}
	})

	r.Get("/embedding.svg", func(w http.ResponseWriter, r *http.Request) {
		er, ok := embeddingRenderer(w, stateTracker)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := er.RenderToSVG(w); err != nil {
			log.Printf("Error rendering embedding SVG: %v", err)
		}
	})

	r.Get("/embedding.png", func(w http.ResponseWriter, r *http.Request) {
		er, ok := embeddingRenderer(w, stateTracker)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := er.RenderToPNG(w); err != nil {
			log.Printf("Error rendering embedding PNG: %v", err)
		}
	})

	r.Get("/sources.geojson", func(w http.ResponseWriter, r *http.Request) {
		res, ok := latestResult(w, stateTracker)
		if !ok {
			return
		}
		var lons, lats []float64
		if coords != nil {
			lons, lats = coords()
		}
		fc, err := bss.SourcesToFeatureCollection(res, lons, lats)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		if err := json.NewEncoder(w).Encode(fc); err != nil {
			log.Printf("Error encoding GeoJSON: %v", err)
		}
	})

	r.Post("/run", func(w http.ResponseWriter, r *http.Request) {
		var seed *int64
		if s := r.URL.Query().Get("seed"); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				http.Error(w, "Invalid seed", http.StatusBadRequest)
				return
			}
			seed = &v
		}
		if !trigger(seed) {
			http.Error(w, "A run is already in progress", http.StatusConflict)
			return
		}
		log.Printf("[HTTP] run started by %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{"status": "started"})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return r
}

func latestResult(w http.ResponseWriter, stateTracker *bss.StateTracker) (*bss.Result, bool) {
	res := stateTracker.Latest()
	if res == nil {
		http.Error(w, "No result available", http.StatusServiceUnavailable)
		return nil, false
	}
	return res, true
}

func embeddingRenderer(w http.ResponseWriter, stateTracker *bss.StateTracker) (*bss.EmbeddingRenderer, bool) {
	res, ok := latestResult(w, stateTracker)
	if !ok {
		return nil, false
	}
	if res.Embedding == nil {
		http.Error(w, "Result has no embedding", http.StatusNotFound)
		return nil, false
	}
	er, err := bss.NewEmbeddingRenderer(res)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return er, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
