package bss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/xid"
	"gonum.org/v1/gonum/mat"
)

// Pipeline runs the whole consensus decomposition. Solver, Embedder and
// Clusterer may be replaced before calling Run.
type Pipeline struct {
	Config    *Config
	Solver    ICASolver
	Embedder  Embedder
	Clusterer DensityClusterer
	Cache     RunCache
	Metrics   *Metrics
}

// NewPipeline wires the default FastICA, t-SNE and HDBSCAN implementations.
func NewPipeline(cfg *Config) *Pipeline {
	cons := NewConsensus(cfg)
	return &Pipeline{
		Config:    cfg,
		Solver:    FastICA{Tolerance: cfg.ICATolerance, MaxIter: cfg.ICAMaxIter},
		Embedder:  cons.Embedder,
		Clusterer: cons.Clusterer,
	}
}

// Result is everything a pipeline invocation produced.
type Result struct {
	ID        string
	CreatedAt time.Time
	Config    Config

	Observations  int
	Pixels        int
	Mask          Mask
	Means         []float64
	Dates         []DatePair
	Diagnostics   RunDiagnostics
	Pool          CandidatePool
	Dissimilarity *mat.SymDense
	Embedding     *mat.Dense
	Assignment    []int
	Sources       []ConsensusSource
	Reconstruct   *ReconstructionResult
	Labels        []Label
	// Velocities holds one stacked velocity map (mm/yr) per source when the
	// observations are dated.
	Velocities [][]float64

	// Empty is set when every candidate was labelled noise.
	Empty bool
}

// Realized is the number of consensus sources.
func (r *Result) Realized() int {
	return len(r.Sources)
}

// SourceMatrix stacks the consensus vectors as rows (K×L); nil when empty.
func (r *Result) SourceMatrix() *mat.Dense {
	if len(r.Sources) == 0 {
		return nil
	}
	m := mat.NewDense(len(r.Sources), len(r.Sources[0].Vector), nil)
	for i, s := range r.Sources {
		m.SetRow(i, s.Vector)
	}
	return m
}

// Run validates the configuration and dataset, then executes every stage.
// A degenerate reconstruction returns the partial result alongside the error.
func (p *Pipeline) Run(ctx context.Context, ds *Dataset) (*Result, error) {
	cfg := p.Config
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}

	obs := ds.Observations
	if cfg.Cumulative {
		if len(obs.Dates) == 0 {
			return nil, fmt.Errorf("%w: cumulative needs observation dates", ErrInvalidConfig)
		}
		data, dates, err := CumulativeFromDaisyChain(obs.Data, obs.Dates)
		if err != nil {
			return nil, fmt.Errorf("accumulating daisy chain: %w", err)
		}
		if obs, err = NewObservations(data, obs.Mask, dates); err != nil {
			return nil, err
		}
		log.Printf("Accumulated %d increments relative to their first acquisition", len(dates))
	}
	if cfg.AllPairs {
		if len(obs.Dates) == 0 {
			return nil, fmt.Errorf("%w: allPairs needs observation dates", ErrInvalidConfig)
		}
		rng := rand.New(rand.NewSource(cfg.Seed))
		data, dates, err := ExpandAllPairs(obs.Data, obs.Dates, cfg.MaxCombinationCount, rng)
		if err != nil {
			return nil, fmt.Errorf("expanding daisy chain: %w", err)
		}
		if obs, err = NewObservations(data, obs.Mask, dates); err != nil {
			return nil, err
		}
		log.Printf("Expanded %d increments into %d combinations", len(ds.Observations.Dates), len(dates))
	}

	n, l := obs.Data.Dims()
	if cfg.NComponents > n || cfg.NComponents > l {
		return nil, fmt.Errorf("%w: %d components requested from %d observations of %d pixels",
			ErrDegenerateSystem, cfg.NComponents, n, l)
	}

	res := &Result{
		ID:           xid.New().String(),
		CreatedAt:    time.Now(),
		Config:       *cfg,
		Observations: n,
		Pixels:       l,
		Mask:         obs.Mask,
		Dates:        obs.Dates,
	}
	log.Printf("Pipeline %s: %d observations x %d pixels, %d components, %d+%d runs",
		res.ID, n, l, cfg.NComponents, cfg.NBootstrappedRuns, cfg.NPlainRuns)

	centered := obs.Center()
	res.Means = centered.Means

	done := p.Metrics.timeStage("decompose")
	dec := NewDecomposer(cfg, p.Solver, p.Cache)
	dec.Metrics = p.Metrics
	runs, diag, err := dec.Run(ctx, centered.Data)
	done()
	res.Diagnostics = diag
	if err != nil {
		p.Metrics.PipelineResult("error")
		return nil, fmt.Errorf("decomposition: %w", err)
	}
	res.Pool = BuildCandidatePool(runs)

	done = p.Metrics.timeStage("similarity")
	res.Dissimilarity, err = Dissimilarity(ctx, res.Pool, cfg.Workers)
	done()
	if err != nil {
		p.Metrics.PipelineResult("error")
		return nil, fmt.Errorf("similarity: %w", err)
	}

	done = p.Metrics.timeStage("consensus")
	cons := &Consensus{Embedder: p.Embedder, Clusterer: p.Clusterer, MinClusterSize: cfg.ClusterMinSize, Seed: cfg.Seed}
	cr, err := cons.Run(ctx, res.Pool, res.Dissimilarity)
	done()
	if err != nil {
		p.Metrics.PipelineResult("error")
		return nil, fmt.Errorf("consensus: %w", err)
	}
	res.Embedding = cr.Embedding
	res.Assignment = cr.Labels
	res.Sources = cr.Sources
	p.Metrics.SetPoolStats(len(res.Pool), cr.Realized())

	if cr.Realized() == 0 {
		res.Empty = true
		log.Printf("Pipeline %s: %v, no consensus sources", res.ID, ErrEmptyClusterSet)
		p.Metrics.PipelineResult("empty")
		return res, nil
	}
	if cr.Realized() < cfg.NComponents {
		log.Printf("Pipeline %s: only %d of %d requested clusters realized", res.ID, cr.Realized(), cfg.NComponents)
	}

	done = p.Metrics.timeStage("reconstruct")
	res.Reconstruct, err = Reconstruct(res.SourceMatrix(), centered.Data)
	done()
	if err != nil {
		p.Metrics.PipelineResult("error")
		return res, fmt.Errorf("reconstruction: %w", err)
	}

	if ds.DEM != nil || len(obs.Dates) > 0 {
		var baselines []float64
		if len(obs.Dates) > 0 {
			baselines = TemporalBaselines(obs.Dates)
		}
		lb := &Labeler{Rules: cfg.LabelRules, MaxPixels: cfg.DEMMaxPixels, Seed: cfg.Seed}
		if res.Labels, err = lb.Label(res.Sources, res.Reconstruct.TimeCourses, ds.DEM, baselines); err != nil {
			p.Metrics.PipelineResult("error")
			return res, fmt.Errorf("labeling: %w", err)
		}
	}

	if len(obs.Dates) > 0 {
		if res.Velocities, err = stackedVelocities(res, cfg.Wavelength); err != nil {
			log.Printf("Pipeline %s: skipping velocity maps: %v", res.ID, err)
		}
	}

	p.Metrics.PipelineResult("ok")
	log.Printf("Pipeline %s: %d consensus sources, mean residual %.4g", res.ID, cr.Realized(), res.Reconstruct.MeanL2)
	return res, nil
}

// stackedVelocities converts every source with its time course and the
// removed row means into a velocity map, using baselines in years.
func stackedVelocities(res *Result, wavelength float64) ([][]float64, error) {
	years := TemporalBaselines(res.Dates)
	for i := range years {
		years[i] /= daysPerYear
	}
	out := make([][]float64, len(res.Sources))
	for i, s := range res.Sources {
		tc := mat.Col(nil, i, res.Reconstruct.TimeCourses)
		v, err := StackingVelocity(s.Vector, tc, res.Means, years, wavelength)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

type resultJSON struct {
	ID           string                `json:"id"`
	CreatedAt    time.Time             `json:"createdAt"`
	Config       Config                `json:"config"`
	Observations int                   `json:"observations"`
	Pixels       int                   `json:"pixels"`
	Mask         Mask                  `json:"mask,omitempty"`
	Means        []float64             `json:"means"`
	Dates        []DatePair            `json:"dates,omitempty"`
	Diagnostics  RunDiagnostics        `json:"diagnostics"`
	Realized     int                   `json:"realized"`
	Embedding    [][]float64           `json:"embedding,omitempty"`
	Assignment   []int                 `json:"assignment,omitempty"`
	Candidates   []candidateRef        `json:"candidates,omitempty"`
	Sources      []ConsensusSource     `json:"sources"`
	Reconstruct  *ReconstructionResult `json:"reconstruction,omitempty"`
	Labels       []Label               `json:"labels,omitempty"`
	Velocities   [][]float64           `json:"velocities,omitempty"`
	Empty        bool                  `json:"empty"`
}

// candidateRef identifies a pooled vector without repeating it.
type candidateRef struct {
	Run          int  `json:"run"`
	Component    int  `json:"component"`
	Bootstrapped bool `json:"bootstrapped"`
}

// MarshalJSON writes the result without the candidate vectors and the
// dissimilarity matrix, which are recomputable and usually large.
func (r *Result) MarshalJSON() ([]byte, error) {
	refs := make([]candidateRef, len(r.Pool))
	for i, c := range r.Pool {
		refs[i] = candidateRef{Run: c.Run, Component: c.Component, Bootstrapped: c.Bootstrapped}
	}
	return json.Marshal(resultJSON{
		ID:           r.ID,
		CreatedAt:    r.CreatedAt,
		Config:       r.Config,
		Observations: r.Observations,
		Pixels:       r.Pixels,
		Mask:         r.Mask,
		Means:        r.Means,
		Dates:        r.Dates,
		Diagnostics:  r.Diagnostics,
		Realized:     r.Realized(),
		Embedding:    denseToRows(r.Embedding),
		Assignment:   r.Assignment,
		Candidates:   refs,
		Sources:      r.Sources,
		Reconstruct:  r.Reconstruct,
		Labels:       r.Labels,
		Velocities:   r.Velocities,
		Empty:        r.Empty,
	})
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var w resultJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	emb, err := rowsToDense(w.Embedding)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	pool := make(CandidatePool, len(w.Candidates))
	for i, c := range w.Candidates {
		pool[i] = Candidate{Run: c.Run, Component: c.Component, Bootstrapped: c.Bootstrapped}
	}
	*r = Result{
		ID:           w.ID,
		CreatedAt:    w.CreatedAt,
		Config:       w.Config,
		Observations: w.Observations,
		Pixels:       w.Pixels,
		Mask:         w.Mask,
		Means:        w.Means,
		Dates:        w.Dates,
		Diagnostics:  w.Diagnostics,
		Pool:         pool,
		Embedding:    emb,
		Assignment:   w.Assignment,
		Sources:      w.Sources,
		Reconstruct:  w.Reconstruct,
		Labels:       w.Labels,
		Velocities:   w.Velocities,
		Empty:        w.Empty,
	}
	return nil
}

// SaveResult writes the result as indented JSON.
func SaveResult(path string, r *Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating result directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing result file: %w", err)
	}
	return nil
}

// LoadResult reads a result written by SaveResult. A missing file returns
// (nil, nil).
func LoadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading result file: %w", err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing result file: %w", err)
	}
	return &r, nil
}
