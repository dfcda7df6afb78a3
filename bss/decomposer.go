package bss

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Decomposer executes repeated ICA runs, bootstrapped runs first.
type Decomposer struct {
	Solver        ICASolver
	Cache         RunCache // nil disables caching
	Components    int
	Bootstrapped  int
	Plain         int
	MaxFailedRuns int
	Workers       int // <= 0 means runtime.NumCPU()
	Seed          int64
	Metrics       *Metrics
}

// NewDecomposer builds a Decomposer from the pipeline configuration. The cache
// is only attached when cfg.CachePreviousRuns is set.
func NewDecomposer(cfg *Config, solver ICASolver, cache RunCache) *Decomposer {
	d := &Decomposer{
		Solver:        solver,
		Components:    cfg.NComponents,
		Bootstrapped:  cfg.NBootstrappedRuns,
		Plain:         cfg.NPlainRuns,
		MaxFailedRuns: cfg.MaxFailedRuns,
		Workers:       cfg.Workers,
		Seed:          cfg.Seed,
	}
	if cfg.CachePreviousRuns {
		d.Cache = cache
	}
	return d
}

// Run executes every configured run on the mean-centred matrix x and returns
// the converged runs ordered by run index. Runs that fail are excluded and
// recorded in the diagnostics; only exceeding MaxFailedRuns or a cancelled
// context is fatal.
func (d *Decomposer) Run(ctx context.Context, x *mat.Dense) ([]*RunResult, RunDiagnostics, error) {
	total := d.Bootstrapped + d.Plain
	diag := RunDiagnostics{Total: total}

	workers := d.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var (
		mu      sync.Mutex
		results = make([]*RunResult, total)
		failed  []RunFailure
		causes  = make(map[int]error)
		hits    int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for run := 0; run < total; run++ {
		key := RunKey{Run: run, Bootstrapped: run < d.Bootstrapped, Seed: d.Seed}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			if r, ok := d.cached(key, x); ok {
				log.Printf("Run %d: using cached result", key.Run)
				d.Metrics.RunOutcome(outcomeCached)
				mu.Lock()
				results[key.Run] = r
				hits++
				mu.Unlock()
				return nil
			}

			r, err := d.runOne(gctx, key, x)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Printf("Run %d (bootstrapped=%v) excluded: %v", key.Run, key.Bootstrapped, err)
				d.Metrics.RunOutcome(outcomeFailed)
				mu.Lock()
				failed = append(failed, RunFailure{Run: key.Run, Bootstrapped: key.Bootstrapped, Error: err.Error()})
				causes[key.Run] = err
				mu.Unlock()
				return nil
			}
			d.Metrics.RunOutcome(outcomeConverged)

			if d.Cache != nil {
				if err := d.Cache.Put(key, r); err != nil {
					log.Printf("Run %d: caching failed: %v", key.Run, err)
				}
			}
			mu.Lock()
			results[key.Run] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, diag, err
	}

	sort.Slice(failed, func(i, j int) bool { return failed[i].Run < failed[j].Run })
	diag.Failed = failed
	diag.CacheHits = hits

	runs := make([]*RunResult, 0, total)
	for _, r := range results {
		if r != nil {
			runs = append(runs, r)
		}
	}
	diag.Succeeded = len(runs)

	if len(failed) > d.MaxFailedRuns || (total > 0 && len(runs) == 0) {
		ide := &InsufficientDataError{Failed: len(failed), Allowed: d.MaxFailedRuns, Total: total}
		if len(failed) > 0 {
			ide.Cause = causes[failed[0].Run]
		}
		return nil, diag, ide
	}
	log.Printf("Decomposition: %d/%d runs converged (%d cached, %d failed)", len(runs), total, hits, len(failed))
	return runs, diag, nil
}

// cached returns a cache hit only if its shape fits the current data.
func (d *Decomposer) cached(key RunKey, x *mat.Dense) (*RunResult, bool) {
	if d.Cache == nil {
		return nil, false
	}
	r, ok, err := d.Cache.Get(key)
	if err != nil {
		log.Printf("Run %d: ignoring unreadable cache entry: %v", key.Run, err)
		return nil, false
	}
	if !ok || r == nil || r.Sources == nil {
		return nil, false
	}
	_, l := x.Dims()
	if k, c := r.Sources.Dims(); k != d.Components || c != l {
		log.Printf("Run %d: cached result has shape %dx%d, want %dx%d; recomputing", key.Run, k, c, d.Components, l)
		return nil, false
	}
	return r, true
}

func (d *Decomposer) runOne(ctx context.Context, key RunKey, x *mat.Dense) (*RunResult, error) {
	rng := rand.New(rand.NewSource(d.Seed + int64(key.Run)))
	input := x
	if key.Bootstrapped {
		input, _ = BootstrapRows(x, rng)
	}

	dec, err := d.Solver.Solve(ctx, input, d.Components, rng.Int63())
	if err != nil {
		return nil, &RunError{Run: key.Run, Bootstrapped: key.Bootstrapped, Err: err}
	}
	if dec == nil || dec.Sources == nil {
		return nil, &RunError{Run: key.Run, Bootstrapped: key.Bootstrapped, Err: errors.New("solver returned no sources")}
	}
	_, l := x.Dims()
	if k, c := dec.Sources.Dims(); k != d.Components || c != l {
		return nil, &RunError{Run: key.Run, Bootstrapped: key.Bootstrapped, Err: ErrDimensionMismatch}
	}

	CanonicalizeSign(dec.Sources, dec.Mixing)
	return &RunResult{
		Run:          key.Run,
		Bootstrapped: key.Bootstrapped,
		Seed:         key.Seed,
		Sources:      dec.Sources,
		Mixing:       dec.Mixing,
		Iterations:   dec.Iterations,
		Converged:    true,
	}, nil
}

// CanonicalizeSign flips every source row whose largest-magnitude element is
// negative (first such element on ties), together with the matching mixing
// column, so Mixing·Sources is unchanged. Applying it twice is a no-op.
// mixing may be nil.
func CanonicalizeSign(sources, mixing *mat.Dense) {
	k, _ := sources.Dims()
	for i := 0; i < k; i++ {
		row := sources.RawRowView(i)
		best, bestAbs := 0, -1.0
		for j, v := range row {
			if a := math.Abs(v); a > bestAbs {
				best, bestAbs = j, a
			}
		}
		if len(row) == 0 || row[best] >= 0 {
			continue
		}
		for j := range row {
			row[j] = -row[j]
		}
		if mixing != nil {
			n, _ := mixing.Dims()
			for r := 0; r < n; r++ {
				mixing.Set(r, i, -mixing.At(r, i))
			}
		}
	}
}

// BuildCandidatePool flattens runs into candidates ordered by run index then
// component index.
func BuildCandidatePool(runs []*RunResult) CandidatePool {
	sorted := make([]*RunResult, len(runs))
	copy(sorted, runs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Run < sorted[j].Run })

	var pool CandidatePool
	for _, r := range sorted {
		k, _ := r.Sources.Dims()
		for c := 0; c < k; c++ {
			v := make([]float64, len(r.Sources.RawRowView(c)))
			copy(v, r.Sources.RawRowView(c))
			pool = append(pool, Candidate{Run: r.Run, Component: c, Bootstrapped: r.Bootstrapped, Vector: v})
		}
	}
	return pool
}
