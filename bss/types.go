package bss

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// NoiseLabel is the cluster label of candidates that belong to no cluster.
const NoiseLabel = -1

// Mask is a 2-D pixel grid; true marks a masked (invalid) pixel.
type Mask [][]bool

// Shape returns the grid dimensions (rows, cols).
func (m Mask) Shape() (int, int) {
	if len(m) == 0 {
		return 0, 0
	}
	return len(m), len(m[0])
}

// ValidCount returns the number of unmasked pixels.
func (m Mask) ValidCount() int {
	n := 0
	for _, row := range m {
		for _, masked := range row {
			if !masked {
				n++
			}
		}
	}
	return n
}

// Observations is the raw data matrix: one row per observation, one column
// per valid pixel of Mask.
type Observations struct {
	Data  *mat.Dense
	Mask  Mask
	Means []float64  // per-row means removed by Center
	Dates []DatePair // optional, one per row
}

// NewObservations validates the shape invariants and returns the wrapper.
func NewObservations(data *mat.Dense, mask Mask, dates []DatePair) (*Observations, error) {
	o := &Observations{Data: data, Mask: mask, Dates: dates}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate checks the matrix against the mask and the date pairs. Values
// assembled without NewObservations go through the same checks.
func (o *Observations) Validate() error {
	if o == nil || o.Data == nil {
		return fmt.Errorf("%w: nil observation matrix", ErrDimensionMismatch)
	}
	rows, cols := o.Data.Dims()
	if o.Mask != nil {
		_, w := o.Mask.Shape()
		for i, row := range o.Mask {
			if len(row) != w {
				return fmt.Errorf("%w: mask row %d has %d columns, want %d", ErrDimensionMismatch, i, len(row), w)
			}
		}
		if valid := o.Mask.ValidCount(); valid != cols {
			return fmt.Errorf("%w: %d columns but mask has %d valid pixels", ErrDimensionMismatch, cols, valid)
		}
	}
	if len(o.Dates) > 0 && len(o.Dates) != rows {
		return fmt.Errorf("%w: %d rows but %d date pairs", ErrDimensionMismatch, rows, len(o.Dates))
	}
	return nil
}

// RunKey identifies a decomposition run in a RunCache. The base seed is part
// of the key, so runs from differently seeded invocations never collide.
type RunKey struct {
	Run          int
	Bootstrapped bool
	Seed         int64
}

func (k RunKey) String() string {
	kind := "plain"
	if k.Bootstrapped {
		kind = "bootstrapped"
	}
	return fmt.Sprintf("run-%04d-%s-seed%d", k.Run, kind, k.Seed)
}

// RunResult is the output of one ICA execution.
type RunResult struct {
	Run          int
	Bootstrapped bool
	Seed         int64      // base seed of the invocation that produced the run
	Sources      *mat.Dense // k×L, sign-canonical rows
	Mixing       *mat.Dense // n×k, columns flipped with their sources
	Iterations   int
	Converged    bool
}

// Key returns the cache key of the run.
func (r *RunResult) Key() RunKey {
	return RunKey{Run: r.Run, Bootstrapped: r.Bootstrapped, Seed: r.Seed}
}

type runResultJSON struct {
	Run          int         `json:"run"`
	Bootstrapped bool        `json:"bootstrapped"`
	Seed         int64       `json:"seed"`
	Iterations   int         `json:"iterations"`
	Converged    bool        `json:"converged"`
	Sources      [][]float64 `json:"sources"`
	Mixing       [][]float64 `json:"mixing"`
}

func (r *RunResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(runResultJSON{
		Run:          r.Run,
		Bootstrapped: r.Bootstrapped,
		Seed:         r.Seed,
		Iterations:   r.Iterations,
		Converged:    r.Converged,
		Sources:      denseToRows(r.Sources),
		Mixing:       denseToRows(r.Mixing),
	})
}

func (r *RunResult) UnmarshalJSON(data []byte) error {
	var w runResultJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	sources, err := rowsToDense(w.Sources)
	if err != nil {
		return fmt.Errorf("sources: %w", err)
	}
	mixing, err := rowsToDense(w.Mixing)
	if err != nil {
		return fmt.Errorf("mixing: %w", err)
	}
	*r = RunResult{
		Run:          w.Run,
		Bootstrapped: w.Bootstrapped,
		Seed:         w.Seed,
		Iterations:   w.Iterations,
		Converged:    w.Converged,
		Sources:      sources,
		Mixing:       mixing,
	}
	return nil
}

// Candidate is one component vector of one run.
type Candidate struct {
	Run          int
	Component    int
	Bootstrapped bool
	Vector       []float64
}

// CandidatePool is every component of every converged run, ordered by run
// index then component index.
type CandidatePool []Candidate

// ConsensusSource is the centrotype of one cluster.
type ConsensusSource struct {
	Cluster       int       `json:"cluster"`
	Iq            float64   `json:"iq"`
	Candidate     int       `json:"candidate"`
	Run           int       `json:"run"`
	Component     int       `json:"component"`
	Size          int       `json:"size"`
	NBootstrapped int       `json:"nBootstrapped"`
	NPlain        int       `json:"nPlain"`
	Vector        []float64 `json:"vector"`
}

// ReconstructionResult holds the least-squares fit of the consensus sources
// to the mean-centred observations.
type ReconstructionResult struct {
	TimeCourses *mat.Dense // n×k
	Model       *mat.Dense // n×L
	Residual    *mat.Dense // n×L
	RowL2       []float64  // ‖residual row‖₂ / L
	MeanL2      float64
}

type reconstructionJSON struct {
	TimeCourses [][]float64 `json:"timeCourses"`
	RowL2       []float64   `json:"rowL2"`
	MeanL2      float64     `json:"meanL2"`
}

// MarshalJSON keeps only the time courses and error metrics; model and
// residual can be recomputed from them.
func (r *ReconstructionResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(reconstructionJSON{
		TimeCourses: denseToRows(r.TimeCourses),
		RowL2:       r.RowL2,
		MeanL2:      r.MeanL2,
	})
}

func (r *ReconstructionResult) UnmarshalJSON(data []byte) error {
	var w reconstructionJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	tcs, err := rowsToDense(w.TimeCourses)
	if err != nil {
		return fmt.Errorf("timeCourses: %w", err)
	}
	*r = ReconstructionResult{TimeCourses: tcs, RowL2: w.RowL2, MeanL2: w.MeanL2}
	return nil
}

// LabelRule assigns Label to a source when the absolute correlation of the
// named signal reaches MinAbsCorrelation.
type LabelRule struct {
	Label             string  `yaml:"label" json:"label" validate:"required"`
	Signal            string  `yaml:"signal" json:"signal" validate:"oneof=dem baseline"`
	MinAbsCorrelation float64 `yaml:"minAbsCorrelation" json:"minAbsCorrelation" validate:"gt=0,lte=1"`
}

// Label is the labeler's verdict for one consensus source.
// A nil correlation means the reference signal was not supplied.
type Label struct {
	Source              int      `json:"source"`
	Label               string   `json:"label,omitempty"`
	DEMCorrelation      *float64 `json:"demCorrelation,omitempty"`
	BaselineCorrelation *float64 `json:"baselineCorrelation,omitempty"`
}

// RunFailure records a run excluded from the candidate pool.
type RunFailure struct {
	Run          int    `json:"run"`
	Bootstrapped bool   `json:"bootstrapped"`
	Error        string `json:"error"`
}

// RunDiagnostics summarises the repeated decomposition.
type RunDiagnostics struct {
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	CacheHits int          `json:"cacheHits"`
	Failed    []RunFailure `json:"failed"`
}

// MQTTConfig holds MQTT connection settings for result publishing.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker" envconfig:"BROKER"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix" envconfig:"PUBLISH_PREFIX"`
	ClientID      string `yaml:"clientId" json:"clientId" envconfig:"CLIENT_ID"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty" envconfig:"USERNAME"`
	Password      string `yaml:"password,omitempty" json:"-" envconfig:"PASSWORD"`
}

// Config is the full pipeline configuration.
type Config struct {
	NComponents           int     `yaml:"nComponents" json:"nComponents" envconfig:"NCOMPONENTS" validate:"gte=1"`
	NBootstrappedRuns     int     `yaml:"nBootstrappedRuns" json:"nBootstrappedRuns" envconfig:"NBOOTSTRAPPEDRUNS" validate:"gte=0"`
	NPlainRuns            int     `yaml:"nPlainRuns" json:"nPlainRuns" envconfig:"NPLAINRUNS" validate:"gte=0"`
	ClusterMinSize        int     `yaml:"clusterMinSize" json:"clusterMinSize" envconfig:"CLUSTERMINSIZE" validate:"gte=2"`
	ClusterMinSamples     int     `yaml:"clusterMinSamples" json:"clusterMinSamples" envconfig:"CLUSTERMINSAMPLES" validate:"gte=1"`
	EmbeddingPerplexity   float64 `yaml:"embeddingPerplexity" json:"embeddingPerplexity" envconfig:"EMBEDDINGPERPLEXITY" validate:"gt=0"`
	EmbeddingExaggeration float64 `yaml:"embeddingExaggeration" json:"embeddingExaggeration" envconfig:"EMBEDDINGEXAGGERATION" validate:"gte=1"`
	ICATolerance          float64 `yaml:"icaTolerance" json:"icaTolerance" envconfig:"ICATOLERANCE" validate:"gt=0"`
	ICAMaxIter            int     `yaml:"icaMaxIter" json:"icaMaxIter" envconfig:"ICAMAXITER" validate:"gte=1"`
	MaxCombinationCount   int     `yaml:"maxCombinationCount" json:"maxCombinationCount" envconfig:"MAXCOMBINATIONCOUNT" validate:"gte=1"`
	CachePreviousRuns     bool    `yaml:"cachePreviousRuns" json:"cachePreviousRuns" envconfig:"CACHEPREVIOUSRUNS"`

	AllPairs      bool        `yaml:"allPairs" json:"allPairs" envconfig:"ALLPAIRS"`
	Cumulative    bool        `yaml:"cumulative" json:"cumulative" envconfig:"CUMULATIVE"`
	Wavelength    float64     `yaml:"wavelength" json:"wavelength" envconfig:"WAVELENGTH" validate:"gt=0"`
	MaxFailedRuns int         `yaml:"maxFailedRuns" json:"maxFailedRuns" envconfig:"MAXFAILEDRUNS" validate:"gte=0"`
	Workers       int         `yaml:"workers" json:"workers" envconfig:"WORKERS" validate:"gte=0"`
	Seed          int64       `yaml:"seed" json:"seed" envconfig:"SEED"`
	CacheDir      string      `yaml:"cacheDir" json:"cacheDir" envconfig:"CACHE_DIR"`
	DEMMaxPixels  int         `yaml:"demMaxPixels" json:"demMaxPixels" envconfig:"DEM_MAX_PIXELS" validate:"gte=0"`
	LabelRules    []LabelRule `yaml:"labelRules" json:"labelRules" ignored:"true" validate:"dive"`
	MQTT          MQTTConfig  `yaml:"mqtt" json:"mqtt" envconfig:"MQTT"`
}

// TotalRuns is the number of ICA runs the config requests.
func (c *Config) TotalRuns() int {
	return c.NBootstrappedRuns + c.NPlainRuns
}

// denseToRows copies a matrix into a row slice; nil stays nil.
func denseToRows(m mat.Matrix) [][]float64 {
	if m == nil {
		return nil
	}
	if d, ok := m.(*mat.Dense); ok && d == nil {
		return nil
	}
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = make([]float64, c)
		for j := range rows[i] {
			rows[i][j] = m.At(i, j)
		}
	}
	return rows
}

// rowsToDense builds a matrix from equal-length rows; empty input gives nil.
func rowsToDense(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, nil
	}
	c := len(rows[0])
	data := make([]float64, 0, len(rows)*c)
	for i, row := range rows {
		if len(row) != c {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrDimensionMismatch, i, len(row), c)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), c, data), nil
}

// nullableFloats maps NaN to null for JSON, which has no NaN literal.
func nullableFloats(v []float64) []*float64 {
	if v == nil {
		return nil
	}
	out := make([]*float64, len(v))
	for i := range v {
		if !math.IsNaN(v[i]) {
			x := v[i]
			out[i] = &x
		}
	}
	return out
}

func floatsFromNullable(v []*float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	for i, p := range v {
		if p == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *p
		}
	}
	return out
}
