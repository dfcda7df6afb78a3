package bss

import (
	"context"
	"fmt"
	"log"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Consensus clusters a candidate pool and picks one centrotype per cluster.
type Consensus struct {
	Embedder       Embedder
	Clusterer      DensityClusterer
	MinClusterSize int
	Seed           int64
}

// NewConsensus wires the default t-SNE embedder and HDBSCAN clusterer from
// the configuration.
func NewConsensus(cfg *Config) *Consensus {
	tsne := DefaultTSNE()
	tsne.Perplexity = cfg.EmbeddingPerplexity
	tsne.Exaggeration = cfg.EmbeddingExaggeration
	return &Consensus{
		Embedder:       tsne,
		Clusterer:      HDBSCAN{MinClusterSize: cfg.ClusterMinSize, MinSamples: cfg.ClusterMinSamples},
		MinClusterSize: cfg.ClusterMinSize,
		Seed:           cfg.Seed,
	}
}

// ConsensusResult is the output of the clustering stage.
type ConsensusResult struct {
	Embedding *mat.Dense        // M×2
	Labels    []int             // per candidate, NoiseLabel for noise
	Sources   []ConsensusSource // ranked by descending Iq
}

// Realized is the number of clusters found.
func (r *ConsensusResult) Realized() int {
	return len(r.Sources)
}

// Run embeds d, clusters the embedding, and selects the centrotype of each
// cluster. An all-noise assignment yields zero sources and no error.
func (c *Consensus) Run(ctx context.Context, pool CandidatePool, d *mat.SymDense) (*ConsensusResult, error) {
	m := d.SymmetricDim()
	if m != len(pool) {
		return nil, fmt.Errorf("%w: dissimilarity is %dx%d for %d candidates", ErrDimensionMismatch, m, m, len(pool))
	}

	emb, err := c.Embedder.Embed(ctx, d, c.Seed)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	labels, err := c.Clusterer.Cluster(ctx, emb)
	if err != nil {
		return nil, fmt.Errorf("clustering: %w", err)
	}
	if len(labels) != m {
		return nil, fmt.Errorf("%w: clusterer returned %d labels for %d points", ErrDimensionMismatch, len(labels), m)
	}
	labels = enforceMinSize(labels, c.MinClusterSize)

	members := groupLabels(labels)
	sim := Similarity(d)

	sources := make([]ConsensusSource, 0, len(members))
	for cluster, idx := range members {
		best, _ := Centrotype(sim, idx)
		src := ConsensusSource{
			Cluster:   cluster,
			Iq:        ClusterQuality(sim, labels, cluster),
			Candidate: best,
			Run:       pool[best].Run,
			Component: pool[best].Component,
			Size:      len(idx),
			Vector:    append([]float64(nil), pool[best].Vector...),
		}
		for _, i := range idx {
			if pool[i].Bootstrapped {
				src.NBootstrapped++
			} else {
				src.NPlain++
			}
		}
		sources = append(sources, src)
	}
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].Iq > sources[j].Iq })

	for _, s := range sources {
		log.Printf("Cluster %d: Iq=%.3f size=%d (bootstrapped %d, plain %d), centrotype run %d component %d",
			s.Cluster, s.Iq, s.Size, s.NBootstrapped, s.NPlain, s.Run, s.Component)
	}
	return &ConsensusResult{Embedding: emb, Labels: labels, Sources: sources}, nil
}

// enforceMinSize demotes clusters smaller than minSize to noise and
// relabels the survivors densely in order of first appearance.
func enforceMinSize(labels []int, minSize int) []int {
	counts := make(map[int]int)
	for _, l := range labels {
		if l != NoiseLabel {
			counts[l]++
		}
	}
	out := make([]int, len(labels))
	remap := make(map[int]int)
	for i, l := range labels {
		if l == NoiseLabel || counts[l] < minSize {
			out[i] = NoiseLabel
			continue
		}
		nl, ok := remap[l]
		if !ok {
			nl = len(remap)
			remap[l] = nl
		}
		out[i] = nl
	}
	return out
}

// groupLabels returns the member indices of every cluster, indexed by label.
func groupLabels(labels []int) [][]int {
	var groups [][]int
	for i, l := range labels {
		if l == NoiseLabel {
			continue
		}
		for len(groups) <= l {
			groups = append(groups, nil)
		}
		groups[l] = append(groups[l], i)
	}
	return groups
}

// ClusterQuality returns Iq: the mean similarity between distinct members
// minus the mean over members of their best similarity to any non-member.
// The second term is 0 when every point is a member.
func ClusterQuality(sim mat.Symmetric, labels []int, cluster int) float64 {
	var in, out []int
	for i, l := range labels {
		if l == cluster {
			in = append(in, i)
		} else {
			out = append(out, i)
		}
	}
	if len(in) == 0 {
		return 0
	}

	intra, pairs := 0.0, 0
	for a := 0; a < len(in); a++ {
		for b := a + 1; b < len(in); b++ {
			intra += sim.At(in[a], in[b])
			pairs++
		}
	}
	if pairs > 0 {
		intra /= float64(pairs)
	} else {
		intra = 1
	}

	extra := 0.0
	if len(out) > 0 {
		for _, i := range in {
			best := 0.0
			for _, j := range out {
				if s := sim.At(i, j); s > best {
					best = s
				}
			}
			extra += best
		}
		extra /= float64(len(in))
	}
	return intra - extra
}

// Centrotype returns the member with the highest mean similarity to the other
// members, and that mean. A single member has mean similarity 1.
func Centrotype(sim mat.Symmetric, members []int) (int, float64) {
	if len(members) == 0 {
		return -1, 0
	}
	if len(members) == 1 {
		return members[0], 1
	}
	best, bestMean := members[0], -1.0
	for _, i := range members {
		sum := 0.0
		for _, j := range members {
			if i != j {
				sum += sim.At(i, j)
			}
		}
		if mean := sum / float64(len(members)-1); mean > bestMean {
			best, bestMean = i, mean
		}
	}
	return best, bestMean
}
