package bss

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"gonum.org/v1/gonum/mat"
)

// clusterPalette colours clusters in label order, cycling when exhausted.
var clusterPalette = []string{
	"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
	"#8c564b", "#e377c2", "#7f7f7f", "#bcbd22", "#17becf",
}

const noiseHex = "#c9c9c9"

// ClusterColor returns the plot colour of a cluster label.
func ClusterColor(label int) color.RGBA {
	if label < 0 {
		return hexColor(noiseHex)
	}
	return hexColor(clusterPalette[label%len(clusterPalette)])
}

func hexColor(s string) color.RGBA {
	var r, g, b uint8
	fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b)
	return color.RGBA{r, g, b, 255}
}

// EmbeddingRenderer draws the 2-D embedding as a scatter plot, one colour
// per cluster, with the centrotypes outlined.
type EmbeddingRenderer struct {
	Embedding   *mat.Dense
	Labels      []int
	Centrotypes []int
	Size        float64 // canvas side length in millimetres
	PointRadius float64
	Padding     float64
	Resolution  canvas.Resolution
}

// NewEmbeddingRenderer builds a renderer from a pipeline result.
func NewEmbeddingRenderer(r *Result) (*EmbeddingRenderer, error) {
	if r.Embedding == nil {
		return nil, fmt.Errorf("%w: result has no embedding", ErrDimensionMismatch)
	}
	if n, _ := r.Embedding.Dims(); n != len(r.Assignment) {
		return nil, fmt.Errorf("%w: %d embedded points, %d labels", ErrDimensionMismatch, n, len(r.Assignment))
	}
	ct := make([]int, len(r.Sources))
	for i, s := range r.Sources {
		ct[i] = s.Candidate
	}
	return &EmbeddingRenderer{
		Embedding:   r.Embedding,
		Labels:      r.Assignment,
		Centrotypes: ct,
		Size:        150,
		PointRadius: 0.8,
		Padding:     5,
		Resolution:  canvas.DPI(300),
	}, nil
}

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the scatter plot as SVG.
func (r *EmbeddingRenderer) RenderToSVG(w io.Writer) error {
	side := r.Size + 2*r.Padding
	s := svg.New(w, side, side, nil)
	r.renderToCanvas(s, side)
	return s.Close()
}

// RenderToPNG writes the scatter plot as PNG at r.Resolution.
func (r *EmbeddingRenderer) RenderToPNG(w io.Writer) error {
	side := r.Size + 2*r.Padding
	rast := rasterizer.New(side, side, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, side)
	return png.Encode(w, rast)
}

func (r *EmbeddingRenderer) renderToCanvas(renderer canvasRenderer, side float64) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(side, side), bg, canvas.Identity)

	n, _ := r.Embedding.Dims()
	if n == 0 {
		return
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i < n; i++ {
		x, y := r.Embedding.At(i, 0), r.Embedding.At(i, 1)
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	span := math.Max(maxX-minX, maxY-minY)
	if span == 0 {
		span = 1
	}
	toCanvas := func(i int) (float64, float64) {
		return r.Padding + (r.Embedding.At(i, 0)-minX)/span*r.Size,
			r.Padding + (r.Embedding.At(i, 1)-minY)/span*r.Size
	}

	// noise first so clusters stay visible on top
	for pass := 0; pass < 2; pass++ {
		for i := 0; i < n; i++ {
			if (r.Labels[i] == NoiseLabel) != (pass == 0) {
				continue
			}
			style := canvas.DefaultStyle
			style.Fill = canvas.Paint{Color: ClusterColor(r.Labels[i])}
			style.Stroke = canvas.Paint{Color: canvas.Transparent}
			x, y := toCanvas(i)
			renderer.RenderPath(canvas.Circle(r.PointRadius).Translate(x, y), style, canvas.Identity)
		}
	}

	for _, c := range r.Centrotypes {
		if c < 0 || c >= n {
			continue
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: ClusterColor(r.Labels[c])}
		style.Stroke = canvas.Paint{Color: canvas.Black}
		style.StrokeWidth = 0.4
		x, y := toCanvas(c)
		renderer.RenderPath(canvas.Circle(2.5*r.PointRadius).Translate(x, y), style, canvas.Identity)
	}
}
