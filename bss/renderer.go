package bss

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const captionHeight = 18

var (
	maskedColor = color.RGBA{201, 201, 201, 255}
	captionBG   = color.RGBA{255, 255, 255, 255}
	captionFG   = color.RGBA{0, 0, 0, 255}
)

// SourceMapRenderer draws per-pixel vectors onto their mask grid as PNGs
// with a diverging blue-white-red colour map centred on zero.
type SourceMapRenderer struct {
	Mask  Mask
	Scale int     // output pixels per grid cell
	Limit float64 // colour map saturation; <= 0 uses the vector's max |v|
}

// NewSourceMapRenderer creates a renderer for the given mask.
func NewSourceMapRenderer(mask Mask) *SourceMapRenderer {
	return &SourceMapRenderer{Mask: mask, Scale: 4}
}

// Render draws vec with caption above it.
func (r *SourceMapRenderer) Render(vec []float64, caption string) (*image.RGBA, error) {
	grid, err := VectorToGrid(vec, r.Mask)
	if err != nil {
		return nil, err
	}
	rows, cols := r.Mask.Shape()
	scale := max(r.Scale, 1)
	width := max(cols*scale, len(caption)*7+8)
	img := image.NewRGBA(image.Rect(0, 0, width, rows*scale+captionHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{captionBG}, image.Point{}, draw.Src)

	limit := r.Limit
	if limit <= 0 {
		for _, v := range vec {
			limit = math.Max(limit, math.Abs(v))
		}
	}

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			c := maskedColor
			if v := grid[i][j]; !math.IsNaN(v) {
				c = diverging(v, limit)
			}
			cell := image.Rect(j*scale, captionHeight+i*scale, (j+1)*scale, captionHeight+(i+1)*scale)
			draw.Draw(img, cell, &image.Uniform{c}, image.Point{}, draw.Src)
		}
	}
	drawText(img, 4, captionHeight-5, caption, captionFG)
	return img, nil
}

// RenderPNG writes the rendered map to w.
func (r *SourceMapRenderer) RenderPNG(w io.Writer, vec []float64, caption string) error {
	img, err := r.Render(vec, caption)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// diverging maps [-limit, limit] to blue, white, red.
func diverging(v, limit float64) color.RGBA {
	if limit <= 0 {
		return color.RGBA{255, 255, 255, 255}
	}
	t := math.Max(-1, math.Min(1, v/limit))
	fade := uint8(math.Round(255 * (1 - math.Abs(t))))
	if t >= 0 {
		return color.RGBA{255, fade, fade, 255}
	}
	return color.RGBA{fade, fade, 255, 255}
}

func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// RenderSourcePNG writes consensus source i of res rescaled to unit range,
// so every source map of a result shares one colour scale.
func (r *SourceMapRenderer) RenderSourcePNG(w io.Writer, res *Result, i int) error {
	if i < 0 || i >= len(res.Sources) {
		return fmt.Errorf("%w: source %d of %d", ErrDimensionMismatch, i, len(res.Sources))
	}
	maps, _ := RescaleUnitRange(res.SourceMatrix(), nil)
	unit := *r
	unit.Limit = 1
	return unit.RenderPNG(w, maps.RawRowView(i), SourceCaption(res, i))
}

// SourceCaption is the caption used for consensus source i.
func SourceCaption(r *Result, i int) string {
	s := r.Sources[i]
	caption := fmt.Sprintf("IC%d Iq=%.2f n=%d", i, s.Iq, s.Size)
	if i < len(r.Labels) && r.Labels[i].Label != "" {
		caption += " " + r.Labels[i].Label
	}
	return caption
}

// WriteSourceMaps renders every consensus source of r to dir/source_NN.png
// and returns the written paths.
func WriteSourceMaps(dir string, r *Result) ([]string, error) {
	if r.Mask == nil {
		return nil, fmt.Errorf("%w: result has no mask to render onto", ErrDimensionMismatch)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating render directory: %w", err)
	}

	rend := NewSourceMapRenderer(r.Mask)
	var paths []string
	for i := range r.Sources {
		path := filepath.Join(dir, fmt.Sprintf("source_%02d.png", i))
		f, err := os.Create(path)
		if err != nil {
			return paths, fmt.Errorf("creating %s: %w", path, err)
		}
		err = rend.RenderSourcePNG(f, r, i)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return paths, fmt.Errorf("rendering source %d: %w", i, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
