package inference

import (
	"github.com/disintegration/imaging"
	"github.com/janpfeifer/mnistdnn/internal/mnist"
	"github.com/pkg/errors"
	"image"
	"image/color"
	"slices"
)

// DefaultTile is the side in pixels of the occluded square.
const DefaultTile = 4

// Heatmap of the importance of each tile of the image for the predicted class.
type Heatmap struct {
	Tile, Rows, Cols int

	// Class predicted for the original image, and its probability.
	Class       int
	Probability float32

	// Values, row-major, in [0,1]: the drop of probability of Class when the tile is occluded,
	// divided by the largest drop.
	Values []float32
}

// At returns the heat of the tile at the given row and column.
func (h *Heatmap) At(row, col int) float32 {
	return h.Values[row*h.Cols+col]
}

// Occlusion computes the heatmap of the predicted class of img by zeroing one tile×tile square at a time.
// All occluded images are evaluated as one batch.
func Occlusion(p *Predictor, img []float32, tile int) (*Heatmap, error) {
	if tile <= 0 {
		return nil, errors.Errorf("invalid tile size %d", tile)
	}
	base, err := p.Predict(img)
	if err != nil {
		return nil, err
	}
	top := TopK(base, 1)[0]
	h := &Heatmap{
		Tile:        tile,
		Rows:        (mnist.Height + tile - 1) / tile,
		Cols:        (mnist.Width + tile - 1) / tile,
		Class:       top.Class,
		Probability: top.Probability,
	}
	h.Values = make([]float32, h.Rows*h.Cols)

	occluded := make([][]float32, 0, h.Rows*h.Cols)
	for row := range h.Rows {
		for col := range h.Cols {
			occluded = append(occluded, occlude(img, row*tile, col*tile, tile))
		}
	}
	probs, err := p.Probabilities(occluded...)
	if err != nil {
		return nil, err
	}
	for ii, prob := range probs {
		h.Values[ii] = max(0, top.Probability-prob[top.Class])
	}
	if maxDrop := slices.Max(h.Values); maxDrop > 0 {
		for ii := range h.Values {
			h.Values[ii] /= maxDrop
		}
	}
	return h, nil
}

// occlude returns a copy of img with the tile starting at (y0, x0) set to 0.
func occlude(img []float32, y0, x0, tile int) []float32 {
	occluded := slices.Clone(img)
	for y := y0; y < min(y0+tile, mnist.Height); y++ {
		for x := x0; x < min(x0+tile, mnist.Width); x++ {
			occluded[y*mnist.Width+x] = 0
		}
	}
	return occluded
}

// Image renders the heatmap over the digit: the digit in gray, with red of opacity proportional to the
// heat of each tile, scaled by the given factor.
func (h *Heatmap) Image(img []float32, scale int) *image.NRGBA {
	canvas := image.NewNRGBA(image.Rect(0, 0, mnist.Width, mnist.Height))
	for y := range mnist.Height {
		for x := range mnist.Width {
			gray := uint8(255 * min(max(img[y*mnist.Width+x], 0), 1))
			heat := h.At(y/h.Tile, x/h.Tile)
			canvas.SetNRGBA(x, y, color.NRGBA{
				R: uint8(float32(gray)*(1-heat) + 255*heat),
				G: uint8(float32(gray) * (1 - heat)),
				B: uint8(float32(gray) * (1 - heat)),
				A: 255,
			})
		}
	}
	return imaging.Resize(canvas, mnist.Width*scale, mnist.Height*scale, imaging.NearestNeighbor)
}
