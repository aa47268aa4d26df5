// Package inference runs exported MNIST graphs on free-form digit images: it preprocesses images into
// the 28×28 MNIST layout, predicts class probabilities and computes occlusion heatmaps.
package inference

import (
	"github.com/disintegration/imaging"
	"github.com/janpfeifer/mnistdnn/internal/mnist"
	"image"
	"image/color"
	"math"
)

const (
	// ForegroundThreshold is the ink intensity above which a pixel is part of the digit bounding box.
	ForegroundThreshold = 0.2

	// DigitSize is the length in pixels of the longest side of the digit after scaling, as in MNIST.
	DigitSize = 20

	// NoiseThreshold is the intensity below which a pixel of the final image is set to 0.
	NoiseThreshold = 0.02
)

// Preprocess converts an image of a single digit to the MNIST layout: 28×28 ink intensities in [0,1],
// bright ink on a black background, row-major.
//
// The image is flattened on white and converted to grayscale. It is inverted if it has a light background
// (the usual dark ink on paper). The bounding box of the ink is scaled so its longest side has DigitSize
// pixels, and centered. Images without any ink are simply resized.
func Preprocess(img image.Image) []float32 {
	bounds := img.Bounds()
	ink := imaging.Overlay(imaging.New(bounds.Dx(), bounds.Dy(), color.White), img, image.Pt(0, 0), 1.0)
	ink = imaging.Grayscale(ink)
	if borderIntensity(ink) > 0.5 {
		ink = imaging.Invert(ink)
	}

	var sample *image.NRGBA
	if box, found := inkBoundingBox(ink); found {
		width, height := box.Dx(), box.Dy()
		scale := float64(DigitSize) / float64(max(width, height))
		scaledWidth := max(1, int(math.Round(float64(width)*scale)))
		scaledHeight := max(1, int(math.Round(float64(height)*scale)))
		digit := imaging.Resize(imaging.Crop(ink, box), scaledWidth, scaledHeight, imaging.Linear)
		digit = imaging.Blur(digit, 0.5)
		sample = imaging.Paste(imaging.New(mnist.Width, mnist.Height, color.Black), digit,
			image.Pt((mnist.Width-scaledWidth)/2, (mnist.Height-scaledHeight)/2))
	} else {
		sample = imaging.Resize(ink, mnist.Width, mnist.Height, imaging.Linear)
	}

	pixels := make([]float32, mnist.NumPixels)
	for y := range mnist.Height {
		for x := range mnist.Width {
			v := intensity(sample, x, y)
			if v < NoiseThreshold {
				v = 0
			}
			pixels[y*mnist.Width+x] = v
		}
	}
	return pixels
}

// intensity of the pixel at (x, y) of a grayscale image, relative to its bounds.
func intensity(img *image.NRGBA, x, y int) float32 {
	return float32(img.Pix[y*img.Stride+4*x]) / 255
}

// borderIntensity is the mean intensity of the pixels on the border of the image.
func borderIntensity(img *image.NRGBA) float32 {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	var sum float32
	var count int
	for x := range width {
		sum += intensity(img, x, 0) + intensity(img, x, height-1)
		count += 2
	}
	for y := 1; y < height-1; y++ {
		sum += intensity(img, 0, y) + intensity(img, width-1, y)
		count += 2
	}
	if count == 0 {
		return 0
	}
	return sum / float32(count)
}

// inkBoundingBox returns the smallest rectangle containing all pixels above ForegroundThreshold.
func inkBoundingBox(img *image.NRGBA) (box image.Rectangle, found bool) {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	minX, minY, maxX, maxY := width, height, -1, -1
	for y := range height {
		for x := range width {
			if intensity(img, x, y) > ForegroundThreshold {
				minX, minY = min(minX, x), min(minY, y)
				maxX, maxY = max(maxX, x), max(maxY, y)
			}
		}
	}
	if maxX < 0 {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}
