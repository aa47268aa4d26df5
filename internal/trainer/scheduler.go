package trainer

import "math"

// Plateau reduces the learning rate when a metric (higher is better) stops improving.
//
// A metric counts as an improvement if it exceeds the best seen so far by a relative Threshold.
// After more than Patience consecutive epochs without improvement the learning rate is multiplied by
// Factor (but not below MinLR), and the count restarts. The learning rate never increases.
type Plateau struct {
	Factor    float64
	Patience  int
	Threshold float64
	MinLR     float64

	// Eps is the minimal change of the learning rate: smaller reductions are ignored.
	Eps float64

	learningRate float64
	best         float64
	numBad       int
}

// NewPlateau creates a scheduler starting at learningRate, with the remaining settings at their usual
// defaults (relative threshold 1e-4, no minimum, eps 1e-8).
func NewPlateau(learningRate, factor float64, patience int) *Plateau {
	return &Plateau{
		Factor:       factor,
		Patience:     patience,
		Threshold:    1e-4,
		Eps:          1e-8,
		learningRate: learningRate,
		best:         math.Inf(-1),
	}
}

// LearningRate currently selected.
func (p *Plateau) LearningRate() float64 { return p.learningRate }

// Step records the metric of one epoch and returns the learning rate to use from now on, and whether it was
// reduced.
func (p *Plateau) Step(metric float64) (learningRate float64, reduced bool) {
	if metric > p.best*(1+p.Threshold) || math.IsInf(p.best, -1) {
		p.best = metric
		p.numBad = 0
	} else {
		p.numBad++
	}
	if p.numBad > p.Patience {
		newLR := max(p.learningRate*p.Factor, p.MinLR)
		if p.learningRate-newLR > p.Eps {
			p.learningRate = newLR
			reduced = true
		}
		p.numBad = 0
	}
	return p.learningRate, reduced
}
