package scoring

import (
	"math"

	"github.com/sbh-guard/sbh-guard/internal/pattern"
)

// Engine computes composite scores and expected-loss decisions.
// Grounded on the teacher's internal/anomaly.Engine composite-score shape
// (weighted distance + entropy term), generalized from a single Mahalanobis
// distance to the five-factor convex combination spec.md §4.4 defines.
type Engine struct {
	Weights         Weights
	LocationRules   []pattern.LocationRule
	NamePatterns    []pattern.NamePattern
	StructureSignals []pattern.StructureSignal

	FalsePositiveLoss float64
	FalseNegativeLoss float64

	MinScore          float64
	DecisionMargin    float64
	ReviewUncertainty float64
}

// NewEngine builds an Engine with the default pattern registries.
func NewEngine(w Weights, fpLoss, fnLoss, minScore, margin, reviewUncertainty float64) *Engine {
	return &Engine{
		Weights:           w,
		LocationRules:     pattern.DefaultLocationRules(),
		NamePatterns:      pattern.DefaultNamePatterns(),
		StructureSignals:  pattern.DefaultStructureSignals(),
		FalsePositiveLoss: fpLoss,
		FalseNegativeLoss: fnLoss,
		MinScore:          minScore,
		DecisionMargin:    margin,
		ReviewUncertainty: reviewUncertainty,
	}
}

// Score populates a Candidate's per-factor and composite scores.
func (e *Engine) Score(c *Candidate) {
	c.LocationScore = pattern.LocationScore(c.Path, e.LocationRules)
	c.NameScore = pattern.NameScore(c.Path, e.NamePatterns)
	c.AgeScore = pattern.AgeScore(c.EffectiveAgeSecs)
	c.SizeScore = pattern.SizeScore(c.SizeBytes)
	c.StructureScore = pattern.StructureScore(c.Children, e.StructureSignals)
	c.HasGitChild = c.HasGitChild || pattern.HasGitChild(c.Children)

	if c.HasGitChild {
		c.StructureScore = 0.0
	}

	c.CompositeScore = e.Weights.Location*c.LocationScore +
		e.Weights.Name*c.NameScore +
		e.Weights.Age*c.AgeScore +
		e.Weights.Size*c.SizeScore +
		e.Weights.Structure*c.StructureScore
}

// PressureMultiplier is the piecewise-linear factor in [1.0, 3.0] applied
// to the composite score before the decision layer, per spec.md §4.4:
// Green barely boosts, Critical triples.
func PressureMultiplier(urgency float64) float64 {
	if urgency < 0 {
		urgency = 0
	}
	if urgency > 1 {
		urgency = 1
	}
	return 1.0 + 2.0*urgency
}

// Posterior maps the scaled composite and calibration confidence through a
// logit-sigmoid: logit = 3.5*(scaled-0.5) + 2.0*(confidence-0.5).
func Posterior(scaled, confidence float64) float64 {
	logit := 3.5*(scaled-0.5) + 2.0*(confidence-0.5)
	return 1.0 / (1.0 + math.Exp(-logit))
}

// Entropy returns the Shannon entropy of a Bernoulli(p) variable in bits,
// grounded on the teacher's internal/anomaly/entropy.go ShannonEntropy.
func Entropy(p float64) float64 {
	if p <= 0 || p >= 1 {
		return 0
	}
	return -(p*math.Log2(p) + (1-p)*math.Log2(1-p))
}
