package scoring

// Factor is the shared contract for the five scoring dimensions, a closed
// set of variants rather than a per-factor inheritance chain (spec.md
// Design Notes §9).
type Factor interface {
	Evaluate(ctx Context) (score, confidence float64)
}

// Context carries whatever a Factor needs to evaluate a candidate, so the
// closed Factor set does not need to know about scanner.Node directly.
type Context struct {
	Path        string
	Children    []string
	SizeBytes   int64
	AgeSecs     float64
	HasGitChild bool
}

// Weights are the five composite-score factor weights. Must sum to 1.0 and
// each be non-negative (enforced by config.Validate, re-checked here as a
// defensive invariant since this package must never silently normalize an
// invalid config — spec.md §8 invariant 1).
type Weights struct {
	Location  float64
	Name      float64
	Age       float64
	Size      float64
	Structure float64
}

// Valid checks the weight-validity invariant.
func (w Weights) Valid() bool {
	if w.Location < 0 || w.Name < 0 || w.Age < 0 || w.Size < 0 || w.Structure < 0 {
		return false
	}
	sum := w.Location + w.Name + w.Age + w.Size + w.Structure
	const eps = 1e-6
	return sum > 1-eps && sum < 1+eps
}
