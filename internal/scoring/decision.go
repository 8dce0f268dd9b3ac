package scoring

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// Decide applies the expected-loss decision rule from spec.md §4.4:
//
//	E[loss|delete] = (1-p)*L_fp + guard_penalty
//	E[loss|keep]   = p*L_fn
//	H = entropy(p)
//	uncertainty = 0.65*H + 0.35*(1-calibration)
//
// Deletion loss is inflated by a factor monotone in uncertainty. Delete is
// emitted iff E[loss|keep] - E[loss|delete] > margin and
// p >= minPosterior(uncertainty); otherwise Review when uncertainty exceeds
// the review threshold, else Keep.
func (e *Engine) Decide(c *Candidate, urgency, calibration, guardPenalty float64, policyMode string, now time.Time) Decision {
	if c.Veto != "" {
		return Decision{
			CandidatePath: c.Path,
			SizeBytes:     c.SizeBytes,
			Action:        ActionKeep,
			PolicyMode:    policyMode,
			EmittedAt:     now,
			DecisionID:    decisionID(c.Path, now, "veto:"+c.Veto),
		}
	}

	scaled := c.CompositeScore * PressureMultiplier(urgency)
	if scaled > 1 {
		scaled = 1
	}
	p := Posterior(scaled, calibration)
	c.PosteriorAbandoned = p
	c.Confidence = calibration

	h := Entropy(p)
	uncertainty := 0.65*h + 0.35*(1-calibration)

	lossDelete := (1-p)*e.FalsePositiveLoss + guardPenalty
	lossKeep := p * e.FalseNegativeLoss

	// Inflate deletion loss by a factor monotone in uncertainty.
	lossDelete *= 1 + uncertainty

	action := ActionKeep
	minPosterior := e.minPosterior(uncertainty)
	if lossKeep-lossDelete > e.DecisionMargin && p >= minPosterior {
		action = ActionDelete
	} else if uncertainty > e.ReviewUncertainty {
		action = ActionReview
	}

	return Decision{
		CandidatePath:      c.Path,
		SizeBytes:          c.SizeBytes,
		Action:             action,
		ExpectedLossDelete: lossDelete,
		ExpectedLossKeep:   lossKeep,
		Posterior:          p,
		Uncertainty:        uncertainty,
		GuardPenalty:       guardPenalty,
		PolicyMode:         policyMode,
		EmittedAt:          now,
		DecisionID:         decisionID(c.Path, now, fmt.Sprintf("%f:%f", p, uncertainty)),
	}
}

// minPosterior is the minimum posterior required to justify deletion,
// rising with uncertainty so that ambiguous candidates need stronger
// evidence before being deleted.
func (e *Engine) minPosterior(uncertainty float64) float64 {
	base := e.MinScore
	if base <= 0 {
		base = 0.5
	}
	return base + 0.3*uncertainty
}

// decisionID derives a stable id from the candidate's immutable fields and
// decision inputs, the way the teacher's governance.ConstitutionalKernel
// chains SHA-256 decision hashes, so explain(decision_id) can look a
// decision up deterministically.
func decisionID(path string, now time.Time, extra string) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte(now.Format(time.RFC3339Nano)))
	h.Write([]byte(extra))
	return fmt.Sprintf("%x", h.Sum(nil))[:32]
}
