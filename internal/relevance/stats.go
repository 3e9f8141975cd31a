package relevance

import "math"

// Classification buckets a document's measured impact.
type Classification string

const (
	// ClassCritical - the task essentially cannot succeed without it.
	ClassCritical Classification = "critical"
	// ClassHelpful - measurably raises the success rate.
	ClassHelpful Classification = "helpful"
	// ClassNoise - no measurable effect either way.
	ClassNoise Classification = "noise"
	// ClassToxic - measurably lowers the success rate.
	ClassToxic Classification = "toxic"
	// ClassInsufficientData - the document landed on only one side of the
	// exposure split, so no contrast exists.
	ClassInsufficientData Classification = "insufficient_data"
)

// Thresholds configures impact classification and convergence.
type Thresholds struct {
	Critical float64 `json:"critical" yaml:"critical"` // delta_p at or above is critical (default 0.5)
	Helpful  float64 `json:"helpful" yaml:"helpful"`   // delta_p at or above is helpful (default 0.1)
	Toxic    float64 `json:"toxic" yaml:"toxic"`       // delta_p at or below is toxic (default -0.1)
	// Convergence is the adjusted-standard-error level below which a
	// document's estimate counts as settled (default 0.2).
	Convergence float64 `json:"convergence" yaml:"convergence"`
}

// DefaultThresholds returns the standard classification cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Critical:    0.5,
		Helpful:     0.1,
		Toxic:       -0.1,
		Convergence: 0.2,
	}
}

// tally accumulates exposure outcomes for one document.
type tally struct {
	trialsIn     int
	successesIn  int
	trialsOut    int
	successesOut int
}

func (t *tally) record(exposed, success bool) {
	if exposed {
		t.trialsIn++
		if success {
			t.successesIn++
		}
	} else {
		t.trialsOut++
		if success {
			t.successesOut++
		}
	}
}

// adjustedStandardError is the binomial standard error with a boundary
// fallback: at p=0 or p=1 the usual sqrt(p(1-p)/n) collapses to zero, which
// would let a single lucky trial "prove" a 0% or 100% rate. Falling back to
// 1/n keeps boundary estimates uncertain until enough trials accumulate.
// The fallback is a heuristic stand-in for a proper interval method such as
// the Wilson score.
func adjustedStandardError(p float64, n int) float64 {
	if n <= 0 {
		return 1
	}
	if p > 0 && p < 1 {
		return math.Sqrt(p * (1 - p) / float64(n))
	}
	return 1 / float64(n)
}

// verdict computes the document's impact estimate from its tally.
func (t *tally) verdict(id string, thresholds Thresholds) Verdict {
	v := Verdict{
		DocumentID: id,
		TrialsIn:   t.trialsIn,
		TrialsOut:  t.trialsOut,
	}
	if t.trialsIn == 0 || t.trialsOut == 0 {
		// No contrast observed. Report full uncertainty rather than an
		// infinity that would poison serialized summaries.
		v.Classification = ClassInsufficientData
		v.StandardError = 1
		return v
	}

	v.PIn = float64(t.successesIn) / float64(t.trialsIn)
	v.POut = float64(t.successesOut) / float64(t.trialsOut)
	v.DeltaP = v.PIn - v.POut

	seIn := adjustedStandardError(v.PIn, t.trialsIn)
	seOut := adjustedStandardError(v.POut, t.trialsOut)
	v.StandardError = math.Sqrt(seIn*seIn + seOut*seOut)

	switch {
	case v.DeltaP >= thresholds.Critical:
		v.Classification = ClassCritical
	case v.DeltaP >= thresholds.Helpful:
		v.Classification = ClassHelpful
	case v.DeltaP <= thresholds.Toxic:
		v.Classification = ClassToxic
	default:
		v.Classification = ClassNoise
	}
	return v
}

// converged reports whether the contrast estimate is settled enough.
func (t *tally) converged(thresholds Thresholds) bool {
	if t.trialsIn == 0 || t.trialsOut == 0 {
		return false
	}
	v := t.verdict("", thresholds)
	return v.StandardError < thresholds.Convergence
}
