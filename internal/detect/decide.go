package detect

import (
	"sort"
	"time"
)

// Outcome classifies a single arbitration.
type Outcome string

const (
	// OutcomeDetected means a keyword fired.
	OutcomeDetected Outcome = "detected"
	// OutcomeSuppressed means the global cooldown had not elapsed.
	OutcomeSuppressed Outcome = "suppressed"
	// OutcomeBelowThreshold means no keyword exceeded the threshold.
	OutcomeBelowThreshold Outcome = "below_threshold"
	// OutcomeAmbiguous means the top candidate was too close to the runner-up.
	OutcomeAmbiguous Outcome = "ambiguous"
)

// Detection is a keyword that fired.
type Detection struct {
	Keyword    string
	Confidence float64
	Gap        float64
}

// Decision is the result of [Decide].
type Decision struct {
	// Detection is nil unless Outcome is OutcomeDetected.
	Detection *Detection
	// Normalized holds every keyword's score divided by the maximum score.
	Normalized map[string]float64
	Outcome    Outcome
}

// Normalize divides every score by the maximum score. When the maximum is not
// positive every keyword maps to 0.
func Normalize(raw map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(raw))
	maxScore := 0.0
	first := true
	for _, s := range raw {
		if first || s > maxScore {
			maxScore = s
			first = false
		}
	}
	for k, s := range raw {
		if maxScore <= 0 {
			out[k] = 0
		} else {
			out[k] = s / maxScore
		}
	}
	return out
}

type candidate struct {
	name  string
	score float64
}

// Decide arbitrates one window's raw scores. sinceLast is the time elapsed
// since the last detection of any session. Decide has no side effects;
// committing a detection is the caller's job.
func Decide(raw map[string]float64, sinceLast time.Duration, cfg Config) Decision {
	d := Decision{Normalized: Normalize(raw)}

	if sinceLast < cfg.Cooldown {
		d.Outcome = OutcomeSuppressed
		return d
	}

	var cands []candidate
	for k, s := range raw {
		if s > cfg.Threshold {
			cands = append(cands, candidate{name: k, score: s})
		}
	}
	if len(cands) == 0 {
		d.Outcome = OutcomeBelowThreshold
		return d
	}
	// Name order breaks ties so the result does not depend on map iteration.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].name < cands[j].name
	})

	top := cands[0]
	runnerUp := 0.0
	if len(cands) > 1 {
		runnerUp = cands[1].score
	}
	gap := top.score - runnerUp
	if gap < cfg.MinGap {
		d.Outcome = OutcomeAmbiguous
		return d
	}

	d.Outcome = OutcomeDetected
	d.Detection = &Detection{Keyword: top.name, Confidence: top.score, Gap: gap}
	return d
}
