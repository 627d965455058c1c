package store

import (
	"time"

	"github.com/djlord-it/contentguard/internal/domain"
)

// scoreHorizon anchors the age term. Scores are computed once at enqueue time,
// so age is expressed as distance to a fixed future instant: the earlier a
// record was created the larger its bonus, and that ordering never changes.
var scoreHorizon = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

// Scorer computes queue scores:
//
//	score = tier*TierWeight + ageBonus(createdAt) + urgencyBonus(deadline) + signalBonus(signal)
//
// Urgency and signal bonuses are capped below TierWeight so a fresh item
// never jumps a tier on them alone. The age term is unbounded, so any item
// eventually outranks newer items of a higher tier.
type Scorer struct {
	TierWeight       float64
	AgeWeightPerHour float64
	UrgencyCap       float64
	UrgencyWindow    time.Duration
	SignalCap        float64
}

func DefaultScorer() Scorer {
	return Scorer{
		TierWeight:       1000,
		AgeWeightPerHour: 1,
		UrgencyCap:       500,
		UrgencyWindow:    24 * time.Hour,
		SignalCap:        200,
	}
}

type ScoreInput struct {
	Tier      domain.Tier
	CreatedAt time.Time
	Deadline  *time.Time
	// Signal is match confidence or host value in [0,1].
	Signal float64
}

func (s Scorer) Score(in ScoreInput, now time.Time) float64 {
	return float64(in.Tier)*s.TierWeight +
		s.AgeBonus(in.CreatedAt) +
		s.UrgencyBonus(in.Deadline, now) +
		s.SignalBonus(in.Signal)
}

func (s Scorer) AgeBonus(createdAt time.Time) float64 {
	return scoreHorizon.Sub(createdAt).Hours() * s.AgeWeightPerHour
}

// UrgencyBonus grows linearly from 0 at UrgencyWindow before the deadline to
// UrgencyCap at (or past) the deadline.
func (s Scorer) UrgencyBonus(deadline *time.Time, now time.Time) float64 {
	if deadline == nil || s.UrgencyWindow <= 0 {
		return 0
	}
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return s.UrgencyCap
	}
	if remaining >= s.UrgencyWindow {
		return 0
	}
	return s.UrgencyCap * (1 - float64(remaining)/float64(s.UrgencyWindow))
}

func (s Scorer) SignalBonus(signal float64) float64 {
	if signal < 0 {
		signal = 0
	}
	if signal > 1 {
		signal = 1
	}
	return signal * s.SignalCap
}
