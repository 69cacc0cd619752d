package reconcile

import (
	"math"
	"sort"
	"time"

	"github.com/contamx/contamx/internal/ingest"
	"github.com/contamx/contamx/internal/shared"
)

// Words that carry no matching signal in Mexican bank statements and CFDI
// descriptions.
var stopWords = map[string]struct{}{
	"de": {}, "del": {}, "la": {}, "el": {}, "los": {}, "las": {}, "en": {}, "por": {}, "para": {}, "con": {},
	"sa": {}, "cv": {}, "rl": {}, "sapi": {}, "mxn": {}, "ref": {}, "referencia": {},
	"pago": {}, "spei": {}, "transferencia": {}, "deposito": {}, "cfdi": {},
}

// Score rates how well c explains the movement. It reports false when the
// pair is not a candidate at all: amounts differ by even one cent or the
// dates are further apart than the window.
func Score(mv ingest.BankMovement, c Candidate, cfg Config) (Scored, bool) {
	cfg = cfg.normalized()
	if c.Amount == 0 || mv.Amount.Abs() != c.Amount.Abs() {
		return Scored{}, false
	}
	days := dayDistance(mv.Date, c.Date)
	if days > cfg.DateWindowDays {
		return Scored{}, false
	}
	s := Scored{
		Candidate:   c,
		Days:        days,
		AmountScore: 1,
		DateScore:   1 - float64(days)/float64(cfg.DateWindowDays),
		TextScore:   overlap(shared.Tokens(mv.Reference+" "+mv.Description, stopWords), shared.Tokens(c.Text, stopWords)),
	}
	s.Score = round(WeightAmount*s.AmountScore + WeightDate*s.DateScore + WeightText*s.TextScore)
	return s, true
}

// Decide ranks scored candidates by score, then date distance, then id, and
// auto-matches only a clear winner: at least AutoThreshold and ahead of the
// runner-up by TieThreshold.
func Decide(movementID int64, scored []Scored, cfg Config) Decision {
	cfg = cfg.normalized()
	ranked := append([]Scored(nil), scored...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Days != b.Days {
			return a.Days < b.Days
		}
		if a.Kind != b.Kind {
			return a.Kind == TargetEntry
		}
		return a.key() < b.key()
	})
	d := Decision{MovementID: movementID, Outcome: OutcomeNone, Candidates: ranked}
	if len(ranked) == 0 {
		return d
	}
	d.Outcome = OutcomeReview
	best := ranked[0].Score
	if best < cfg.AutoThreshold {
		return d
	}
	if len(ranked) > 1 && round(best-ranked[1].Score) < cfg.TieThreshold {
		return d
	}
	d.Outcome = OutcomeAuto
	return d
}

func overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	common := 0
	for _, t := range b {
		if _, ok := set[t]; ok {
			common++
		}
	}
	return float64(common) / float64(min(len(a), len(b)))
}

func dayDistance(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	days := int(math.Round(da.Sub(db).Hours() / 24))
	if days < 0 {
		return -days
	}
	return days
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
