// Package reconcile matches bank movements against ledger entries and
// pending fiscal documents.
package reconcile

import (
	"time"

	"github.com/contamx/contamx/internal/shared"
)

// TargetKind names what a bank movement is reconciled against.
type TargetKind string

const (
	TargetEntry    TargetKind = "ENTRY"
	TargetDocument TargetKind = "DOCUMENT"
	TargetCreate   TargetKind = "CREATE"
)

// Outcome is the verdict for one movement.
type Outcome string

const (
	OutcomeAuto   Outcome = "AUTO"
	OutcomeReview Outcome = "REVIEW"
	OutcomeNone   Outcome = "NONE"
)

// Signal weights of the combined score.
const (
	WeightAmount = 0.5
	WeightDate   = 0.3
	WeightText   = 0.2
)

// Config carries the matching thresholds.
type Config struct {
	DateWindowDays int
	AutoThreshold  float64
	TieThreshold   float64
}

// DefaultConfig returns a 5-day window, 0.80 auto threshold and 0.10 lead.
func DefaultConfig() Config {
	return Config{DateWindowDays: 5, AutoThreshold: 0.80, TieThreshold: 0.10}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.DateWindowDays <= 0 {
		c.DateWindowDays = def.DateWindowDays
	}
	if c.AutoThreshold <= 0 {
		c.AutoThreshold = def.AutoThreshold
	}
	if c.TieThreshold <= 0 {
		c.TieThreshold = def.TieThreshold
	}
	return c
}

// Candidate is something a movement may settle: a posted entry touching the
// bank account or a PPD document awaiting payment.
type Candidate struct {
	Kind         TargetKind   `json:"kind"`
	EntryID      int64        `json:"entry_id,omitempty"`
	DocumentID   int64        `json:"document_id,omitempty"`
	DocumentUUID string       `json:"document_uuid,omitempty"`
	Amount       shared.Cents `json:"amount"`
	Date         time.Time    `json:"date"`
	Text         string       `json:"text"`
}

// key orders candidates of equal score and distance deterministically.
func (c Candidate) key() int64 {
	if c.Kind == TargetEntry {
		return c.EntryID
	}
	return c.DocumentID
}

// Scored is a candidate with its signal breakdown.
type Scored struct {
	Candidate
	Score       float64 `json:"score"`
	AmountScore float64 `json:"amount_score"`
	DateScore   float64 `json:"date_score"`
	TextScore   float64 `json:"text_score"`
	Days        int     `json:"days"`
}

// Decision is the ranked outcome for one movement.
type Decision struct {
	MovementID int64    `json:"movement_id"`
	Outcome    Outcome  `json:"outcome"`
	Candidates []Scored `json:"candidates"`
}

// Best returns the top candidate, if any.
func (d Decision) Best() (Scored, bool) {
	if len(d.Candidates) == 0 {
		return Scored{}, false
	}
	return d.Candidates[0], true
}

// Target tells Accept how to settle a movement.
type Target struct {
	Kind         TargetKind
	EntryID      int64
	DocumentUUID string
	// CounterAccountID is the other side of a created entry. When zero,
	// CounterKey is resolved through the BANK account mappings.
	CounterAccountID int64
	CounterKey       string
	Memo             string
}

// Proposal is a persisted REVIEW decision awaiting confirmation.
type Proposal struct {
	CompanyID  int64
	MovementID int64
	Decision   Decision
	CreatedAt  time.Time
}

// Summary reports a reconciliation pass.
type Summary struct {
	Scanned     int
	AutoMatched int
	Review      int
	Unmatched   int
	Failed      int
}

var (
	// ErrInvalidTarget indicates a target that cannot settle the movement.
	ErrInvalidTarget = shared.NewError(shared.KindValidation, "InvalidTarget", "reconcile: target does not match the movement")
	// ErrMovementIgnored indicates an attempt to settle an ignored movement.
	ErrMovementIgnored = shared.NewError(shared.KindConflict, "MovementIgnored", "reconcile: movement is ignored")
)
