// Package ledger is the double-entry core: chart of accounts, periods,
// journal entries (pólizas), balances and snapshots.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/contamx/contamx/internal/shared"
)

// Nature tells on which side an account's balance normally sits.
type Nature string

const (
	NatureDebit  Nature = "DEBIT"
	NatureCredit Nature = "CREDIT"
)

// PeriodStatus enumerates period states. Closing is one-way.
type PeriodStatus string

const (
	PeriodStatusOpen   PeriodStatus = "OPEN"
	PeriodStatusClosed PeriodStatus = "CLOSED"
)

// EntryStatus enumerates journal lifecycle values.
type EntryStatus string

const (
	EntryStatusDraft  EntryStatus = "DRAFT"
	EntryStatusPosted EntryStatus = "POSTED"
)

// EntryKind distinguishes original postings from corrections.
type EntryKind string

const (
	EntryKindNormal     EntryKind = "NORMAL"
	EntryKindReversal   EntryKind = "REVERSAL"
	EntryKindAdjustment EntryKind = "ADJUSTMENT"
)

// Source modules used for idempotent postings.
const (
	SourceCFDI   = "CFDI"
	SourceBank   = "BANK"
	SourceManual = "MANUAL"
	SourceAPI    = "API"
)

// Account models a chart of accounts node.
type Account struct {
	ID           int64
	CompanyID    int64
	ParentID     *int64
	Code         string
	Name         string
	GroupingCode string
	Nature       Nature
	Active       bool
	CreatedAt    time.Time
}

// Period represents a fiscal month.
type Period struct {
	ID        int64
	CompanyID int64
	Year      int
	Month     int
	StartDate time.Time
	EndDate   time.Time
	Status    PeriodStatus
	ClosedAt  *time.Time
	ClosedBy  *int64
}

// Contains reports whether date falls inside the period, by calendar day.
func (p Period) Contains(date time.Time) bool {
	d := truncateDay(date)
	return !d.Before(truncateDay(p.StartDate)) && !d.After(truncateDay(p.EndDate))
}

// Code renders the period as YYYY-MM.
func (p Period) Code() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// DocumentRef points a movement at the external document that caused it.
type DocumentRef struct {
	Kind string
	ID   string
}

// Movement is one line of a journal entry. Exactly one side is non-zero.
type Movement struct {
	ID        int64
	EntryID   int64
	AccountID int64
	Debit     shared.Cents
	Credit    shared.Cents
	Document  *DocumentRef
}

// JournalEntry is the append-only unit of truth.
type JournalEntry struct {
	ID           int64
	CompanyID    int64
	PeriodID     int64
	Number       int64
	UUID         uuid.UUID
	Date         time.Time
	Description  string
	Kind         EntryKind
	Status       EntryStatus
	ReferenceID  *int64
	SourceModule string
	SourceRef    string
	PostedBy     int64
	PostedAt     time.Time
	Movements    []Movement
}

// Totals returns the debit and credit sums.
func (e JournalEntry) Totals() (debit, credit shared.Cents) {
	for _, m := range e.Movements {
		var okDebit, okCredit bool
		debit, okDebit = shared.AddCents(debit, m.Debit)
		credit, okCredit = shared.AddCents(credit, m.Credit)
		if !okDebit || !okCredit {
			return fmt.Errorf("%w: movement %d overflows the entry total", ErrInvalidMovement, idx)
		}
	}
	return debit, credit
}

// MovementInput describes a line in a draft.
type MovementInput struct {
	AccountID int64
	Debit     shared.Cents
	Credit    shared.Cents
	Document  *DocumentRef
}

// EntryDraft groups the fields required to post an entry.
type EntryDraft struct {
	PeriodID     int64
	Date         time.Time
	Description  string
	Kind         EntryKind
	ReferenceID  *int64
	SourceModule string
	SourceRef    string
	Movements    []MovementInput
}

// ReverseInput wraps parameters for reversal.
type ReverseInput struct {
	Memo string
	Date *time.Time
}

// AccountInput describes a new chart node.
type AccountInput struct {
	ParentID     *int64
	Code         string
	Name         string
	GroupingCode string
	Nature       Nature
}

// AccountMapping links classification keys to ledger accounts.
type AccountMapping struct {
	CompanyID int64
	Module    string
	Key       string
	AccountID int64
}

// Totals is a debit/credit pair.
type Totals struct {
	Debit  shared.Cents
	Credit shared.Cents
}

// Add accumulates another pair.
func (t Totals) Add(o Totals) Totals {
	return Totals{Debit: t.Debit + o.Debit, Credit: t.Credit + o.Credit}
}

// Balance is the position of an account at a date.
type Balance struct {
	AccountID int64
	AsOf      time.Time
	Nature    Nature
	Debit     shared.Cents
	Credit    shared.Cents
}

// Net returns the balance signed by the account nature.
func (b Balance) Net() shared.Cents {
	if b.Nature == NatureCredit {
		return b.Credit - b.Debit
	}
	return b.Debit - b.Credit
}

// BalanceSnapshot caches an account balance at a period end. Sequence is the
// company ledger sequence when the snapshot was taken.
type BalanceSnapshot struct {
	CompanyID int64
	AccountID int64
	PeriodID  int64
	AsOf      time.Time
	Debit     shared.Cents
	Credit    shared.Cents
	Sequence  int64
	CreatedAt time.Time
}

// TrialBalanceLine is one account row of a trial balance.
type TrialBalanceLine struct {
	AccountID int64
	Code      string
	Debit     shared.Cents
	Credit    shared.Cents
}

// TrialBalance aggregates every posted movement through a date.
type TrialBalance struct {
	CompanyID int64
	Through   time.Time
	Lines     []TrialBalanceLine
	Debit     shared.Cents
	Credit    shared.Cents
}

// Balanced reports whether total debits equal total credits.
func (tb TrialBalance) Balanced() bool {
	return tb.Debit == tb.Credit
}

// MovementFilter selects posted movements of one account for summing.
// Movements dated after After (when set) and on or before Through are
// included, plus any movement dated on or before After whose entry number
// exceeds LateAfterSeq. UpToSeq, when set, caps the entry number.
type MovementFilter struct {
	CompanyID    int64
	AccountID    int64
	After        *time.Time
	Through      time.Time
	LateAfterSeq int64
	UpToSeq      *int64
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	PeriodID int64
	From     *time.Time
	To       *time.Time
	// AfterNumber, when set, returns entries numbered above it oldest first.
	AfterNumber *int64
	Page        shared.Page
}

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = shared.NewError(shared.KindValidation, "Unbalanced", "ledger: journal entry does not balance")
	// ErrPeriodClosed indicates a posting into a closed period.
	ErrPeriodClosed = shared.NewError(shared.KindValidation, "PeriodClosed", "ledger: period is closed")
	// ErrUnknownAccount indicates an account outside the company chart.
	ErrUnknownAccount = shared.NewError(shared.KindValidation, "UnknownAccount", "ledger: unknown account")
	// ErrInvalidMovement indicates a malformed movement.
	ErrInvalidMovement = shared.NewError(shared.KindValidation, "InvalidMovement", "ledger: invalid movement")
	// ErrNonLeafAccount indicates a posting to a parent account.
	ErrNonLeafAccount = shared.NewError(shared.KindValidation, "InvalidMovement", "ledger: postings must target leaf accounts")
	// ErrTooFewMovements indicates fewer than two movements.
	ErrTooFewMovements = shared.NewError(shared.KindValidation, "InvalidMovement", "ledger: entry requires at least two movements")
	// ErrDateOutOfRange indicates an entry date outside its period.
	ErrDateOutOfRange = shared.NewError(shared.KindValidation, "DateOutOfRange", "ledger: date outside period")
	// ErrPeriodNotFound indicates a missing period for the company.
	ErrPeriodNotFound = shared.NewError(shared.KindNotFound, "PeriodNotFound", "ledger: period not found")
	// ErrNoOpenPeriod indicates no open period at or after a date.
	ErrNoOpenPeriod = shared.NewError(shared.KindValidation, "NoOpenPeriod", "ledger: no open period available")
	// ErrPeriodExists indicates a duplicate period.
	ErrPeriodExists = shared.NewError(shared.KindConflict, "PeriodExists", "ledger: period already exists")
	// ErrAlreadyClosed indicates a second close.
	ErrAlreadyClosed = shared.NewError(shared.KindValidation, "AlreadyClosed", "ledger: period already closed")
	// ErrUnbalancedTrialBalance blocks closing when debits != credits.
	ErrUnbalancedTrialBalance = shared.NewError(shared.KindIntegrity, "UnbalancedTrialBalance", "ledger: trial balance is not zero")
	// ErrSnapshotMismatch indicates a snapshot disagreeing with the movements.
	ErrSnapshotMismatch = shared.NewError(shared.KindIntegrity, "SnapshotMismatch", "ledger: balance snapshot does not match movements")
	// ErrEntryNotFound indicates missing entry.
	ErrEntryNotFound = shared.NewError(shared.KindNotFound, "EntryNotFound", "ledger: journal entry not found")
	// ErrAlreadyReversed indicates a second reversal of the same entry.
	ErrAlreadyReversed = shared.NewError(shared.KindValidation, "AlreadyReversed", "ledger: entry already reversed")
	// ErrInvalidStatus indicates the entry is not posted.
	ErrInvalidStatus = shared.NewError(shared.KindValidation, "InvalidStatus", "ledger: invalid status transition")
	// ErrSourceConflict indicates the source link already exists.
	ErrSourceConflict = errors.New("ledger: source link conflict")
	// ErrMappingNotFound indicates account mapping missing.
	ErrMappingNotFound = shared.NewError(shared.KindValidation, "MappingNotFound", "ledger: account mapping not found")
	// ErrChartCycle indicates a parent chain that loops.
	ErrChartCycle = shared.NewError(shared.KindIntegrity, "ChartCycle", "ledger: chart of accounts contains a cycle")
	// ErrAccountExists indicates a duplicate account code.
	ErrAccountExists = shared.NewError(shared.KindConflict, "AccountExists", "ledger: account code already exists")
)

// Validate checks the structural rules of a draft that need no storage:
// at least two movements, one positive side per movement, and debits equal
// to credits in integer cents.
func (d EntryDraft) Validate() error {
	if len(d.Movements) < 2 {
		return ErrTooFewMovements
	}
	var debit, credit shared.Cents
	for idx, m := range d.Movements {
		if m.AccountID == 0 {
			return fmt.Errorf("%w: movement %d missing account", ErrUnknownAccount, idx)
		}
		if m.Debit < 0 || m.Credit < 0 {
			return fmt.Errorf("%w: movement %d has a negative amount", ErrInvalidMovement, idx)
		}
		if (m.Debit == 0) == (m.Credit == 0) {
			return fmt.Errorf("%w: movement %d must have exactly one non-zero side", ErrInvalidMovement, idx)
		}
		debit += m.Debit
		credit += m.Credit
	}
	if debit != credit {
		return fmt.Errorf("%w: debit %s credit %s", ErrUnbalanced, debit, credit)
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MonthBounds returns the first and last calendar day of a month.
func MonthBounds(year, month int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, -1)
}
