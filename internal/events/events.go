// Package events carries domain events between the ledger, ingestion,
// reconciliation and sync components.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind names an event variant.
type Kind string

const (
	KindPolizaPosted      Kind = "poliza.posted"
	KindPeriodClosed      Kind = "period.closed"
	KindCFDIImported      Kind = "cfdi.imported"
	KindPaymentReconciled Kind = "payment.reconciled"
)

// Event is the closed set of domain events. Only types in this package
// implement it.
type Event interface {
	Kind() Kind
	Company() int64
	OccurredAt() time.Time
	sealed()
}

// PolizaPosted is emitted after a journal entry commits.
type PolizaPosted struct {
	CompanyID    int64
	EntryID      int64
	EntryUUID    uuid.UUID
	Number       int64
	PeriodID     int64
	SourceModule string
	SourceRef    string
	ReversalOf   *int64
	At           time.Time
}

// PeriodClosed is emitted after a period flips to closed.
type PeriodClosed struct {
	CompanyID int64
	PeriodID  int64
	Year      int
	Month     int
	ClosedBy  int64
	At        time.Time
}

// CFDIImported is emitted when a new fiscal document is stored, whatever its
// validation outcome.
type CFDIImported struct {
	CompanyID     int64
	DocumentID    int64
	UUID          string
	Status        string
	PaymentMethod string
	EntryID       *int64
	At            time.Time
}

// PaymentReconciled is emitted when a bank movement is matched.
type PaymentReconciled struct {
	CompanyID  int64
	MovementID int64
	EntryID    int64
	DocumentID *int64
	Auto       bool
	Score      float64
	At         time.Time
}

func (e PolizaPosted) Kind() Kind            { return KindPolizaPosted }
func (e PolizaPosted) Company() int64        { return e.CompanyID }
func (e PolizaPosted) OccurredAt() time.Time { return e.At }
func (PolizaPosted) sealed()                 {}

func (e PeriodClosed) Kind() Kind            { return KindPeriodClosed }
func (e PeriodClosed) Company() int64        { return e.CompanyID }
func (e PeriodClosed) OccurredAt() time.Time { return e.At }
func (PeriodClosed) sealed()                 {}

func (e CFDIImported) Kind() Kind            { return KindCFDIImported }
func (e CFDIImported) Company() int64        { return e.CompanyID }
func (e CFDIImported) OccurredAt() time.Time { return e.At }
func (CFDIImported) sealed()                 {}

func (e PaymentReconciled) Kind() Kind            { return KindPaymentReconciled }
func (e PaymentReconciled) Company() int64        { return e.CompanyID }
func (e PaymentReconciled) OccurredAt() time.Time { return e.At }
func (PaymentReconciled) sealed()                 {}
