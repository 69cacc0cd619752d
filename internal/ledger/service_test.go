package ledger_test

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contamx/contamx/internal/events"
	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/ledger/ledgertest"
	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
	"github.com/contamx/contamx/internal/tenant/tenanttest"
)

const companyRFC = "CMX010101AB1"

func jan(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
func feb(d int) time.Time { return time.Date(2024, 2, d, 0, 0, 0, 0, time.UTC) }

func setup(t *testing.T) (tenant.Scope, *ledgertest.Fixture) {
	t.Helper()
	scope := tenanttest.Scope(t, 1, companyRFC)
	return scope, ledgertest.NewFixture(t, scope)
}

func feeDraft(f *ledgertest.Fixture, period ledger.Period, date time.Time, debit, credit shared.Cents) ledger.EntryDraft {
	return ledger.EntryDraft{
		PeriodID:    period.ID,
		Date:        date,
		Description: "Comisión bancaria",
		Movements: []ledger.MovementInput{
			{AccountID: f.ID(ledgertest.BankFees), Debit: debit},
			{AccountID: f.ID(ledgertest.Bank), Credit: credit},
		},
	}
}

func TestPostBalancedEntry(t *testing.T) {
	scope, f := setup(t)
	ctx := context.Background()

	entry, err := f.Service.Post(ctx, scope, feeDraft(f, f.January, jan(15), 5000, 5000))
	require.NoError(t, err)
	require.Equal(t, int64(1), entry.Number)
	require.Equal(t, ledger.EntryStatusPosted, entry.Status)
	require.Len(t, entry.Movements, 2)

	posted := f.Events.OfKind(events.KindPolizaPosted)
	require.Len(t, posted, 1)
	require.Equal(t, entry.ID, posted[0].(events.PolizaPosted).EntryID)

	bank, err := f.Service.BalanceAsOf(ctx, scope, f.ID(ledgertest.Bank), jan(31))
	require.NoError(t, err)
	require.Equal(t, shared.Cents(-5000), bank.Net())
}

func TestValidateRejectsOverflowingTotals(t *testing.T) {
	const maxCents = shared.Cents(math.MaxInt64)
	draft := ledger.EntryDraft{Movements: []ledger.MovementInput{
		{AccountID: 1, Debit: maxCents},
		{AccountID: 1, Debit: maxCents},
		{AccountID: 1, Debit: 2},
		{AccountID: 2, Credit: maxCents},
		{AccountID: 2, Credit: maxCents},
		{AccountID: 2, Credit: maxCents},
		{AccountID: 2, Credit: maxCents},
		{AccountID: 2, Credit: 4},
	}}
	err := draft.Validate()
	require.ErrorIs(t, err, ledger.ErrInvalidMovement)
	require.Equal(t, shared.KindValidation, shared.KindOf(err))
}

func TestPostRejectsUnbalancedEntry(t *testing.T) {
	scope, f := setup(t)
	ctx := context.Background()

	_, err := f.Service.Post(ctx, scope, feeDraft(f, f.January, jan(15), 5000, 4999))
	require.ErrorIs(t, err, ledger.ErrUnbalanced)
	require.Equal(t, shared.KindValidation, shared.KindOf(err))
	require.Empty(t, f.Events.OfKind(events.KindPolizaPosted))

	entries, err := f.Service.ListEntries(ctx, scope, ledger.EntryFilter{})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPostValidation(t *testing.T) {
	scope, f := setup(t)
	ctx := context.Background()
	accounts, err := f.Service.ListAccounts(ctx, scope)
	require.NoError(t, err)
	var parentID int64
	for _, a := range accounts {
		if a.Code == "100" {
			parentID = a.ID
		}
	}

	cases := []struct {
		name  string
		draft ledger.EntryDraft
		want  error
	}{
		{
			name: "single movement",
			draft: ledger.EntryDraft{PeriodID: f.January.ID, Date: jan(2), Movements: []ledger.MovementInput{
				{AccountID: f.ID(ledgertest.Bank), Debit: 100},
			}},
			want: ledger.ErrTooFewMovements,
		},
		{
			name: "both sides",
			draft: ledger.EntryDraft{PeriodID: f.January.ID, Date: jan(2), Movements: []ledger.MovementInput{
				{AccountID: f.ID(ledgertest.Bank), Debit: 100, Credit: 100},
				{AccountID: f.ID(ledgertest.Expense), Debit: 100, Credit: 100},
			}},
			want: ledger.ErrInvalidMovement,
		},
		{
			name: "negative",
			draft: ledger.EntryDraft{PeriodID: f.January.ID, Date: jan(2), Movements: []ledger.MovementInput{
				{AccountID: f.ID(ledgertest.Bank), Debit: -100},
				{AccountID: f.ID(ledgertest.Expense), Credit: -100},
			}},
			want: ledger.ErrInvalidMovement,
		},
		{
			name: "unknown account",
			draft: ledger.EntryDraft{PeriodID: f.January.ID, Date: jan(2), Movements: []ledger.MovementInput{
				{AccountID: 9999, Debit: 100},
				{AccountID: f.ID(ledgertest.Bank), Credit: 100},
			}},
			want: ledger.ErrUnknownAccount,
		},
		{
			name: "parent account",
			draft: ledger.EntryDraft{PeriodID: f.January.ID, Date: jan(2), Movements: []ledger.MovementInput{
				{AccountID: parentID, Debit: 100},
				{AccountID: f.ID(ledgertest.Revenue), Credit: 100},
			}},
			want: ledger.ErrNonLeafAccount,
		},
		{
			name:  "date outside period",
			draft: feeDraft(f, f.January, feb(1), 100, 100),
			want:  ledger.ErrDateOutOfRange,
		},
		{
			name:  "unknown period",
			draft: feeDraft(f, ledger.Period{ID: 4242}, jan(2), 100, 100),
			want:  ledger.ErrPeriodNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Service.Post(ctx, scope, tc.draft)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPostIntoClosedPeriod(t *testing.T) {
	scope, f := setup(t)
	ctx := context.Background()

	_, err := f.Service.ClosePeriod(ctx, scope, f.January.ID)
	require.NoError(t, err)

	_, err = f.Service.Post(ctx, scope, feeDraft(f, f.January, jan(20), 5000, 5000))
	require.ErrorIs(t, err, ledger.ErrPeriodClosed)

	_, err = f.Service.ClosePeriod(ctx, scope, f.January.ID)
	require.ErrorIs(t, err, ledger.ErrAlreadyClosed)
}

func TestPostIsIdempotentPerSource(t *testing.T) {
	scope, f := setup(t)
	ctx := context.Background()
	draft := feeDraft(f, f.January, jan(15), 5000, 5000)
	draft.SourceModule, draft.SourceRef = ledger.SourceCFDI, "6F1E2D3C-0000-4000-8000-000000000001"

	first, err := f.Service.Post(ctx, scope, draft)
	require.NoError(t, err)
	second, err := f.Service.Post(ctx, scope, draft)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, f.Events.OfKind(events.KindPolizaPosted), 1)

	found, err := f.Service.EntryBySource(ctx, scope, ledger.SourceCFDI, draft.SourceRef)
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)
}

func TestReverseOnlyOnce(t *testing.T) {
	scope, f := setup(t)
	ctx := context.Background()

	original, err := f.Service.Post(ctx, scope, feeDraft(f, f.January, jan(10), 5000, 5000))
	require.NoError(t, err)

	reversal, err := f.Service.Reverse(ctx, scope, original.ID, ledger.ReverseInput{})
	require.NoError(t, err)
	require.Equal(t, ledger.EntryKindReversal, reversal.Kind)
	require.Equal(t, original.ID, *reversal.ReferenceID)
	require.Equal(t, f.January.ID, reversal.PeriodID)
	require.Equal(t, original.Movements[0].Debit, reversal.Movements[0].Credit)

	_, err = f.Service.Reverse(ctx, scope, original.ID, ledger.ReverseInput{})
	require.ErrorIs(t, err, ledger.ErrAlreadyReversed)

	bank, err := f.Service.BalanceAsOf(ctx, scope, f.ID(ledgertest.Bank), jan(31))
	require.NoError(t, err)
	require.Zero(t, bank.Net())
}

func TestReverseFromClosedPeriodLandsInNextOpen(t *testing.T) {
	scope, f := setup(t)
	ctx := context.Background()

	original, err := f.Service.Post(ctx, scope, feeDraft(f, f.January, jan(10), 5000, 5000))
	require.NoError(t, err)
	_, err = f.Service.ClosePeriod(ctx, scope, f.January.ID)
	require.NoError(t, err)

	reversal, err := f.Service.Reverse(ctx, scope, original.ID, ledger.ReverseInput{Memo: "cargo duplicado"})
	require.NoError(t, err)
	require.Equal(t, f.February.ID, reversal.PeriodID)
	require.True(t, reversal.Date.Equal(feb(1)))
	require.Equal(t, "cargo duplicado", reversal.Description)

	janBank, err := f.Service.BalanceAsOf(ctx, scope, f.ID(ledgertest.Bank), jan(31))
	require.NoError(t, err)
	require.Equal(t, shared.Cents(-5000), janBank.Net())
	febBank, err := f.Service.BalanceAsOf(ctx, scope, f.ID(ledgertest.Bank), feb(29))
	require.NoError(t, err)
	require.Zero(t, febBank.Net())
}

func TestCloseRejectsUnbalancedTrialBalance(t *testing.T) {
	scope, f := setup(t)
	ctx := context.Background()
	f.Repo.InjectEntry(ledger.JournalEntry{
		CompanyID: scope.CompanyID(),
		PeriodID:  f.January.ID,
		Date:      jan(5),
		Movements: []ledger.Movement{
			{AccountID: f.ID(ledgertest.Expense), Debit: 10000},
			{AccountID: f.ID(ledgertest.Bank), Credit: 9999},
		},
	})

	_, err := f.Service.ClosePeriod(ctx, scope, f.January.ID)
	require.ErrorIs(t, err, ledger.ErrUnbalancedTrialBalance)
	require.Equal(t, shared.KindIntegrity, shared.KindOf(err))

	periods, err := f.Service.ListPeriods(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, ledger.PeriodStatusOpen, periods[0].Status)
	require.Empty(t, f.Repo.Snapshots(scope.CompanyID(), f.January.ID))
	require.Empty(t, f.Events.OfKind(events.KindPeriodClosed))
}

func TestCloseBuildsSnapshotsAndPublishes(t *testing.T) {
	scope, f := setup(t)
	ctx := context.Background()
	_, err := f.Service.Post(ctx, scope, feeDraft(f, f.January, jan(10), 5000, 5000))
	require.NoError(t, err)

	closed, err := f.Service.ClosePeriod(ctx, scope, f.January.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.PeriodStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	snaps := f.Repo.Snapshots(scope.CompanyID(), f.January.ID)
	require.Len(t, snaps, 8)
	for _, s := range snaps {
		require.Equal(t, int64(1), s.Sequence)
	}
	require.Len(t, f.Events.OfKind(events.KindPeriodClosed), 1)

	mismatches, err := f.Service.VerifySnapshots(ctx, scope, f.January.ID)
	require.NoError(t, err)
	require.Empty(t, mismatches)
}

func TestVerifySnapshotsDetectsTampering(t *testing.T) {
	scope, f := setup(t)
	ctx := context.Background()
	_, err := f.Service.Post(ctx, scope, feeDraft(f, f.January, jan(10), 5000, 5000))
	require.NoError(t, err)
	_, err = f.Service.ClosePeriod(ctx, scope, f.January.ID)
	require.NoError(t, err)

	snaps := f.Repo.Snapshots(scope.CompanyID(), f.January.ID)
	snaps[0].Debit += 1
	require.NoError(t, f.Repo.WithTx(ctx, func(ctx context.Context, tx ledger.TxRepository) error {
		return tx.UpsertSnapshots(ctx, snaps[:1])
	}))

	mismatches, err := f.Service.VerifySnapshots(ctx, scope, f.January.ID)
	require.ErrorIs(t, err, ledger.ErrSnapshotMismatch)
	require.Len(t, mismatches, 1)
	require.Equal(t, snaps[0].AccountID, mismatches[0].AccountID)
}

func TestBalanceUsesSnapshotPlusDelta(t *testing.T) {
	scope, f := setup(t)
	ctx := context.Background()

	_, err := f.Service.Post(ctx, scope, feeDraft(f, f.January, jan(10), 5000, 5000))
	require.NoError(t, err)
	_, err = f.Service.ClosePeriod(ctx, scope, f.January.ID)
	require.NoError(t, err)
	_, err = f.Service.Post(ctx, scope, feeDraft(f, f.February, feb(3), 1500, 1500))
	require.NoError(t, err)

	// A snapshot taken mid-period goes stale once a back-dated entry lands.
	_, err = f.Service.RebuildSnapshots(ctx, scope, f.February.ID)
	require.NoError(t, err)
	_, err = f.Service.Post(ctx, scope, feeDraft(f, f.February, feb(2), 250, 250))
	require.NoError(t, err)

	fees, err := f.Service.BalanceAsOf(ctx, scope, f.ID(ledgertest.BankFees), feb(29))
	require.NoError(t, err)
	require.Equal(t, shared.Cents(6750), fees.Net())

	tb, err := f.Service.TrialBalance(ctx, scope, feb(29))
	require.NoError(t, err)
	require.True(t, tb.Balanced())
	for _, line := range tb.Lines {
		bal, err := f.Service.BalanceAsOf(ctx, scope, line.AccountID, feb(29))
		require.NoError(t, err)
		require.Equal(t, line.Debit, bal.Debit, "account %s", line.Code)
		require.Equal(t, line.Credit, bal.Credit, "account %s", line.Code)
	}
}

func TestRandomBalancedEntriesKeepTrialBalanceZero(t *testing.T) {
	scope, f := setup(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	leaves := []string{ledgertest.Bank, ledgertest.VATCreditable, ledgertest.VATPayable, ledgertest.Revenue, ledgertest.Expense, ledgertest.BankFees}

	for i := 0; i < 60; i++ {
		period, date := f.January, jan(1+rng.Intn(31))
		if i%2 == 1 || i > 30 {
			period, date = f.February, feb(1+rng.Intn(29))
		}
		amount := shared.Cents(1 + rng.Int63n(1_000_000))
		split := shared.Cents(rng.Int63n(int64(amount)))
		draft := ledger.EntryDraft{PeriodID: period.ID, Date: date, Description: "random"}
		draft.Movements = append(draft.Movements, ledger.MovementInput{AccountID: f.ID(leaves[rng.Intn(len(leaves))]), Debit: amount})
		if split > 0 {
			draft.Movements = append(draft.Movements,
				ledger.MovementInput{AccountID: f.ID(leaves[rng.Intn(len(leaves))]), Credit: split},
				ledger.MovementInput{AccountID: f.ID(leaves[rng.Intn(len(leaves))]), Credit: amount - split},
			)
		} else {
			draft.Movements = append(draft.Movements, ledger.MovementInput{AccountID: f.ID(leaves[rng.Intn(len(leaves))]), Credit: amount})
		}
		_, err := f.Service.Post(ctx, scope, draft)
		require.NoError(t, err)
		if i == 30 {
			_, err = f.Service.ClosePeriod(ctx, scope, f.January.ID)
			require.NoError(t, err)
		}
	}

	tb, err := f.Service.TrialBalance(ctx, scope, feb(29))
	require.NoError(t, err)
	require.True(t, tb.Balanced())
}

func TestTenantIsolation(t *testing.T) {
	scope, f := setup(t)
	ctx := context.Background()
	entry, err := f.Service.Post(ctx, scope, feeDraft(f, f.January, jan(10), 5000, 5000))
	require.NoError(t, err)

	other := tenanttest.Scope(t, 2, "OTR010101AB1")
	_, err = f.Service.GetEntry(ctx, other, entry.ID)
	require.ErrorIs(t, err, ledger.ErrEntryNotFound)
	_, err = f.Service.Post(ctx, other, feeDraft(f, f.January, jan(10), 5000, 5000))
	require.ErrorIs(t, err, ledger.ErrPeriodNotFound)

	_, err = f.Service.Post(ctx, tenant.Scope{}, feeDraft(f, f.January, jan(10), 5000, 5000))
	require.ErrorIs(t, err, tenant.ErrNoTenant)

	member := tenanttest.ScopeWithRole(t, 1, companyRFC, tenant.RoleMember)
	_, err = f.Service.ClosePeriod(ctx, member, f.January.ID)
	require.ErrorIs(t, err, tenant.ErrPermissionDenied)
}

func TestResolveAccount(t *testing.T) {
	scope, f := setup(t)
	ctx := context.Background()

	acc, err := f.Service.ResolveAccount(ctx, scope, "cfdi", ledgertest.Expense)
	require.NoError(t, err)
	require.Equal(t, f.ID(ledgertest.Expense), acc.ID)

	_, err = f.Service.ResolveAccount(ctx, scope, "CFDI", "missing")
	require.ErrorIs(t, err, ledger.ErrMappingNotFound)

	period, err := f.Service.PeriodFor(ctx, scope, jan(20))
	require.NoError(t, err)
	require.Equal(t, f.January.ID, period.ID)
}
