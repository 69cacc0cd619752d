package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

func TestChartLeavesAndCycles(t *testing.T) {
	chart, err := NewChart(1, []Account{
		{ID: 1, CompanyID: 1, Code: "100", Active: true},
		{ID: 2, CompanyID: 1, ParentID: ptr(1), Code: "102", Active: true},
		{ID: 3, CompanyID: 1, ParentID: ptr(2), Code: "102.01", Active: true},
		{ID: 4, CompanyID: 1, ParentID: ptr(2), Code: "102.02", Active: false},
		{ID: 5, CompanyID: 1, ParentID: ptr(1), Code: "118.01", Active: true},
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{3, 4, 5}, chart.Leaves())
	require.ElementsMatch(t, []int64{3, 4}, chart.LeavesUnder(2))
	require.False(t, chart.IsLeaf(1))
	require.NoError(t, chart.CheckPostable(3))
	require.ErrorIs(t, chart.CheckPostable(2), ErrNonLeafAccount)
	require.ErrorIs(t, chart.CheckPostable(4), ErrUnknownAccount)
	require.ErrorIs(t, chart.CheckPostable(99), ErrUnknownAccount)

	_, err = NewChart(1, []Account{
		{ID: 1, CompanyID: 1, ParentID: ptr(2), Code: "A"},
		{ID: 2, CompanyID: 1, ParentID: ptr(1), Code: "B"},
	})
	require.ErrorIs(t, err, ErrChartCycle)

	_, err = NewChart(1, []Account{{ID: 1, CompanyID: 2, Code: "A"}})
	require.ErrorIs(t, err, ErrUnknownAccount)
}

func TestDraftValidate(t *testing.T) {
	draft := EntryDraft{Movements: []MovementInput{
		{AccountID: 1, Debit: 5000},
		{AccountID: 2, Credit: 4999},
	}}
	require.ErrorIs(t, draft.Validate(), ErrUnbalanced)
	draft.Movements[1].Credit = 5000
	require.NoError(t, draft.Validate())
}
