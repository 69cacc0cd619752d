package ledger

import (
	"fmt"
	"sort"
)

// Chart is an arena over a company's accounts: a flat slice plus an id
// index, with children recorded as slice positions.
type Chart struct {
	companyID int64
	nodes     []Account
	index     map[int64]int
	children  [][]int
}

// NewChart builds the arena and checks that parents exist within the same
// company and that no parent chain loops.
func NewChart(companyID int64, accounts []Account) (*Chart, error) {
	c := &Chart{
		companyID: companyID,
		nodes:     make([]Account, 0, len(accounts)),
		index:     make(map[int64]int, len(accounts)),
	}
	for _, acc := range accounts {
		if acc.CompanyID != companyID {
			return nil, fmt.Errorf("%w: account %d belongs to company %d", ErrUnknownAccount, acc.ID, acc.CompanyID)
		}
		c.index[acc.ID] = len(c.nodes)
		c.nodes = append(c.nodes, acc)
	}
	c.children = make([][]int, len(c.nodes))
	for pos, acc := range c.nodes {
		if acc.ParentID == nil {
			continue
		}
		parent, ok := c.index[*acc.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: parent %d of account %d", ErrUnknownAccount, *acc.ParentID, acc.ID)
		}
		c.children[parent] = append(c.children[parent], pos)
	}
	for pos := range c.nodes {
		if err := c.checkAncestry(pos); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Chart) checkAncestry(pos int) error {
	steps := 0
	for cur := c.nodes[pos]; cur.ParentID != nil; {
		steps++
		if steps > len(c.nodes) {
			return fmt.Errorf("%w: at account %s", ErrChartCycle, c.nodes[pos].Code)
		}
		cur = c.nodes[c.index[*cur.ParentID]]
	}
	return nil
}

// CompanyID returns the owning company.
func (c *Chart) CompanyID() int64 { return c.companyID }

// Get returns the account with the id.
func (c *Chart) Get(id int64) (Account, bool) {
	pos, ok := c.index[id]
	if !ok {
		return Account{}, false
	}
	return c.nodes[pos], true
}

// IsLeaf reports whether the account has no children.
func (c *Chart) IsLeaf(id int64) bool {
	pos, ok := c.index[id]
	return ok && len(c.children[pos]) == 0
}

// Accounts returns the accounts ordered by code.
func (c *Chart) Accounts() []Account {
	out := make([]Account, len(c.nodes))
	copy(out, c.nodes)
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Leaves returns every leaf account id.
func (c *Chart) Leaves() []int64 {
	out := make([]int64, 0, len(c.nodes))
	for pos, acc := range c.nodes {
		if len(c.children[pos]) == 0 {
			out = append(out, acc.ID)
		}
	}
	return out
}

// LeavesUnder returns the leaf ids at or below id, depth first.
func (c *Chart) LeavesUnder(id int64) []int64 {
	pos, ok := c.index[id]
	if !ok {
		return nil
	}
	var out []int64
	stack := []int{pos}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(c.children[cur]) == 0 {
			out = append(out, c.nodes[cur].ID)
			continue
		}
		stack = append(stack, c.children[cur]...)
	}
	return out
}

// CheckPostable verifies that the account belongs to the chart, is active
// and is a leaf.
func (c *Chart) CheckPostable(id int64) error {
	acc, ok := c.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAccount, id)
	}
	if !acc.Active {
		return fmt.Errorf("%w: %s is inactive", ErrUnknownAccount, acc.Code)
	}
	if !c.IsLeaf(id) {
		return fmt.Errorf("%w: %s", ErrNonLeafAccount, acc.Code)
	}
	return nil
}
