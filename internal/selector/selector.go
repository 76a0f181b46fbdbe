package selector

import (
	"sort"
	"time"
)

// QuotaView is the part of the ledger the selector reads
type QuotaView interface {
	CanUse(accountID int) bool
	EarliestReset() (time.Time, bool)
}

// Selection is the outcome of choosing an account. When OK is false no
// candidate is usable and ResetAt, if set, says when the first one frees up.
type Selection struct {
	AccountID int
	OK        bool
	ResetAt   *time.Time
}

// Select picks the account for the next call. The sticky account wins while
// it is usable; otherwise candidates are tried in ascending id order.
func Select(view QuotaView, sticky int, candidates []int) Selection {
	if len(candidates) == 0 {
		return Selection{}
	}

	if contains(candidates, sticky) && view.CanUse(sticky) {
		return Selection{AccountID: sticky, OK: true}
	}

	ordered := make([]int, len(candidates))
	copy(ordered, candidates)
	sort.Ints(ordered)

	for _, id := range ordered {
		if id == sticky {
			continue
		}
		if view.CanUse(id) {
			return Selection{AccountID: id, OK: true}
		}
	}

	sel := Selection{}
	if resetAt, ok := view.EarliestReset(); ok {
		sel.ResetAt = &resetAt
	}
	return sel
}

// Exclude returns candidates without the given ids
func Exclude(candidates []int, ids ...int) []int {
	out := make([]int, 0, len(candidates))
	for _, c := range candidates {
		if !contains(ids, c) {
			out = append(out, c)
		}
	}
	return out
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
