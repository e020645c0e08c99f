// Package pager folds fetched pages of top-level comments into what is already
// held locally.
package pager

import "lostfound/pkg/models"

// Index is the view of the local state the merge needs.
type Index interface {
	Has(id models.ID) bool
	RootCount() int
}

type Result struct {
	// Comments is the merged top-level list. Only set by Merge.
	Comments []models.Comment
	// Added are the fetched records not held before, in fetch order.
	Added []models.Comment
	// Size is the number of top-level records after the merge.
	Size int
	// Reset is true for page 1: prior local state is discarded.
	Reset   bool
	HasMore bool
}

// Fold filters fetched against idx and derives HasMore from the server-reported
// total. Page 1 replaces the local list outright, so only duplicates inside the
// fetched page itself are dropped.
//
// HasMore is computed as size < total and never from the page being short:
// dropping duplicates can make a page look short while more records remain.
// An empty page means the server has nothing past the local window.
func Fold(idx Index, fetched []models.Comment, page, total int) Result {
	reset := page <= 1

	seen := make(map[models.ID]struct{}, len(fetched))
	added := make([]models.Comment, 0, len(fetched))
	for _, c := range fetched {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}

		if !reset && idx.Has(c.ID) {
			continue
		}
		added = append(added, c)
	}

	size := len(added)
	if !reset {
		size += idx.RootCount()
	}

	return Result{
		Added:   added,
		Size:    size,
		Reset:   reset,
		HasMore: len(fetched) > 0 && size < total,
	}
}

// Merge is Fold over a plain top-level list. It returns the merged list in
// Result.Comments.
func Merge(existing, fetched []models.Comment, page, total int) Result {
	res := Fold(listIndex(existing), fetched, page, total)

	if res.Reset {
		res.Comments = res.Added
		return res
	}

	merged := make([]models.Comment, 0, len(existing)+len(res.Added))
	merged = append(merged, existing...)
	merged = append(merged, res.Added...)
	res.Comments = merged

	return res
}

type listIndex []models.Comment

func (l listIndex) Has(id models.ID) bool {
	for _, c := range l {
		if c.ID == id {
			return true
		}
		for _, r := range c.Replies {
			if r.ID == id {
				return true
			}
		}
	}
	return false
}

func (l listIndex) RootCount() int {
	return len(l)
}
