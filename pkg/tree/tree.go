// Package tree holds a discussion as a normalized store: a flat map of records
// plus an ordered index of top-level ids and of reply ids per parent. The
// discussion is a strict two-level tree, replies never have replies.
//
// Store is not safe for concurrent use; the owner serializes access.
package tree

import (
	"slices"

	"lostfound/pkg/models"
)

type Store struct {
	nodes    map[models.ID]*models.Comment
	roots    []models.ID
	children map[models.ID][]models.ID
}

func New() *Store {
	return &Store{
		nodes:    make(map[models.ID]*models.Comment),
		children: make(map[models.ID][]models.ID),
	}
}

// Reset drops every record.
func (s *Store) Reset() {
	s.nodes = make(map[models.ID]*models.Comment)
	s.roots = nil
	s.children = make(map[models.ID][]models.ID)
}

// Len returns the number of records, replies included.
func (s *Store) Len() int {
	return len(s.nodes)
}

// RootCount returns the number of top-level records.
func (s *Store) RootCount() int {
	return len(s.roots)
}

func (s *Store) Has(id models.ID) bool {
	_, ok := s.nodes[id]
	return ok
}

// Find returns a copy of the record with the given id. Top-level records come
// with their replies attached.
func (s *Store) Find(id models.ID) (models.Comment, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return models.Comment{}, false
	}

	return s.project(n), true
}

// Map replaces the record with transform(record). Identity and placement
// (ID, ParentID, Replies) cannot be changed through Map. It reports false and
// changes nothing when id is unknown.
func (s *Store) Map(id models.ID, transform func(models.Comment) models.Comment) bool {
	n, ok := s.nodes[id]
	if !ok {
		return false
	}

	next := transform(*n)
	next.ID = n.ID
	next.ParentID = n.ParentID
	next.Replies = nil
	s.nodes[id] = &next

	return true
}

// Remove deletes the record wherever it is. Removing a top-level record drops
// its replies too. It returns the number of records removed, 0 if id is unknown.
func (s *Store) Remove(id models.ID) int {
	n, ok := s.nodes[id]
	if !ok {
		return 0
	}

	if n.ParentID.IsZero() {
		removed := 1
		for _, childID := range s.children[id] {
			delete(s.nodes, childID)
			removed++
		}
		delete(s.children, id)
		delete(s.nodes, id)
		s.roots = without(s.roots, id)
		return removed
	}

	delete(s.nodes, id)
	s.children[n.ParentID] = without(s.children[n.ParentID], id)
	return 1
}

// AppendChild appends child to the replies of parentID. It is a no-op returning
// false when parentID is not a top-level record or when child.ID is already
// taken. Replies carried by child are ignored.
func (s *Store) AppendChild(parentID models.ID, child models.Comment) bool {
	parent, ok := s.nodes[parentID]
	if !ok || !parent.ParentID.IsZero() {
		return false
	}
	if child.ID.IsZero() || s.Has(child.ID) {
		return false
	}

	child.ParentID = parentID
	child.Replies = nil
	s.nodes[child.ID] = &child
	s.children[parentID] = append(s.children[parentID], child.ID)

	return true
}

// Prepend inserts c as the first top-level record.
func (s *Store) Prepend(c models.Comment) bool {
	return s.insertRoot(c, true)
}

// Append inserts c as the last top-level record.
func (s *Store) Append(c models.Comment) bool {
	return s.insertRoot(c, false)
}

func (s *Store) insertRoot(c models.Comment, front bool) bool {
	if c.ID.IsZero() || s.Has(c.ID) {
		return false
	}

	c.ParentID = models.ID{}
	c.Replies = nil
	s.nodes[c.ID] = &c
	if front {
		s.roots = slices.Insert(s.roots, 0, c.ID)
	} else {
		s.roots = append(s.roots, c.ID)
	}

	return true
}

// Ingest appends a fetched top-level record together with its replies. Deeper
// replies are flattened into the top-level record's reply list. Records whose id
// is already present are skipped. It returns the number of records added.
func (s *Store) Ingest(c models.Comment) int {
	replies := c.Replies
	if !s.Append(c) {
		return 0
	}

	added := 1
	var flatten func(rs []models.Comment)
	flatten = func(rs []models.Comment) {
		for _, r := range rs {
			if s.AppendChild(c.ID, r) {
				added++
			}
			flatten(r.Replies)
		}
	}
	flatten(replies)

	return added
}

// Rekey moves the record from oldID to newID keeping its position. Replies of a
// rekeyed top-level record follow it. It reports false when oldID is unknown or
// newID is already taken.
func (s *Store) Rekey(oldID, newID models.ID) bool {
	n, ok := s.nodes[oldID]
	if !ok || newID.IsZero() || s.Has(newID) {
		return false
	}

	delete(s.nodes, oldID)
	n.ID = newID
	s.nodes[newID] = n

	if n.ParentID.IsZero() {
		s.roots = replace(s.roots, oldID, newID)
		if kids, ok := s.children[oldID]; ok {
			delete(s.children, oldID)
			s.children[newID] = kids
			for _, kid := range kids {
				s.nodes[kid].ParentID = newID
			}
		}
		return true
	}

	s.children[n.ParentID] = replace(s.children[n.ParentID], oldID, newID)
	return true
}

// RootIDs returns the top-level ids in display order.
func (s *Store) RootIDs() []models.ID {
	return slices.Clone(s.roots)
}

// Nested projects the store back into the two-level tree. The result shares no
// memory with the store.
func (s *Store) Nested() []models.Comment {
	out := make([]models.Comment, 0, len(s.roots))
	for _, id := range s.roots {
		out = append(out, s.project(s.nodes[id]))
	}

	return out
}

// Count returns how many records satisfy pred.
func (s *Store) Count(pred func(models.Comment) bool) int {
	cnt := 0
	for _, n := range s.nodes {
		if pred(*n) {
			cnt++
		}
	}

	return cnt
}

func (s *Store) project(n *models.Comment) models.Comment {
	c := *n
	c.Replies = nil
	if kids := s.children[n.ID]; len(kids) > 0 {
		c.Replies = make([]models.Comment, 0, len(kids))
		for _, kid := range kids {
			c.Replies = append(c.Replies, *s.nodes[kid])
		}
	}

	return c
}

func without(ids []models.ID, id models.ID) []models.ID {
	i := slices.Index(ids, id)
	if i < 0 {
		return ids
	}

	return slices.Delete(ids, i, i+1)
}

func replace(ids []models.ID, oldID, newID models.ID) []models.ID {
	if i := slices.Index(ids, oldID); i >= 0 {
		ids[i] = newID
	}

	return ids
}
