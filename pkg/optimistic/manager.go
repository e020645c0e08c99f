// Package optimistic applies comment mutations to the local discussion before
// the comment store answers, and settles them once it does.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"lostfound/pkg/drafts"
	"lostfound/pkg/metrics"
	"lostfound/pkg/models"
	"lostfound/pkg/remote"
	"lostfound/pkg/requestid"
	"lostfound/pkg/state"
)

var (
	ErrNotFound  = errors.New("comment not found")
	ErrForbidden = errors.New("comment belongs to another user")
	ErrPending   = errors.New("comment has a mutation in flight")
)

type Config struct {
	ItemID string
	// Timeout bounds each remote call. Zero means no bound.
	Timeout time.Duration
	// Drafts receives the text of failed creates. Optional.
	Drafts drafts.Store
}

type Manager struct {
	state    *state.State
	comments remote.CommentsService
	drafts   drafts.Store
	itemID   string
	timeout  time.Duration
	ids      IDSource
	guard    *Guard

	// deleting holds the deletes the comment store has not answered yet. It is
	// only touched inside state callbacks.
	deleting map[models.ID]removal

	wg sync.WaitGroup
}

// removal is what one delete took out of the tree.
type removal struct {
	ids  []models.ID
	root bool
}

// NewManager returns a manager mutating st. guard may be shared with the caller
// so that composer and record keys live in one set; nil creates a private one.
func NewManager(st *state.State, comments remote.CommentsService, guard *Guard, cfg Config) *Manager {
	if guard == nil {
		guard = NewGuard()
	}

	return &Manager{
		state:    st,
		comments: comments,
		drafts:   cfg.Drafts,
		itemID:   cfg.ItemID,
		timeout:  cfg.Timeout,
		guard:    guard,
		deleting: make(map[models.ID]removal),
	}
}

// Create shows a pending comment by user at once and asks the comment store to
// persist it. A zero parentID posts a top-level comment; a reply to a reply is
// attached to that reply's parent. The returned op settles when the store answers.
func (m *Manager) Create(ctx context.Context, user models.User, parentID models.ID, body string) (*Op, error) {
	var (
		op     *Op
		parent models.ID
	)

	err := m.state.Apply(func(tx *state.Tx) error {
		if !parentID.IsZero() {
			if parentID.Pending {
				return ErrPending
			}
			p, ok := tx.Tree.Find(parentID)
			if !ok {
				return ErrNotFound
			}
			if p.IsReply() {
				if p, ok = tx.Tree.Find(p.ParentID); !ok {
					return ErrNotFound
				}
			}
			if p.ID.Pending {
				return ErrPending
			}
			parent = p.ID
		}

		id := m.ids.Next(tx.Tree.Has)
		c := models.Comment{
			ID:        id,
			ItemID:    m.itemID,
			ParentID:  parent,
			AuthorID:  user.ID,
			Body:      body,
			CreatedAt: time.Now().UTC(),
			Pending:   true,
		}

		if parent.IsZero() {
			tx.Tree.Prepend(c)
		} else if !tx.Tree.AppendChild(parent, c) {
			return ErrNotFound
		}
		tx.Total++

		op = NewOp(KindCreate, id)
		op.Begin()
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Mutation(string(KindCreate), metrics.OutcomeApplied)
	log.Debugf("[optimistic] create %s applied as %v under %q", requestid.Shorten(op.ID.String()), op.Target, parent)

	m.wg.Add(1)
	go m.confirmCreate(ctx, op, user, parent, body)

	return op, nil
}

func (m *Manager) confirmCreate(ctx context.Context, op *Op, user models.User, parent models.ID, body string) {
	defer m.wg.Done()

	rctx, cancel := m.remoteContext(ctx)
	saved, err := m.comments.AddComment(rctx, m.itemID, user.ID, body, parent)
	cancel()
	if err == nil && (saved.ID.IsZero() || saved.ID.Pending) {
		err = fmt.Errorf("%w: comment store returned %q", models.ErrInvalidID, saved.ID)
	}

	key := models.DraftKey{ItemID: m.itemID, ParentID: parent, UserID: user.ID}

	if err != nil {
		m.state.Update(func(tx *state.Tx) {
			tx.Total -= tx.Tree.Remove(op.Target)
		})
		op.setDraft(body)
		m.saveDraft(ctx, key, body)

		op.Settle(StateRolledBack, models.ID{}, err)
		metrics.Mutation(string(KindCreate), metrics.OutcomeRolledBack)
		log.Warnf("[optimistic] create %s rolled back: %v", requestid.Shorten(op.ID.String()), err)
		return
	}

	m.state.Update(func(tx *state.Tx) {
		if !tx.Tree.Has(op.Target) {
			// A page 1 reload already dropped the pending record.
			return
		}
		if tx.Tree.Has(saved.ID) {
			// A concurrent page load already brought the stored record.
			tx.Total -= tx.Tree.Remove(op.Target)
			return
		}

		tx.Tree.Rekey(op.Target, saved.ID)
		tx.Tree.Map(saved.ID, func(c models.Comment) models.Comment {
			if saved.Body != "" {
				c.Body = saved.Body
			}
			if !saved.CreatedAt.IsZero() {
				c.CreatedAt = saved.CreatedAt
			}
			c.Pending = false
			return c
		})
	})
	m.deleteDraft(ctx, key)

	op.Settle(StateConfirmed, saved.ID, nil)
	metrics.Mutation(string(KindCreate), metrics.OutcomeConfirmed)
	log.Debugf("[optimistic] create %s confirmed as %v", requestid.Shorten(op.ID.String()), saved.ID)
}

// Edit replaces the body of a comment owned by user and asks the store to do
// the same. On failure the previous body comes back.
func (m *Manager) Edit(ctx context.Context, user models.User, id models.ID, body string) (*Op, error) {
	var (
		op   *Op
		prev string
	)
	key := Key{Action: ActionRecord, Target: id}

	err := m.state.Apply(func(tx *state.Tx) error {
		c, ok := tx.Tree.Find(id)
		if !ok {
			return ErrNotFound
		}
		if !c.IsOwnedBy(user.ID) {
			return ErrForbidden
		}
		if c.Pending || id.Pending || !m.guard.Acquire(key) {
			return ErrPending
		}

		prev = c.Body
		tx.Tree.Map(id, func(c models.Comment) models.Comment {
			c.Body = body
			c.Pending = true
			return c
		})

		op = NewOp(KindEdit, id)
		op.Begin()
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Mutation(string(KindEdit), metrics.OutcomeApplied)
	log.Debugf("[optimistic] edit %s applied to %v", requestid.Shorten(op.ID.String()), id)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		rctx, cancel := m.remoteContext(ctx)
		err := m.comments.UpdateComment(rctx, id, body)
		cancel()

		m.state.Update(func(tx *state.Tx) {
			tx.Tree.Map(id, func(c models.Comment) models.Comment {
				// Leave a body written by a later reload alone.
				if err != nil && c.Body == body {
					c.Body = prev
				}
				c.Pending = false
				return c
			})
		})
		m.guard.Release(key)

		if err != nil {
			op.Settle(StateRolledBack, id, err)
			metrics.Mutation(string(KindEdit), metrics.OutcomeRolledBack)
			log.Warnf("[optimistic] edit %s of %v rolled back: %v", requestid.Shorten(op.ID.String()), id, err)
			return
		}
		op.Settle(StateConfirmed, id, nil)
		metrics.Mutation(string(KindEdit), metrics.OutcomeConfirmed)
	}()

	return op, nil
}

// Delete removes a comment, with its replies when it is top-level, and asks the
// store to do the same. Owners and moderators may delete. A failed remote delete
// is not undone locally: the op settles as StateDiverged and a reload shows the
// stored state again.
func (m *Manager) Delete(ctx context.Context, user models.User, id models.ID) (*Op, error) {
	var op *Op
	key := Key{Action: ActionRecord, Target: id}

	err := m.state.Apply(func(tx *state.Tx) error {
		c, ok := tx.Tree.Find(id)
		if !ok {
			return ErrNotFound
		}
		if !c.IsOwnedBy(user.ID) && !(user.Moderator && user.ID != "") {
			return ErrForbidden
		}
		if c.Pending || id.Pending || !m.guard.Acquire(key) {
			return ErrPending
		}

		gone := removal{ids: []models.ID{id}, root: !c.IsReply()}
		for _, r := range c.Replies {
			gone.ids = append(gone.ids, r.ID)
		}
		m.deleting[id] = gone
		tx.Total -= tx.Tree.Remove(id)

		op = NewOp(KindDelete, id)
		op.Begin()
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Mutation(string(KindDelete), metrics.OutcomeApplied)
	log.Debugf("[optimistic] delete %s applied to %v", requestid.Shorten(op.ID.String()), id)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		rctx, cancel := m.remoteContext(ctx)
		err := m.comments.DeleteComment(rctx, id)
		cancel()
		m.state.Read(func(*state.Tx) {
			delete(m.deleting, id)
		})
		m.guard.Release(key)

		if err != nil {
			op.Settle(StateDiverged, id, err)
			metrics.Mutation(string(KindDelete), metrics.OutcomeDiverged)
			log.Warnf("[optimistic] delete %s of %v failed, record stays removed locally: %v", requestid.Shorten(op.ID.String()), id, err)
			return
		}
		op.Settle(StateConfirmed, id, nil)
		metrics.Mutation(string(KindDelete), metrics.OutcomeConfirmed)
	}()

	return op, nil
}

// Deleting reports whether id was removed by a delete the comment store has
// not answered yet. It must be called from a state callback.
func (m *Manager) Deleting(id models.ID) bool {
	for _, gone := range m.deleting {
		for _, removed := range gone.ids {
			if removed == id {
				return true
			}
		}
	}
	return false
}

// DeletingCount returns how many top-level records and how many records in
// total the unanswered deletes removed. It must be called from a state callback.
func (m *Manager) DeletingCount() (roots, records int) {
	for _, gone := range m.deleting {
		if gone.root {
			roots++
		}
		records += len(gone.ids)
	}
	return roots, records
}

// Wait blocks until every remote call started by the manager has settled.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// remoteContext keeps the values of ctx but not its cancellation: a caller
// going away does not retract a mutation already shown.
func (m *Manager) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if m.timeout > 0 {
		return context.WithTimeout(ctx, m.timeout)
	}
	return context.WithCancel(ctx)
}

func (m *Manager) saveDraft(ctx context.Context, key models.DraftKey, body string) {
	if m.drafts == nil {
		return
	}

	ctx, cancel := m.remoteContext(ctx)
	defer cancel()

	if err := m.drafts.SaveDraft(ctx, models.Draft{Key: key, Body: body}); err != nil {
		log.Errorf("[optimistic] failed to save draft %s: %v", key, err)
	}
}

func (m *Manager) deleteDraft(ctx context.Context, key models.DraftKey) {
	if m.drafts == nil {
		return
	}

	ctx, cancel := m.remoteContext(ctx)
	defer cancel()

	if err := m.drafts.DeleteDraft(ctx, key); err != nil {
		log.Errorf("[optimistic] failed to delete draft %s: %v", key, err)
	}
}
