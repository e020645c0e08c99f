// Package reaction toggles the current user's reaction on a comment.
//
// Each toggle flips the local flag and counter together at once. At most one
// remote call per comment is in flight; toggles made meanwhile only change the
// local flag, and when the call returns the toggler keeps calling the store
// until it agrees with what the user last saw. A failed call puts the local
// flag back to the last value the store confirmed.
package reaction

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"lostfound/pkg/metrics"
	"lostfound/pkg/models"
	"lostfound/pkg/optimistic"
	"lostfound/pkg/remote"
	"lostfound/pkg/state"
)

type flight struct {
	// server is the flag the store last confirmed.
	server  bool
	waiters []*optimistic.Op
}

type Toggler struct {
	state     *state.State
	reactions remote.ReactionsService
	timeout   time.Duration

	// flights is only touched inside state callbacks.
	flights map[models.ID]*flight
	wg      sync.WaitGroup
}

func New(st *state.State, reactions remote.ReactionsService, timeout time.Duration) *Toggler {
	return &Toggler{
		state:     st,
		reactions: reactions,
		timeout:   timeout,
		flights:   make(map[models.ID]*flight),
	}
}

// Toggle flips the reaction of user on comment id. The returned op settles when
// the store agrees with the local flag, or when a store call fails.
func (t *Toggler) Toggle(ctx context.Context, user models.User, id models.ID) (*optimistic.Op, error) {
	op := optimistic.NewOp(optimistic.KindReaction, id)

	var (
		fl    *flight
		start bool
	)
	err := t.state.Apply(func(tx *state.Tx) error {
		if id.Pending {
			return optimistic.ErrPending
		}
		c, ok := tx.Tree.Find(id)
		if !ok {
			return optimistic.ErrNotFound
		}

		fl = t.flights[id]
		if fl == nil {
			fl = &flight{server: c.Reacted}
			t.flights[id] = fl
			start = true
		}
		tx.Tree.Map(id, flip)
		fl.waiters = append(fl.waiters, op)

		op.Begin()
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Mutation(string(optimistic.KindReaction), metrics.OutcomeApplied)

	if start {
		t.wg.Add(1)
		go t.sync(ctx, user, id, fl)
	}

	return op, nil
}

// Wait blocks until no reaction call is in flight.
func (t *Toggler) Wait() {
	t.wg.Wait()
}

func (t *Toggler) sync(ctx context.Context, user models.User, id models.ID, fl *flight) {
	defer t.wg.Done()

	for {
		var (
			target  bool
			settled bool
			waiters []*optimistic.Op
		)

		closed := t.state.Closed()
		t.state.Read(func(tx *state.Tx) {
			c, ok := tx.Tree.Find(id)
			if closed || !ok || c.Reacted == fl.server {
				waiters = t.land(id, fl)
				settled = true
				return
			}
			target = c.Reacted
		})
		if settled {
			outcome, opState, err := metrics.OutcomeConfirmed, optimistic.StateConfirmed, error(nil)
			if closed {
				outcome, opState, err = metrics.OutcomeDiverged, optimistic.StateDiverged, state.ErrClosed
			}
			settle(waiters, opState, id, err, outcome)
			return
		}

		rctx, cancel := t.remoteContext(ctx)
		var err error
		if target {
			err = t.reactions.AddCommentReaction(rctx, id, user.ID, remote.ReactionLike)
		} else {
			err = t.reactions.RemoveCommentReaction(rctx, id, user.ID)
		}
		cancel()

		if err != nil {
			revert := func(tx *state.Tx) {
				tx.Tree.Map(id, func(c models.Comment) models.Comment {
					if c.Reacted != fl.server {
						return flip(c)
					}
					return c
				})
				waiters = t.land(id, fl)
			}
			if !t.state.Update(revert) {
				t.state.Read(func(tx *state.Tx) { waiters = t.land(id, fl) })
			}

			log.Warnf("[reaction] toggle of %v failed, restored reacted=%v: %v", id, fl.server, err)
			settle(waiters, optimistic.StateRolledBack, id, err, metrics.OutcomeRolledBack)
			return
		}

		t.state.Read(func(tx *state.Tx) { fl.server = target })
		log.Debugf("[reaction] store confirmed reacted=%v on %v", target, id)
	}
}

// land ends the flight of id and hands back its waiters. Must run inside a
// state callback.
func (t *Toggler) land(id models.ID, fl *flight) []*optimistic.Op {
	if t.flights[id] == fl {
		delete(t.flights, id)
	}
	waiters := fl.waiters
	fl.waiters = nil

	return waiters
}

func (t *Toggler) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if t.timeout > 0 {
		return context.WithTimeout(ctx, t.timeout)
	}
	return context.WithCancel(ctx)
}

func settle(ops []*optimistic.Op, st optimistic.OpState, id models.ID, err error, outcome string) {
	for _, op := range ops {
		op.Settle(st, id, err)
		metrics.Mutation(string(optimistic.KindReaction), outcome)
	}
}

// flip negates the reaction flag and moves the counter with it.
func flip(c models.Comment) models.Comment {
	c.Reacted = !c.Reacted
	if c.Reacted {
		c.ReactionCount++
	} else if c.ReactionCount > 0 {
		c.ReactionCount--
	}

	return c
}
