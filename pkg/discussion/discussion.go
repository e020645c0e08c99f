// Package discussion is the entry point of the comment engine. A Controller owns
// the local copy of one item's discussion; every read goes through snapshots and
// every change through its methods.
package discussion

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"lostfound/pkg/auth"
	"lostfound/pkg/drafts"
	"lostfound/pkg/metrics"
	"lostfound/pkg/models"
	"lostfound/pkg/optimistic"
	"lostfound/pkg/pager"
	"lostfound/pkg/reaction"
	"lostfound/pkg/remote"
	"lostfound/pkg/state"
)

const (
	DefaultPageSize   = 20
	DefaultMaxBodyLen = 2000
	DefaultTimeout    = 10 * time.Second
)

var (
	ErrEmptyBody        = errors.New("comment body is empty")
	ErrBodyTooLong      = errors.New("comment body is too long")
	ErrNotAuthenticated = errors.New("sign in required")
	ErrBusy             = errors.New("same submission already in flight")
	ErrLoading          = errors.New("comments are already loading")
	ErrNoMore           = errors.New("no more comments to load")

	ErrForbidden = optimistic.ErrForbidden
	ErrNotFound  = optimistic.ErrNotFound
	ErrPending   = optimistic.ErrPending
	ErrClosed    = state.ErrClosed
)

// errStale marks a page answer overtaken by a newer page 1 load.
var errStale = errors.New("stale page")

type Config struct {
	ItemID string
	// OwnerID is the user who posted the item; their comments get the author badge.
	OwnerID    string
	PageSize   int
	Timeout    time.Duration
	MaxBodyLen int
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxBodyLen <= 0 {
		c.MaxBodyLen = DefaultMaxBodyLen
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// View is a snapshot together with what a view needs to render it.
type View struct {
	ItemID  string `json:"item_id"`
	OwnerID string `json:"owner_id"`
	state.Snapshot
}

type Controller struct {
	cfg      Config
	session  auth.Session
	comments remote.CommentsService
	drafts   drafts.Store

	state   *state.State
	guard   *optimistic.Guard
	manager *optimistic.Manager
	toggler *reaction.Toggler

	// gen counts page 1 loads; answers of older loads are dropped.
	gen         atomic.Uint64
	loadingMore atomic.Bool
}

// New returns a controller for cfg.ItemID. store may be nil, then failed
// submissions are not kept as drafts.
func New(cfg Config, session auth.Session, comments remote.CommentsService, reactions remote.ReactionsService, store drafts.Store) *Controller {
	cfg = cfg.withDefaults()

	st := state.New()
	guard := optimistic.NewGuard()

	return &Controller{
		cfg:      cfg,
		session:  session,
		comments: comments,
		drafts:   store,
		state:    st,
		guard:    guard,
		manager: optimistic.NewManager(st, comments, guard, optimistic.Config{
			ItemID:  cfg.ItemID,
			Timeout: cfg.Timeout,
			Drafts:  store,
		}),
		toggler: reaction.New(st, reactions, cfg.Timeout),
	}
}

func (c *Controller) Config() Config {
	return c.cfg
}

// Load fetches page 1 unless the discussion was loaded or is loading already.
func (c *Controller) Load(ctx context.Context) error {
	var loaded bool
	c.state.Read(func(tx *state.Tx) {
		loaded = tx.Page > 0 || tx.Status == state.StatusLoading
	})
	if loaded {
		return nil
	}

	return c.Refresh(ctx)
}

// Refresh fetches page 1 and replaces the local discussion with it. Pending
// records are dropped.
func (c *Controller) Refresh(ctx context.Context) error {
	gen := c.gen.Add(1)

	if !c.state.Update(func(tx *state.Tx) { tx.Status = state.StatusLoading }) {
		return ErrClosed
	}

	page, err := c.fetch(ctx, 1)
	if err != nil {
		c.loadFailed(gen)
		return err
	}

	err = c.state.Apply(func(tx *state.Tx) error {
		if c.gen.Load() != gen {
			return errStale
		}

		deletingRoots, deletingAll := c.manager.DeletingCount()

		res := pager.Fold(tx.Tree, c.withoutDeleting(page.Comments), 1, page.TotalCount-deletingRoots)
		tx.Tree.Reset()
		for _, cm := range res.Added {
			tx.Tree.Ingest(cm)
		}
		tx.Total = page.TotalCount - deletingAll
		tx.HasMore = res.HasMore
		tx.Page = 1
		tx.Status = state.StatusReady
		return nil
	})
	if errors.Is(err, errStale) {
		log.Debugf("[discussion] %s: dropped page 1 answer of an older load", c.cfg.ItemID)
		return nil
	}

	return err
}

// LoadMore fetches the next page and appends the top-level comments not held yet.
func (c *Controller) LoadMore(ctx context.Context) error {
	if !c.loadingMore.CompareAndSwap(false, true) {
		return ErrLoading
	}
	defer c.loadingMore.Store(false)

	gen := c.gen.Load()

	var next int
	err := c.state.Apply(func(tx *state.Tx) error {
		switch {
		case tx.Status == state.StatusLoading:
			return ErrLoading
		case !tx.HasMore:
			return ErrNoMore
		}
		next = tx.Page + 1
		tx.Status = state.StatusLoading
		return nil
	})
	if err != nil {
		return err
	}

	page, err := c.fetch(ctx, next)
	if err != nil {
		c.loadFailed(gen)
		return err
	}

	err = c.state.Apply(func(tx *state.Tx) error {
		if c.gen.Load() != gen {
			return errStale
		}

		pendingRoots := tx.Tree.Count(func(cm models.Comment) bool {
			return cm.ID.Pending && !cm.IsReply()
		})
		pendingAll := tx.Tree.Count(func(cm models.Comment) bool {
			return cm.ID.Pending
		})

		// The server total still counts records whose delete is unanswered.
		deletingRoots, deletingAll := c.manager.DeletingCount()

		res := pager.Fold(tx.Tree, c.withoutDeleting(page.Comments), next, page.TotalCount+pendingRoots-deletingRoots)
		for _, cm := range res.Added {
			tx.Tree.Ingest(cm)
		}
		tx.Total = page.TotalCount + pendingAll - deletingAll
		tx.HasMore = res.HasMore
		tx.Page = next
		tx.Status = state.StatusReady
		return nil
	})
	if errors.Is(err, errStale) {
		log.Debugf("[discussion] %s: dropped page %d answer of an older load", c.cfg.ItemID, next)
		return nil
	}

	return err
}

// withoutDeleting drops fetched records removed by unanswered deletes. Must be
// called from a state callback.
func (c *Controller) withoutDeleting(fetched []models.Comment) []models.Comment {
	out := make([]models.Comment, 0, len(fetched))
	for _, cm := range fetched {
		if c.manager.Deleting(cm.ID) {
			continue
		}
		if len(cm.Replies) > 0 {
			cm.Replies = c.withoutDeleting(cm.Replies)
		}
		out = append(out, cm)
	}
	return out
}

func (c *Controller) fetch(ctx context.Context, page int) (remote.Page, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	p, err := c.comments.Comments(ctx, c.cfg.ItemID, page, c.cfg.PageSize)
	metrics.PageLoaded(err)
	if err != nil {
		log.Errorf("[discussion] %s: failed to load page %d: %v", c.cfg.ItemID, page, err)
		return remote.Page{}, err
	}
	log.Debugf("[discussion] %s: page %d brought %d comments of %d", c.cfg.ItemID, page, len(p.Comments), p.TotalCount)

	return p, nil
}

func (c *Controller) loadFailed(gen uint64) {
	c.state.Update(func(tx *state.Tx) {
		if c.gen.Load() != gen {
			return
		}
		if tx.Page > 0 {
			tx.Status = state.StatusReady
		} else {
			tx.Status = state.StatusIdle
		}
	})
}

// SubmitComment posts a top-level comment.
func (c *Controller) SubmitComment(ctx context.Context, body string) (*optimistic.Op, error) {
	return c.submit(ctx, models.ID{}, body)
}

// SubmitReply posts a reply to parentID. Replies to replies go to the top-level
// comment above them.
func (c *Controller) SubmitReply(ctx context.Context, parentID models.ID, body string) (*optimistic.Op, error) {
	if parentID.IsZero() {
		return nil, ErrNotFound
	}
	return c.submit(ctx, parentID, body)
}

func (c *Controller) submit(ctx context.Context, parentID models.ID, body string) (*optimistic.Op, error) {
	user, err := c.user()
	if err != nil {
		return nil, err
	}
	body, err = c.validate(body)
	if err != nil {
		return rejected(optimistic.KindCreate, err)
	}

	key := optimistic.Key{Action: optimistic.ActionCompose, Target: parentID}
	if !c.guard.Acquire(key) {
		return rejected(optimistic.KindCreate, ErrBusy)
	}

	op, err := c.manager.Create(ctx, user, parentID, body)
	if err != nil {
		c.guard.Release(key)
		return nil, err
	}

	go func() {
		<-op.Done()
		c.guard.Release(key)
	}()

	return op, nil
}

// EditComment replaces the body of a comment the current user wrote.
func (c *Controller) EditComment(ctx context.Context, id models.ID, body string) (*optimistic.Op, error) {
	user, err := c.user()
	if err != nil {
		return nil, err
	}
	body, err = c.validate(body)
	if err != nil {
		return rejected(optimistic.KindEdit, err)
	}

	return c.manager.Edit(ctx, user, id, body)
}

// DeleteComment removes a comment of the current user, or any comment when the
// user is a moderator.
func (c *Controller) DeleteComment(ctx context.Context, id models.ID) (*optimistic.Op, error) {
	user, err := c.user()
	if err != nil {
		return nil, err
	}

	return c.manager.Delete(ctx, user, id)
}

func (c *Controller) ToggleReaction(ctx context.Context, id models.ID) (*optimistic.Op, error) {
	user, err := c.user()
	if err != nil {
		return nil, err
	}

	return c.toggler.Toggle(ctx, user, id)
}

// Draft returns the text the current user last failed to submit from the
// composer of parentID, zero for the top-level composer.
func (c *Controller) Draft(ctx context.Context, parentID models.ID) (models.Draft, error) {
	user, err := c.user()
	if err != nil {
		return models.Draft{}, err
	}
	if c.drafts == nil {
		return models.Draft{}, drafts.ErrDraftNotFound
	}

	return c.drafts.Draft(ctx, models.DraftKey{ItemID: c.cfg.ItemID, ParentID: parentID, UserID: user.ID})
}

func (c *Controller) Snapshot() state.Snapshot {
	return c.state.Snapshot()
}

func (c *Controller) View() View {
	return View{
		ItemID:   c.cfg.ItemID,
		OwnerID:  c.cfg.OwnerID,
		Snapshot: c.state.Snapshot(),
	}
}

// Subscribe delivers the latest snapshot after every change. Call the returned
// func to stop.
func (c *Controller) Subscribe() (<-chan state.Snapshot, func()) {
	return c.state.Subscribe()
}

// IsOwner reports whether cm was written by the owner of the item.
func (c *Controller) IsOwner(cm models.Comment) bool {
	return cm.IsOwnedBy(c.cfg.OwnerID)
}

// Close stops the discussion: late answers of the comment store no longer
// change it and every method that would change it returns ErrClosed.
func (c *Controller) Close() {
	c.state.Close()
	log.Debugf("[discussion] %s: closed", c.cfg.ItemID)
}

// Wait blocks until every remote call started by mutations has settled.
func (c *Controller) Wait() {
	c.manager.Wait()
	c.toggler.Wait()
}

func (c *Controller) user() (models.User, error) {
	if c.state.Closed() {
		return models.User{}, ErrClosed
	}

	user, ok := c.session.CurrentUser()
	if !ok {
		c.session.RequestLogin()
		return models.User{}, ErrNotAuthenticated
	}

	return user, nil
}

func rejected(kind optimistic.Kind, err error) (*optimistic.Op, error) {
	metrics.Mutation(string(kind), metrics.OutcomeRejected)
	return nil, err
}

func (c *Controller) validate(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > c.cfg.MaxBodyLen {
		return "", ErrBodyTooLong
	}

	return body, nil
}
