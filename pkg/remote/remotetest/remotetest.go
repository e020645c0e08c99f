// Package remotetest provides a scriptable comment store for tests. Every call
// blocks until the test resolves it, which makes completion order controllable.
package remotetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lostfound/pkg/models"
	"lostfound/pkg/remote"
)

const (
	MethodComments       = "Comments"
	MethodAddComment     = "AddComment"
	MethodUpdateComment  = "UpdateComment"
	MethodDeleteComment  = "DeleteComment"
	MethodAddReaction    = "AddCommentReaction"
	MethodRemoveReaction = "RemoveCommentReaction"
)

var ErrInjected = errors.New("injected failure")

const waitTimeout = 2 * time.Second

type reply struct {
	comment models.Comment
	page    remote.Page
	err     error
}

// Call is one outstanding request to the fake store.
type Call struct {
	Method   string
	ItemID   string
	UserID   string
	Body     string
	ID       models.ID
	ParentID models.ID
	Kind     string
	Page     int
	PageSize int

	once  sync.Once
	reply chan reply
}

func (c *Call) resolve(r reply) {
	c.once.Do(func() { c.reply <- r })
}

// Succeed resolves the call without error.
func (c *Call) Succeed() { c.resolve(reply{}) }

// Fail resolves the call with err.
func (c *Call) Fail(err error) { c.resolve(reply{err: err}) }

// Return resolves an AddComment call with the stored record.
func (c *Call) Return(comment models.Comment) { c.resolve(reply{comment: comment}) }

// ReturnPage resolves a Comments call.
func (c *Call) ReturnPage(p remote.Page) { c.resolve(reply{page: p}) }

// Store implements remote.CommentsService and remote.ReactionsService.
type Store struct {
	calls chan *Call
}

func New() *Store {
	return &Store{calls: make(chan *Call, 128)}
}

// Next returns the oldest unclaimed call, failing the test when none arrives.
func (s *Store) Next(t testing.TB) *Call {
	t.Helper()

	select {
	case c := <-s.calls:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a call to the comment store")
		return nil
	}
}

// Expect is Next that also checks the method.
func (s *Store) Expect(t testing.TB, method string) *Call {
	t.Helper()

	c := s.Next(t)
	if c.Method != method {
		t.Fatalf("want call %s, got %s", method, c.Method)
	}
	return c
}

// Idle fails the test if a call is waiting.
func (s *Store) Idle(t testing.TB) {
	t.Helper()

	select {
	case c := <-s.calls:
		t.Fatalf("want no pending calls, got %s", c.Method)
	default:
	}
}

// Serve resolves every call with handle until ctx is done.
func (s *Store) Serve(ctx context.Context, handle func(*Call)) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-s.calls:
				handle(c)
			}
		}
	}()
}

func (s *Store) send(ctx context.Context, c *Call) (reply, error) {
	c.reply = make(chan reply, 1)
	select {
	case s.calls <- c:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}

	select {
	case r := <-c.reply:
		return r, r.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (s *Store) Comments(ctx context.Context, itemID string, page, pageSize int) (remote.Page, error) {
	r, err := s.send(ctx, &Call{Method: MethodComments, ItemID: itemID, Page: page, PageSize: pageSize})
	return r.page, err
}

func (s *Store) AddComment(ctx context.Context, itemID, userID, body string, parentID models.ID) (models.Comment, error) {
	r, err := s.send(ctx, &Call{Method: MethodAddComment, ItemID: itemID, UserID: userID, Body: body, ParentID: parentID})
	return r.comment, err
}

func (s *Store) UpdateComment(ctx context.Context, id models.ID, body string) error {
	_, err := s.send(ctx, &Call{Method: MethodUpdateComment, ID: id, Body: body})
	return err
}

func (s *Store) DeleteComment(ctx context.Context, id models.ID) error {
	_, err := s.send(ctx, &Call{Method: MethodDeleteComment, ID: id})
	return err
}

func (s *Store) AddCommentReaction(ctx context.Context, id models.ID, userID, kind string) error {
	_, err := s.send(ctx, &Call{Method: MethodAddReaction, ID: id, UserID: userID, Kind: kind})
	return err
}

func (s *Store) RemoveCommentReaction(ctx context.Context, id models.ID, userID string) error {
	_, err := s.send(ctx, &Call{Method: MethodRemoveReaction, ID: id, UserID: userID})
	return err
}
