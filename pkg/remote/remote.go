// Package remote defines the collaborators that persist comments and reactions,
// and an HTTP client implementing them.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"lostfound/pkg/models"
)

// ReactionLike is the only reaction kind the discussion offers.
const ReactionLike = "like"

var (
	ErrUnauthorized = errors.New("not authorized by comment store")
	ErrForbidden    = errors.New("forbidden by comment store")
	ErrNotFound     = errors.New("not found in comment store")
)

type Page struct {
	Comments   []models.Comment
	TotalCount int
}

type CommentsService interface {
	Comments(ctx context.Context, itemID string, page, pageSize int) (Page, error)
	// AddComment returns the stored record carrying its server id. A zero
	// parentID creates a top-level comment.
	AddComment(ctx context.Context, itemID, userID, body string, parentID models.ID) (models.Comment, error)
	UpdateComment(ctx context.Context, id models.ID, body string) error
	DeleteComment(ctx context.Context, id models.ID) error
}

type ReactionsService interface {
	AddCommentReaction(ctx context.Context, id models.ID, userID, kind string) error
	RemoveCommentReaction(ctx context.Context, id models.ID, userID string) error
}

// StatusError is returned when the comment store answers with a non-2xx status.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: comment store returned status %d", e.Method, e.Path, e.Code)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}
