// Package drafts keeps text a user submitted but that never reached the comment
// store, so a composer can offer it again.
package drafts

import (
	"context"
	"errors"

	"lostfound/pkg/models"
)

var ErrDraftNotFound = errors.New("draft not found")

type Store interface {
	SaveDraft(ctx context.Context, d models.Draft) error
	// Draft returns ErrDraftNotFound when nothing is saved under key.
	Draft(ctx context.Context, key models.DraftKey) (models.Draft, error)
	DeleteDraft(ctx context.Context, key models.DraftKey) error
}
