package memdb

import (
	"context"
	"sync"
	"time"

	"lostfound/pkg/drafts"
	"lostfound/pkg/models"
)

type Store struct {
	mu     sync.Mutex
	drafts map[models.DraftKey]models.Draft
}

func New() *Store {
	db := Store{
		drafts: make(map[models.DraftKey]models.Draft),
	}

	return &db
}

func (db *Store) SaveDraft(ctx context.Context, d models.Draft) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if d.Saved.IsZero() {
		d.Saved = time.Now().UTC()
	}
	db.drafts[d.Key] = d

	return nil
}

func (db *Store) Draft(ctx context.Context, key models.DraftKey) (models.Draft, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	d, ok := db.drafts[key]
	if !ok {
		return models.Draft{}, drafts.ErrDraftNotFound
	}

	return d, nil
}

func (db *Store) DeleteDraft(ctx context.Context, key models.DraftKey) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	delete(db.drafts, key)
	return nil
}
