package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"lostfound/pkg/drafts"
	"lostfound/pkg/models"
)

const collDrafts = "drafts"

var (
	ErrConnectDB       = fmt.Errorf("unable to establish DB connection")
	ErrDBNotResponding = fmt.Errorf("DB not responding")
)

type Storage struct {
	client *mongo.Client
	dbName string
}

// draftDoc is the stored form of a draft. The composite key is the document id
// so that a composer never holds more than one draft.
type draftDoc struct {
	Key      string    `bson:"_id"`
	ItemID   string    `bson:"item_id"`
	ParentID string    `bson:"parent_id"`
	UserID   string    `bson:"user_id"`
	Body     string    `bson:"body"`
	Saved    time.Time `bson:"saved"`
}

func New(ctx context.Context, conf *Config) (*Storage, error) {
	client, err := mongo.Connect(ctx, conf.Options())
	if err != nil {
		return nil, err
	}

	s := Storage{client: client, dbName: conf.DBName}
	if err := s.createCollection(ctx, collDrafts); err != nil {
		client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}

	return &s, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// SaveDraft stores the draft, replacing any draft previously saved for the same composer.
// A zero Saved time is set to now.
func (s *Storage) SaveDraft(ctx context.Context, d models.Draft) error {
	if d.Saved.IsZero() {
		d.Saved = time.Now().UTC()
	}

	doc := draftDoc{
		Key:      d.Key.String(),
		ItemID:   d.Key.ItemID,
		ParentID: d.Key.ParentID.String(),
		UserID:   d.Key.UserID,
		Body:     d.Body,
		Saved:    d.Saved,
	}

	coll := s.client.Database(s.dbName).Collection(collDrafts)
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": doc.Key}, doc, options.Replace().SetUpsert(true))
	return err
}

// Draft returns the draft saved for key or drafts.ErrDraftNotFound.
func (s *Storage) Draft(ctx context.Context, key models.DraftKey) (models.Draft, error) {
	coll := s.client.Database(s.dbName).Collection(collDrafts)

	var doc draftDoc
	err := coll.FindOne(ctx, bson.M{"_id": key.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Draft{}, drafts.ErrDraftNotFound
		}
		return models.Draft{}, err
	}

	parentID, err := models.ParseID(doc.ParentID)
	if err != nil {
		return models.Draft{}, err
	}

	return models.Draft{
		Key:   models.DraftKey{ItemID: doc.ItemID, ParentID: parentID, UserID: doc.UserID},
		Body:  doc.Body,
		Saved: doc.Saved.UTC(),
	}, nil
}

// DeleteDraft removes the draft saved for key. Deleting a missing draft is not an error.
func (s *Storage) DeleteDraft(ctx context.Context, key models.DraftKey) error {
	coll := s.client.Database(s.dbName).Collection(collDrafts)
	_, err := coll.DeleteOne(ctx, bson.M{"_id": key.String()})
	return err
}

// createCollection creates a collection with the given name in the database if it doesn't already exist.
func (s *Storage) createCollection(ctx context.Context, collName string) error {
	collExists, err := collectionExists(ctx, s.client.Database(s.dbName), collName)
	if err != nil {
		return err
	}

	if !collExists {
		err := s.client.Database(s.dbName).CreateCollection(ctx, collName)
		if err != nil {
			return err
		}
	}

	return nil
}

// collectionExists checks if a collection with the given name exists in the database.
func collectionExists(ctx context.Context, db *mongo.Database, collName string) (bool, error) {
	names, err := db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return false, fmt.Errorf("failed to list collection names: %w", err)
	}

	for _, name := range names {
		if name == collName {
			return true, nil
		}
	}

	return false, nil
}
