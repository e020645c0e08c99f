package mongo

import "context"

var MongoTestConf = &Config{
	Host:   "localhost",
	Port:   "27018",
	DBName: "drafts_test",
}

// StorageConnect is a helper function that establishes a connection to the predefined test Mongo instance.
// It returns a connected Storage object or an error if connection fails.
func StorageConnect(ctx context.Context) (*Storage, error) {
	db, err := New(ctx, MongoTestConf)
	if err != nil {
		return nil, ErrConnectDB
	}

	err = db.Ping(ctx)
	if err != nil {
		db.Close(context.WithoutCancel(ctx))
		return nil, ErrDBNotResponding
	}

	return db, nil
}

// RestoreDB drops the "drafts" collection to reset the database state.
// WARNING: Use only in tests to avoid data loss.
func RestoreDB(ctx context.Context, db *Storage) error {
	coll := db.client.Database(db.dbName).Collection(collDrafts)
	return coll.Drop(ctx)
}
