package documents

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rollcall/internal/lifecycle/ports"
	"rollcall/pkg/platform/sentinel"
)

// Mongo implements ports.DocumentStore with one MongoDB collection per
// document collection and the document id stored as _id.
type Mongo struct {
	db *mongo.Database
}

func NewMongo(db *mongo.Database) (*Mongo, error) {
	if db == nil {
		return nil, errors.New("mongo database is required")
	}
	return &Mongo{db: db}, nil
}

func (m *Mongo) PutDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	doc := bson.M{"_id": id}
	for k, v := range fields {
		doc[k] = v
	}
	_, err := m.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace %s/%s: %w", collection, id, classifyMongo(err))
	}
	return nil
}

func (m *Mongo) DeleteWhere(ctx context.Context, collection string, filter ports.Filter) (int, error) {
	res, err := m.db.Collection(collection).DeleteMany(ctx, bson.M{filter.Field: filter.Value})
	if err != nil {
		return 0, fmt.Errorf("delete %s where %s: %w", collection, filter.Field, classifyMongo(err))
	}
	return int(res.DeletedCount), nil
}

func (m *Mongo) DeleteDocument(ctx context.Context, collection, id string) error {
	res, err := m.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, classifyMongo(err))
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, sentinel.ErrNotFound)
	}
	return nil
}

func classifyMongo(err error) error {
	switch {
	case mongo.IsDuplicateKeyError(err):
		return errors.Join(sentinel.ErrConflict, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, mongo.ErrClientDisconnected):
		return errors.Join(sentinel.ErrUnavailable, err)
	default:
		return err
	}
}
