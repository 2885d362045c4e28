package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"rollcall/internal/platform/config"
	dErrors "rollcall/pkg/domain-errors"
)

// Connect opens the document database and pings the primary.
func Connect(ctx context.Context, cfg config.DocumentConfig) (*mongo.Client, *mongo.Database, error) {
	if cfg.MongoURI == "" {
		return nil, nil, dErrors.New(dErrors.CodeConfiguration, "MONGO_URI is required").WithField("setting", "MONGO_URI")
	}
	opts := options.Client().
		ApplyURI(cfg.MongoURI).
		SetConnectTimeout(10 * time.Second).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "connect to mongodb")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongodb ping failed: %w", err)
	}
	return client, client.Database(cfg.MongoDatabase), nil
}
