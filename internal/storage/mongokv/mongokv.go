// Package mongokv adapts a MongoDB item-storage backend into a
// storage.KeyValueStore, used as an alternative session-pool snapshot
// target when a crawl already runs alongside a MongoDB deployment.
package mongokv

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ravenq/raven/internal/request"
)

// Store is a MongoDB-backed storage.KeyValueStore: one document per key in
// a single collection, keyed by "_id".
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type kvDoc struct {
	ID    string `bson:"_id"`
	Value []byte `bson:"value"`
}

// New connects to uri and returns a Store backed by database.collection.
func New(ctx context.Context, uri, database, collection string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongokv: connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("mongokv: ping: %w", err)
	}

	return &Store{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var doc kvDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("mongokv: %w: %s", request.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("mongokv: find: %w", err)
	}
	return doc.Value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.collection.ReplaceOne(
		ctx,
		bson.M{"_id": key},
		kvDoc{ID: key, Value: value},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongokv: upsert: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return fmt.Errorf("mongokv: delete: %w", err)
	}
	return nil
}

// Close disconnects the underlying MongoDB client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
