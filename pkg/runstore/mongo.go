package runstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	pberrors "github.com/cbruyndoncx/paperbanana-lite/pkg/errors"
)

// CollectionName is the collection holding run summaries.
const CollectionName = "runs"

// MongoStore keeps summaries in a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	owned  bool
}

// NewMongoStore connects to uri and verifies the connection.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := NewMongoStoreFromClient(client, database)
	s.owned = true
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// NewMongoStoreFromClient wraps an existing client. Close does not
// disconnect a client it did not create.
func NewMongoStoreFromClient(client *mongo.Client, database string) *MongoStore {
	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(CollectionName),
	}
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create run indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Put(ctx context.Context, sum Summary) error {
	if sum.ID == "" {
		return pberrors.Validation("run id is empty")
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": sum.ID}, sum, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put run %s: %w", sum.ID, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (Summary, error) {
	var sum Summary
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&sum)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Summary{}, pberrors.New(pberrors.ErrCodeNotFound, "run %q not found", id)
	}
	if err != nil {
		return Summary{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return sum, nil
}

func (s *MongoStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	find := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if opts.Limit > 0 {
		find.SetLimit(int64(opts.Limit))
	}
	cur, err := s.coll.Find(ctx, listFilter(opts), find)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var out []Summary
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func (s *MongoStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

func listFilter(opts ListOptions) bson.M {
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = opts.Status
	}
	if opts.Mode != "" {
		filter["mode"] = opts.Mode
	}
	return filter
}

var _ Store = (*MongoStore)(nil)
