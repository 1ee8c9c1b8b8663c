package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore reads prescription documents of the form
// {codeId: string, medicines: [...]} from a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects to uri and verifies the connection.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{client: client, coll: client.Database(database).Collection(collection)}, nil
}

func (s *MongoStore) FindByCode(ctx context.Context, code string) (*Record, error) {
	var doc bson.M
	err := s.coll.FindOne(ctx, bson.M{"codeId": code},
		options.FindOne().SetProjection(bson.M{"_id": 0})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find prescription %s: %w", code, err)
	}
	return recordFromBSON(doc)
}

// recordFromBSON converts a decoded document through relaxed extended
// JSON so that the rest of the package deals with one representation.
func recordFromBSON(doc bson.M) (*Record, error) {
	ext, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(ext, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return recordFromDocument(fields)
}

func (s *MongoStore) Upsert(ctx context.Context, rec *Record) error {
	doc := bson.M{"codeId": rec.CodeID}
	for k, v := range rec.Details {
		doc[k] = v
	}
	if len(rec.Medicines) > 0 {
		var wrapped bson.M
		if err := bson.UnmarshalExtJSON(wrapValue(rec.Medicines), false, &wrapped); err != nil {
			return fmt.Errorf("encode medicines: %w", err)
		}
		doc["medicines"] = wrapped["v"]
	} else {
		doc["medicines"] = bson.A{}
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"codeId": rec.CodeID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert prescription %s: %w", rec.CodeID, err)
	}
	return nil
}

// wrapValue embeds a bare JSON value in a document, since extended JSON
// decoding requires a top-level object.
func wrapValue(v json.RawMessage) []byte {
	out := make([]byte, 0, len(v)+6)
	out = append(out, `{"v":`...)
	out = append(out, v...)
	return append(out, '}')
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
