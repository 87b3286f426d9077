// Package db implements the receiver's document-store interfaces on top of
// MongoDB. One database per measurement type, each with four collections:
// "data" (bucket documents), "measurements" (the catalog), "metadata" (the
// type descriptor), and "event" (event buckets).
package db

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/GlobalNOC/tsds-services/receiver"
)

// MongoStore implements receiver.Store over a MongoDB client. Methods return
// driver errors unwrapped so that transient classification can inspect them.
type MongoStore struct {
	client *mongo.Client
}

// Connect dials the MongoDB server at host:port and verifies it with a
// ping, so that an unreachable store fails startup instead of the first
// delivery.
func Connect(ctx context.Context, host string, port int) (*MongoStore, error) {
	uri := fmt.Sprintf("mongodb://%s:%d", host, port)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo at %s: %w", uri, err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo at %s: %w", uri, err)
	}

	return &MongoStore{client: client}, nil
}

// DatabaseNames enumerates all databases in the store.
func (s *MongoStore) DatabaseNames(ctx context.Context) ([]string, error) {
	return s.client.ListDatabaseNames(ctx, bson.D{})
}

// Type returns the per-type handle for the named database.
func (s *MongoStore) Type(name string) receiver.TypeStore {
	return &mongoTypeStore{db: s.client.Database(name)}
}

// IsTransient reports whether the error is a dropped connection or timeout
// worth a redelivery rather than an ack. The whole chain is walked since
// callers wrap store errors with context.
func (s *MongoStore) IsTransient(err error) bool {
	for err != nil {
		if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type mongoTypeStore struct {
	db *mongo.Database
}

func (t *mongoTypeStore) data() *mongo.Collection         { return t.db.Collection("data") }
func (t *mongoTypeStore) measurements() *mongo.Collection { return t.db.Collection("measurements") }
func (t *mongoTypeStore) metadata() *mongo.Collection     { return t.db.Collection("metadata") }
func (t *mongoTypeStore) events() *mongo.Collection       { return t.db.Collection("event") }

// Metadata reads the type's single descriptor document, or nil when the
// type has none.
func (t *mongoTypeStore) Metadata(ctx context.Context) (*receiver.Metadata, error) {
	var metadata receiver.Metadata

	err := t.metadata().FindOne(ctx, bson.D{}).Decode(&metadata)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &metadata, nil
}

// RegisterValueType persists values.<name> into the descriptor. The update
// intentionally targets a single document.
func (t *mongoTypeStore) RegisterValueType(ctx context.Context, name string) error {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "values." + name, Value: bson.D{
			{Key: "description", Value: name},
			{Key: "units", Value: name},
		}},
	}}}

	_, err := t.metadata().UpdateOne(ctx, bson.D{}, update)
	return err
}

// HasMeasurement reports whether the catalog holds an entry for the
// identifier.
func (t *mongoTypeStore) HasMeasurement(ctx context.Context, identifier string) (bool, error) {
	filter := bson.D{{Key: "identifier", Value: identifier}}

	err := t.measurements().FindOne(ctx, filter, options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertMeasurement creates a catalog entry.
func (t *mongoTypeStore) InsertMeasurement(ctx context.Context, doc bson.D) error {
	_, err := t.measurements().InsertOne(ctx, doc)
	return err
}

// BucketValueTypes fetches the value-type names present on a bucket
// document.
func (t *mongoTypeStore) BucketValueTypes(ctx context.Context, identifier string, start, end int64) (map[string]struct{}, bool, error) {
	filter := bson.D{
		{Key: "identifier", Value: identifier},
		{Key: "start", Value: start},
		{Key: "end", Value: end},
	}

	var doc struct {
		Values map[string]interface{} `bson:"values"`
	}

	err := t.data().FindOne(ctx, filter, options.FindOne().SetProjection(bson.D{{Key: "values", Value: 1}})).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	values := make(map[string]struct{}, len(doc.Values))
	for name := range doc.Values {
		values[name] = struct{}{}
	}

	return values, true, nil
}

// SetValueArrayIfAbsent writes the empty array for a value type, guarded so
// the set only applies while the field is still missing.
func (t *mongoTypeStore) SetValueArrayIfAbsent(ctx context.Context, identifier string, start, end int64, name string, array interface{}) error {
	field := "values." + name

	filter := bson.D{
		{Key: "identifier", Value: identifier},
		{Key: "start", Value: start},
		{Key: "end", Value: end},
		{Key: field, Value: bson.D{{Key: "$exists", Value: false}}},
	}

	update := bson.D{{Key: "$set", Value: bson.D{{Key: field, Value: array}}}}

	_, err := t.data().UpdateOne(ctx, filter, update)
	return err
}

// BulkWrite executes the models against the data collection.
func (t *mongoTypeStore) BulkWrite(ctx context.Context, models []mongo.WriteModel, ordered bool) (*mongo.BulkWriteResult, error) {
	if len(models) == 0 {
		return &mongo.BulkWriteResult{}, nil
	}
	return t.data().BulkWrite(ctx, models, options.BulkWrite().SetOrdered(ordered))
}

// FindEventDoc looks up the event document for an aligned window and event
// type.
func (t *mongoTypeStore) FindEventDoc(ctx context.Context, alignedStart int64, eventType string) (interface{}, bool, error) {
	filter := bson.D{
		{Key: "start", Value: alignedStart},
		{Key: "type", Value: eventType},
	}

	var doc struct {
		ID interface{} `bson:"_id"`
	}

	err := t.events().FindOne(ctx, filter, options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return doc.ID, true, nil
}

// InsertEventDoc creates an event document and returns its id.
func (t *mongoTypeStore) InsertEventDoc(ctx context.Context, doc bson.D) (interface{}, error) {
	result, err := t.events().InsertOne(ctx, doc)
	if err != nil {
		return nil, err
	}
	return result.InsertedID, nil
}

// SetEventEnd matches an in-list event entry on start+text+affected and
// positionally updates its end. The nested affected form must equal the
// stored form exactly for the match to hit.
func (t *mongoTypeStore) SetEventEnd(ctx context.Context, docID interface{}, start int64, text string, affected bson.D, end interface{}) (bool, error) {
	filter := bson.D{
		{Key: "_id", Value: docID},
		{Key: "events.start", Value: start},
		{Key: "events.text", Value: text},
		{Key: "events.affected", Value: affected},
	}

	update := bson.D{{Key: "$set", Value: bson.D{{Key: "events.$.end", Value: end}}}}

	result, err := t.events().UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}

	return result.MatchedCount > 0, nil
}

// AddEvent appends an event entry with set semantics, so replaying an
// identical event collapses into the existing entry.
func (t *mongoTypeStore) AddEvent(ctx context.Context, docID interface{}, entry bson.D) error {
	filter := bson.D{{Key: "_id", Value: docID}}
	update := bson.D{{Key: "$addToSet", Value: bson.D{{Key: "events", Value: entry}}}}

	_, err := t.events().UpdateOne(ctx, filter, update)
	return err
}
