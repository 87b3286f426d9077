package receiver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/GlobalNOC/tsds-services/cache"
)

func testIdentifier(values ...string) string {
	sha := sha256.New()
	for _, value := range values {
		sha.Write([]byte(value))
	}
	return hex.EncodeToString(sha.Sum(nil))
}

func setUpdate(t *testing.T, model mongo.WriteModel) bson.M {
	t.Helper()

	update, ok := model.(*mongo.UpdateOneModel)
	require.True(t, ok)

	doc, ok := update.Update.(bson.D)
	require.True(t, ok)
	require.Len(t, doc, 1)

	set, ok := doc[0].Value.(bson.M)
	require.True(t, ok)
	return set
}

// TestProcessDelivery_NewMeasurement walks a single record through an empty
// store: the catalog entry is created, the optimistic set misses, and the
// upsert pass creates the bucket document with every observed value array
func TestProcessDelivery_NewMeasurement(t *testing.T) {
	ctx := context.Background()

	store := NewMockStore()
	ts := store.TypeMock("interface")
	worker, docCache := newTestWorker(store)

	body := `[{"type":"interface","time":1000000,"interval":60,"meta":{"node":"n1","port":"p1"},"values":{"in":10,"out":null}}]`
	require.NoError(t, worker.ProcessDelivery(ctx, []byte(body)))

	identifier := testIdentifier("n1", "p1")

	// one catalog entry, keyed by the sorted-required-field hash
	require.Len(t, ts.Inserted, 1)
	catalog := ts.Inserted[0]
	assert.Equal(t, bson.E{Key: "identifier", Value: identifier}, catalog[0])
	assert.Equal(t, bson.E{Key: "start", Value: int64(1000000)}, catalog[1])
	assert.Equal(t, bson.E{Key: "end", Value: nil}, catalog[2])
	assert.Contains(t, catalog, bson.E{Key: "node", Value: "n1"})
	assert.Contains(t, catalog, bson.E{Key: "port", Value: "p1"})

	// phase A missed (mock matched 0), so phase B ran ordered with the
	// upsert ahead of the set
	require.Len(t, ts.BulkCalls, 2)

	phaseA := ts.BulkCalls[0]
	assert.False(t, phaseA.Ordered)
	require.Len(t, phaseA.Models, 1)

	updates := setUpdate(t, phaseA.Models[0])
	assert.Equal(t, float64(10), updates["values.in.7.0.1"])
	assert.Contains(t, updates, "updated")
	// null values produce no cell write
	assert.Len(t, updates, 2)

	phaseB := ts.BulkCalls[1]
	assert.True(t, phaseB.Ordered)
	require.Len(t, phaseB.Models, 2)

	upsert, ok := phaseB.Models[0].(*mongo.UpdateOneModel)
	require.True(t, ok)
	require.NotNil(t, upsert.Upsert)
	assert.True(t, *upsert.Upsert)

	onInsert, ok := upsert.Update.(bson.D)
	require.True(t, ok)
	assert.Equal(t, "$setOnInsert", onInsert[0].Key)

	newDoc, ok := onInsert[0].Value.(bson.D)
	require.True(t, ok)
	assert.Equal(t, bson.E{Key: "identifier", Value: identifier}, newDoc[0])
	assert.Equal(t, bson.E{Key: "start", Value: int64(993600)}, newDoc[1])
	assert.Equal(t, bson.E{Key: "end", Value: int64(1000800)}, newDoc[2])
	assert.Equal(t, bson.E{Key: "interval", Value: int64(60)}, newDoc[4])

	// every observed value type gets an empty array, nulls included
	values, ok := newDoc[5].Value.(map[string]interface{})
	require.True(t, ok)
	assert.Len(t, values, 2)
	assert.Contains(t, values, "in")
	assert.Contains(t, values, "out")

	// the upsert pass refreshes the cache with the known value set
	cached, ok := docCache.Stored(cache.Key("interface", identifier))
	require.True(t, ok)
	assert.Equal(t, int64(993600), cached.Start)
	assert.Equal(t, int64(1000800), cached.End)
	assert.Equal(t, int64(60), cached.Interval)
	assert.Equal(t, map[string]bool{"in": true, "out": true}, cached.Values)
}

// TestProcessDelivery_ExistingDocument tests the hot path: a cached bucket
// with all value types present takes exactly one unordered bulk and no
// creates
func TestProcessDelivery_ExistingDocument(t *testing.T) {
	ctx := context.Background()

	store := NewMockStore()
	ts := store.TypeMock("interface")
	ts.BulkMatchedCount = 1
	worker, docCache := newTestWorker(store)

	identifier := testIdentifier("n1", "p1")
	docCache.Set(ctx, cache.Key("interface", identifier), cache.CachedDocument{
		Start:    993600,
		End:      1000800,
		Interval: 60,
		Values:   map[string]bool{"in": true, "out": true},
	})

	body := `[{"type":"interface","time":1000000,"interval":60,"meta":{"node":"n1","port":"p1"},"values":{"in":11}}]`
	require.NoError(t, worker.ProcessDelivery(ctx, []byte(body)))

	assert.Empty(t, ts.Inserted)
	assert.Empty(t, ts.ValueArrayCalls)

	// phase A matched everything, phase B never ran
	require.Len(t, ts.BulkCalls, 1)
	assert.False(t, ts.BulkCalls[0].Ordered)

	updates := setUpdate(t, ts.BulkCalls[0].Models[0])
	assert.Equal(t, float64(11), updates["values.in.7.0.1"])
}

// TestProcessDelivery_NewValueType tests lazy schema extension: the
// descriptor gains the value type, the bucket gains a guarded empty array,
// and the cache learns the new set
func TestProcessDelivery_NewValueType(t *testing.T) {
	ctx := context.Background()

	store := NewMockStore()
	ts := store.TypeMock("interface")
	ts.Meta = interfaceMetadata()
	ts.BulkMatchedCount = 1
	worker, docCache := newTestWorker(store)

	identifier := testIdentifier("n1", "p1")
	docCache.Set(ctx, cache.Key("interface", identifier), cache.CachedDocument{
		Start:    993600,
		End:      1000800,
		Interval: 60,
		Values:   map[string]bool{"in": true},
	})

	body := `[{"type":"interface","time":1000000,"interval":60,"meta":{"node":"n1","port":"p1"},"values":{"errors":5}}]`
	require.NoError(t, worker.ProcessDelivery(ctx, []byte(body)))

	// the metadata descriptor gained values.errors
	assert.Equal(t, []string{"errors"}, ts.RegisteredValues)

	// the bucket gained an errors array under the exists-false guard
	require.Len(t, ts.ValueArrayCalls, 1)
	call := ts.ValueArrayCalls[0]
	assert.Equal(t, identifier, call.Identifier)
	assert.Equal(t, int64(993600), call.Start)
	assert.Equal(t, int64(1000800), call.End)
	assert.Equal(t, "errors", call.Name)

	array, ok := call.Array.([]interface{})
	require.True(t, ok)
	assert.Len(t, array, 8)

	// the cache knows the new set
	cached, ok := docCache.Stored(cache.Key("interface", identifier))
	require.True(t, ok)
	assert.Equal(t, map[string]bool{"in": true, "errors": true}, cached.Values)
}

// TestProcessDelivery_CacheMissReadsStore tests that a stale cache falls
// back to one store read, never to a wrong write
func TestProcessDelivery_CacheMissReadsStore(t *testing.T) {
	ctx := context.Background()

	store := NewMockStore()
	ts := store.TypeMock("interface")
	ts.Meta = interfaceMetadata()
	ts.BulkMatchedCount = 1
	worker, docCache := newTestWorker(store)

	identifier := testIdentifier("n1", "p1")

	// the catalog and bucket exist, but the cache knows nothing
	require.NoError(t, ts.InsertMeasurement(ctx, bson.D{{Key: "identifier", Value: identifier}}))
	ts.Inserted = nil
	ts.BucketValues[identifier] = map[string]struct{}{"in": {}}

	body := `[{"type":"interface","time":1000000,"interval":60,"meta":{"node":"n1","port":"p1"},"values":{"in":12,"errors":1}}]`
	require.NoError(t, worker.ProcessDelivery(ctx, []byte(body)))

	// the existing catalog entry was left alone
	assert.Empty(t, ts.Inserted)

	// only the genuinely missing array was created
	require.Len(t, ts.ValueArrayCalls, 1)
	assert.Equal(t, "errors", ts.ValueArrayCalls[0].Name)

	cached, ok := docCache.Stored(cache.Key("interface", identifier))
	require.True(t, ok)
	assert.Equal(t, map[string]bool{"in": true, "errors": true}, cached.Values)
}

// TestProcessDelivery_MalformedBodies tests that undecodable deliveries are
// dropped whole without touching the store
func TestProcessDelivery_MalformedBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "NotJSON", body: `so not json`},
		{name: "NotAList", body: `{"type":"interface"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMockStore()
			ts := store.TypeMock("interface")
			worker, _ := newTestWorker(store)

			require.NoError(t, worker.ProcessDelivery(context.Background(), []byte(tt.body)))
			assert.Empty(t, ts.BulkCalls)
			assert.Empty(t, ts.Inserted)
		})
	}
}

// TestProcessDelivery_BadRecordsDontPoisonBatch tests that invalid records
// are skipped while the rest of the delivery still lands
func TestProcessDelivery_BadRecordsDontPoisonBatch(t *testing.T) {
	ctx := context.Background()

	store := NewMockStore()
	ts := store.TypeMock("interface")
	ts.BulkMatchedCount = 1
	worker, docCache := newTestWorker(store)

	identifier := testIdentifier("n1", "p1")
	docCache.Set(ctx, cache.Key("interface", identifier), cache.CachedDocument{
		Start:    993600,
		End:      1000800,
		Interval: 60,
		Values:   map[string]bool{"in": true},
	})

	body := `[
		{"type":"unknowntype","time":1000000,"interval":60,"meta":{"node":"n1"},"values":{"in":1}},
		{"type":"interface","time":1000000,"interval":7,"meta":{"node":"n1","port":"p1"},"values":{"in":1}},
		{"type":"interface","time":1000000,"interval":60,"meta":{"node":"n1","port":"p1"},"values":{"in":10}}
	]`
	require.NoError(t, worker.ProcessDelivery(ctx, []byte(body)))

	require.Len(t, ts.BulkCalls, 1)
	require.Len(t, ts.BulkCalls[0].Models, 1)
}

// TestProcessDelivery_TransientStoreFailure tests that a dropped store
// connection surfaces for requeue instead of acking the delivery
func TestProcessDelivery_TransientStoreFailure(t *testing.T) {
	ctx := context.Background()

	errDropped := errors.New("connection dropped")

	store := NewMockStore()
	store.TransientErrs = []error{errDropped}
	ts := store.TypeMock("interface")
	ts.MeasurementErr = errDropped
	worker, _ := newTestWorker(store)

	body := `[{"type":"interface","time":1000000,"interval":60,"meta":{"node":"n1","port":"p1"},"values":{"in":10}}]`
	err := worker.ProcessDelivery(ctx, []byte(body))

	assert.ErrorIs(t, err, ErrTransientStore)
}

// TestProcessDelivery_CreateOnce tests that concurrent workers racing on a
// brand-new identity produce exactly one catalog entry
func TestProcessDelivery_CreateOnce(t *testing.T) {
	ctx := context.Background()

	store := NewMockStore()
	ts := store.TypeMock("interface")
	ts.BulkMatchedCount = 1

	registry := NewSchemaRegistry(nil, testLogger())
	registry.loadType("interface", interfaceMetadata())

	var mu sync.Mutex

	body := `[{"type":"interface","time":1000000,"interval":60,"meta":{"node":"n1","port":"p1"},"values":{"in":10}}]`

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		worker := NewWorker(i, registry, &mu, store, cache.NewMockCache(), testLogger())
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, worker.ProcessDelivery(ctx, []byte(body)))
		}()
	}
	wg.Wait()

	assert.Len(t, ts.Inserted, 1)
}
