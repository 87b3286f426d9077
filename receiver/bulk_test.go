package receiver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

// TestFlushBatch_BulkWriteErrorIsBestEffort tests that a bulk write
// exception is logged and the delivery still counts as processed
func TestFlushBatch_BulkWriteErrorIsBestEffort(t *testing.T) {
	ctx := context.Background()

	store := NewMockStore()
	ts := store.TypeMock("interface")
	ts.BulkErr = mongo.BulkWriteException{}
	worker, _ := newTestWorker(store)

	body := `[{"type":"interface","time":1000000,"interval":60,"meta":{"node":"n1","port":"p1"},"values":{"in":10}}]`
	assert.NoError(t, worker.ProcessDelivery(ctx, []byte(body)))
}

// TestFlushBatch_TransientBulkErrorRequeues tests that a dropped connection
// during the flush surfaces for redelivery
func TestFlushBatch_TransientBulkErrorRequeues(t *testing.T) {
	ctx := context.Background()

	errDropped := errors.New("connection dropped")

	store := NewMockStore()
	store.TransientErrs = []error{errDropped}
	ts := store.TypeMock("interface")
	ts.BulkErr = errDropped
	worker, _ := newTestWorker(store)

	body := `[{"type":"interface","time":1000000,"interval":60,"meta":{"node":"n1","port":"p1"},"values":{"in":10}}]`
	err := worker.ProcessDelivery(ctx, []byte(body))

	assert.ErrorIs(t, err, ErrTransientStore)
}

// TestBatch_GroupsByDocument tests that records for the same bucket merge
// into one update set while distinct buckets stay separate
func TestBatch_GroupsByDocument(t *testing.T) {
	g60, err := ComputeGeometry(1000000, 60)
	require.NoError(t, err)

	gNext, err := ComputeGeometry(1000000+BaseDocSize, 60)
	require.NoError(t, err)

	batch := NewBatch()
	batch.Add("interface", "id1", g60, map[string]interface{}{"in": 1.0}, 123)
	batch.Add("interface", "id1", g60, map[string]interface{}{"out": 2.0}, 124)
	batch.Add("interface", "id1", gNext, map[string]interface{}{"in": 3.0}, 125)

	tb := batch.types["interface"]
	require.Len(t, tb.order, 2)

	first := tb.updates[tb.order[0]]
	assert.Contains(t, first, g60.CellPath("in"))
	assert.Contains(t, first, g60.CellPath("out"))
	assert.Equal(t, int64(124), first["updated"])

	second := tb.updates[tb.order[1]]
	assert.Contains(t, second, gNext.CellPath("in"))
}

// TestBatch_NullValuesSkipped tests that null cells are never emitted
func TestBatch_NullValuesSkipped(t *testing.T) {
	g, err := ComputeGeometry(1000000, 60)
	require.NoError(t, err)

	batch := NewBatch()
	batch.Add("interface", "id1", g, map[string]interface{}{"in": nil, "out": 5.0}, 123)

	tb := batch.types["interface"]
	updates := tb.updates[tb.order[0]]

	assert.NotContains(t, updates, g.CellPath("in"))
	assert.Contains(t, updates, g.CellPath("out"))
	assert.Contains(t, updates, "updated")
}
