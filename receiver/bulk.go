package receiver

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/GlobalNOC/tsds-services/cache"
)

// flushBatch sends the accumulated cell updates to the store, one bulk per
// type. Phase A is an unordered optimistic set against documents assumed to
// exist; when fewer documents matched than the batch holds, Phase B retries
// with ordered upserts that create any missing documents first. Bulk write
// errors are logged and the delivery is still considered processed; only
// transient failures bubble up for requeue.
func (w *Worker) flushBatch(ctx context.Context, batch *Batch) error {
	for _, ptype := range batch.typeOrder {
		tb := batch.types[ptype]
		ts := w.store.Type(ptype)

		models := make([]mongo.WriteModel, 0, len(tb.order))
		for _, key := range tb.order {
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(bucketFilter(key)).
				SetUpdate(bson.D{{Key: "$set", Value: bson.M(tb.updates[key])}}))
		}

		// This is nonobvious but there's no good way to do this atomically:
		// mongo can't combine $set and $setOnInsert when fields overlap, so
		// we try the dumb optimistic update first and hope it matches.
		result, err := ts.BulkWrite(ctx, models, false)
		if err != nil {
			if handled := w.handleBulkError(ptype, err); handled != nil {
				return handled
			}
			continue
		}

		if result.MatchedCount != int64(len(tb.order)) {
			w.log.Debugf("Doing upsert ops, count was %d but matched was only %d", len(tb.order), result.MatchedCount)

			if err := w.flushUpserts(ctx, ptype, ts, tb); err != nil {
				if handled := w.handleBulkError(ptype, err); handled != nil {
					return handled
				}
			}
		}
	}

	return nil
}

// flushUpserts is the slow path for documents Phase A failed to match. The
// bulk must be ordered: for each document the upsert has to land before the
// set, closing the race where two workers both observe a missing document.
func (w *Worker) flushUpserts(ctx context.Context, ptype string, ts TypeStore, tb *typeBatch) error {
	now := time.Now().Unix()

	models := make([]mongo.WriteModel, 0, 2*len(tb.order))

	for _, key := range tb.order {
		info, ok := w.docInfo[cache.Key(ptype, key.Identifier)]
		if !ok {
			// shouldn't happen, the accumulate step always records geometry
			w.log.Errorf("No document info for %s%s, skipping upsert", ptype, key.Identifier)
			continue
		}

		newValues := emptyValueArrays(info.geometry, info.values)

		newDoc := bson.D{
			{Key: "identifier", Value: key.Identifier},
			{Key: "start", Value: key.Start},
			{Key: "end", Value: key.End},
			{Key: "updated", Value: now},
			{Key: "interval", Value: info.geometry.Interval},
			{Key: "values", Value: newValues},
		}

		models = append(models,
			mongo.NewUpdateOneModel().
				SetFilter(bucketFilter(key)).
				SetUpdate(bson.D{{Key: "$setOnInsert", Value: newDoc}}).
				SetUpsert(true),
			mongo.NewUpdateOneModel().
				SetFilter(bucketFilter(key)).
				SetUpdate(bson.D{{Key: "$set", Value: bson.M(tb.updates[key])}}))

		// cache the value types this new document supports
		values := make(map[string]bool, len(newValues))
		for name := range newValues {
			values[name] = true
		}
		cached := cache.CachedDocument{
			Start:    key.Start,
			End:      key.End,
			Interval: info.geometry.Interval,
			Values:   values,
		}
		if err := w.cache.Set(ctx, cache.Key(ptype, key.Identifier), cached); err != nil {
			w.log.Warnf("Document cache write failed: %v", err)
		}
	}

	_, err := ts.BulkWrite(ctx, models, true)
	return err
}

// handleBulkError distinguishes bulk-write errors, which are logged and
// swallowed, from transient store failures, which are returned so the
// delivery gets requeued.
func (w *Worker) handleBulkError(ptype string, err error) error {
	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) {
		bulkWriteErrorsTotal.Inc()
		w.log.Errorf("Bulk write for type %q reported errors: %v", ptype, err)
		return nil
	}

	if w.store.IsTransient(err) {
		return w.wrapStore("bulk write failed", err)
	}

	bulkWriteErrorsTotal.Inc()
	w.log.Errorf("Bulk write for type %q failed: %v", ptype, err)
	return nil
}

// bucketFilter builds the match document for one bucket, fields in a fixed
// order.
func bucketFilter(key docKey) bson.D {
	return bson.D{
		{Key: "identifier", Value: key.Identifier},
		{Key: "start", Value: key.Start},
		{Key: "end", Value: key.End},
	}
}
