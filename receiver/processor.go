package receiver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/GlobalNOC/tsds-services/cache"
)

// processMeasurement runs one validated measurement through the pipeline:
// geometry, identity, catalog ensure, value-type discovery, batch
// accumulation, and value-array reconciliation.
func (w *Worker) processMeasurement(ctx context.Context, m *measurement, batch *Batch) error {
	g, err := ComputeGeometry(m.Time, m.Interval)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	required, err := w.view.ValidateRequiredMeta(m.Type, m.Meta)
	if err != nil {
		return err
	}

	identifier := MeasurementIdentifier(required, m.Meta)

	ts := w.store.Type(m.Type)
	key := cache.Key(m.Type, identifier)

	cached, found, err := w.cache.Get(ctx, key)
	if err != nil {
		w.log.Warnf("Document cache read failed, treating as miss: %v", err)
		found = false
	}

	// add this measurement entry if we've never seen it before
	if !found {
		w.log.Debugf("Couldn't find %s in cache, attempting to create if necessary", identifier)
		if err := w.ensureMeasurement(ctx, ts, identifier, m.Time, m.Meta); err != nil {
			return err
		}
	}

	// automatically add any new value type we've never seen before
	names := sortedValueNames(m.Values)
	for _, name := range names {
		if err := w.view.RegisterValue(ctx, ts, m.Type, name); err != nil {
			return w.wrapStore("failed to register value type", err)
		}
	}

	batch.Add(m.Type, identifier, g, m.Values, time.Now().Unix())
	w.docInfo[key] = docInfo{geometry: g, values: names}

	if err := w.reconcileValueArrays(ctx, ts, m, g, identifier, cached, found); err != nil {
		return err
	}

	recordsProcessedTotal.Inc()
	return nil
}

// ensureMeasurement creates the catalog entry for an identifier on first
// sight. The existence check runs unlocked; only a miss takes the creation
// lock, rechecks, and inserts, so exactly one worker wins the create and
// the hot path never contends.
func (w *Worker) ensureMeasurement(ctx context.Context, ts TypeStore, identifier string, timestamp int64, meta map[string]interface{}) error {
	has, err := ts.HasMeasurement(ctx, identifier)
	if err != nil {
		return w.wrapStore("failed to look up measurement", err)
	}
	if has {
		return nil
	}

	w.createMu.Lock()
	defer w.createMu.Unlock()

	// someone else may have snuck in while we waited on the lock
	has, err = ts.HasMeasurement(ctx, identifier)
	if err != nil {
		return w.wrapStore("failed to look up measurement", err)
	}
	if has {
		return nil
	}

	w.log.Debugf("Creating new doc for %s", identifier)

	doc := bson.D{
		{Key: "identifier", Value: identifier},
		{Key: "start", Value: timestamp},
		{Key: "end", Value: nil},
	}

	fields := make([]string, 0, len(meta))
	for field := range meta {
		if field == "identifier" || field == "start" || field == "end" {
			continue
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		doc = append(doc, bson.E{Key: field, Value: meta[field]})
	}

	if err := ts.InsertMeasurement(ctx, doc); err != nil {
		return w.wrapStore("failed to insert measurement", err)
	}

	return nil
}

// reconcileValueArrays makes sure the bucket document carries an array for
// every value type this record names. When the cached view does not cover
// the current bucket, the document is fetched once and the cache refreshed;
// any value type still missing gets its empty array written under an
// exists-false guard so concurrent writers cannot clobber populated cells.
func (w *Worker) reconcileValueArrays(ctx context.Context, ts TypeStore, m *measurement, g BucketGeometry, identifier string, cached cache.CachedDocument, found bool) error {
	key := cache.Key(m.Type, identifier)

	if !found || cached.Start != g.Start || cached.End != g.End {
		w.cacheMisses++
		cacheMissesTotal.Inc()

		existing, ok, err := ts.BucketValueTypes(ctx, identifier, g.Start, g.End)
		if err != nil {
			return w.wrapStore("failed to look up bucket document", err)
		}

		// nothing to reconcile if the doc doesn't exist at all, the upsert
		// pass will set every new value array when it creates it
		if !ok {
			return nil
		}

		values := make(map[string]bool, len(existing))
		for name := range existing {
			values[name] = true
		}

		cached = cache.CachedDocument{Start: g.Start, End: g.End, Interval: m.Interval, Values: values}
		if err := w.cache.Set(ctx, key, cached); err != nil {
			w.log.Warnf("Document cache write failed: %v", err)
		}
	}

	if cached.Values == nil {
		cached.Values = make(map[string]bool)
	}

	var newNames []string
	for _, name := range sortedValueNames(m.Values) {
		if !cached.Values[name] {
			newNames = append(newNames, name)
			cached.Values[name] = true
		}
	}

	if len(newNames) == 0 {
		return nil
	}

	w.log.Debugf("Had new values %s for identifier %s of type %s", strings.Join(newNames, ", "), identifier, m.Type)

	refreshed := cache.CachedDocument{Start: g.Start, End: g.End, Interval: m.Interval, Values: cached.Values}
	if err := w.cache.Set(ctx, key, refreshed); err != nil {
		w.log.Warnf("Document cache write failed: %v", err)
	}

	for _, name := range newNames {
		if err := ts.SetValueArrayIfAbsent(ctx, identifier, g.Start, g.End, name, g.EmptyArray()); err != nil {
			return w.wrapStore("failed to add value array", err)
		}
	}

	return nil
}

// sortedValueNames returns the value-type names of a record in ascending
// order so that registration and array creation are deterministic across
// workers.
func sortedValueNames(values map[string]interface{}) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
