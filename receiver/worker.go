package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/GlobalNOC/tsds-services/cache"
)

// docInfo remembers the last geometry and value-type names observed for a
// measurement, keyed by type∥identifier. The upsert pass uses it to build
// the empty value arrays of brand-new bucket documents.
type docInfo struct {
	geometry BucketGeometry
	values   []string
}

// Worker consumes deliveries from the broker queue and folds them into the
// store. Each worker owns its store and cache handles and processes
// deliveries strictly sequentially; only the schema registry and the
// creation lock are shared.
type Worker struct {
	id       int
	view     *WorkerView
	store    Store
	cache    cache.DocumentCache
	createMu *sync.Mutex
	log      *logrus.Entry

	docInfo     map[string]docInfo
	cacheMisses int
}

// NewWorker creates a worker bound to the shared registry and creation lock,
// carrying its own store and cache handles.
func NewWorker(id int, registry *SchemaRegistry, createMu *sync.Mutex, store Store, docCache cache.DocumentCache, log *logrus.Logger) *Worker {
	return &Worker{
		id:       id,
		view:     registry.NewWorkerView(createMu),
		store:    store,
		cache:    docCache,
		createMu: createMu,
		log:      log.WithField("worker", id),
		docInfo:  make(map[string]docInfo),
	}
}

// Run drains deliveries until the channel closes or the context is
// cancelled. Processed deliveries are acked even when individual records
// were skipped; transient store failures reject the delivery back to the
// broker for redelivery.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.log.Debug("waiting for input")

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			w.handle(ctx, delivery)
		}
	}
}

// handle processes one delivery and settles it with the broker.
func (w *Worker) handle(ctx context.Context, delivery amqp.Delivery) {
	err := w.ProcessDelivery(ctx, delivery.Body)
	if err != nil {
		if errors.Is(err, ErrTransientStore) {
			w.log.Infof("Caught transient store failure, sending message back to rabbit for reprocessing: %v", err)
			deliveriesTotal.WithLabelValues("requeued").Inc()
			if rejectErr := delivery.Reject(true); rejectErr != nil {
				w.log.Errorf("Failed to reject delivery: %v", rejectErr)
			}
			return
		}

		w.log.Errorf("Failed to process delivery: %v", err)
	}

	deliveriesTotal.WithLabelValues("acked").Inc()
	if ackErr := delivery.Ack(false); ackErr != nil {
		w.log.Errorf("Failed to ack delivery: %v", ackErr)
	}
}

// ProcessDelivery parses a delivery body as a list of records and runs each
// through the pipeline. A body that is not a JSON list is dropped whole.
// Only transient store failures are returned; every other problem is logged
// and the delivery is still considered processed.
func (w *Worker) ProcessDelivery(ctx context.Context, body []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		w.log.Errorf("Couldn't decode message as a JSON list, skipping: %v", err)
		return nil
	}

	start := time.Now()
	w.cacheMisses = 0

	batch := NewBatch()

	for _, rawRecord := range raw {
		if err := w.processRecord(ctx, rawRecord, batch); err != nil {
			if errors.Is(err, ErrTransientStore) {
				return err
			}
			recordsSkippedTotal.Inc()
			w.log.Errorf("Skipping record: %v", err)
		}
	}

	if err := w.flushBatch(ctx, batch); err != nil {
		return err
	}

	w.log.Debugf("Duration was %.5f for %4d records (cache misses = %4d)",
		time.Since(start).Seconds(), len(raw), w.cacheMisses)

	return nil
}

// processRecord validates and routes one record.
func (w *Worker) processRecord(ctx context.Context, raw json.RawMessage, batch *Batch) error {
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	if record.Type == "" {
		return fmt.Errorf("%w: missing \"type\" or is not a string", ErrMalformedRecord)
	}

	if record.IsEvent() {
		ev, err := record.validateEvent()
		if err != nil {
			return err
		}
		if !w.view.HasType(ev.Type) {
			return fmt.Errorf("%w: unknown type of data %q", ErrMalformedRecord, ev.Type)
		}
		return w.foldEvent(ctx, ev)
	}

	m, err := record.validateMeasurement()
	if err != nil {
		return err
	}
	if !w.view.HasType(m.Type) {
		return fmt.Errorf("%w: unknown type of data %q", ErrMalformedRecord, m.Type)
	}
	return w.processMeasurement(ctx, m, batch)
}

// wrapStore classifies a store error: transient failures become
// ErrTransientStore so the delivery is requeued, everything else keeps the
// record-level skip semantics.
func (w *Worker) wrapStore(op string, err error) error {
	if w.store.IsTransient(err) {
		return fmt.Errorf("%w: %s: %v", ErrTransientStore, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
