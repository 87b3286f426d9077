package receiver

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Store is the document-store surface the pipeline needs: one database per
// measurement type, enumerable at bootstrap. Implementations live in the db
// package; tests use MockStore.
type Store interface {
	// DatabaseNames enumerates all type databases in the store.
	DatabaseNames(ctx context.Context) ([]string, error)

	// Type returns the per-type handle for the named database.
	Type(name string) TypeStore

	// IsTransient reports whether an error from this store should requeue
	// the delivery instead of acking it.
	IsTransient(err error) bool

	// Close releases the store connection.
	Close(ctx context.Context) error
}

// TypeStore exposes the four collections of one measurement type: the bucket
// documents ("data"), the measurement catalog ("measurements"), the metadata
// descriptor ("metadata"), and the event buckets ("event").
type TypeStore interface {
	// Metadata reads the type's metadata descriptor, or nil when the type
	// has none and should be skipped.
	Metadata(ctx context.Context) (*Metadata, error)

	// RegisterValueType persists values.<name> = {description, units} into
	// the metadata descriptor.
	RegisterValueType(ctx context.Context, name string) error

	// HasMeasurement reports whether the catalog already holds an entry for
	// the identifier.
	HasMeasurement(ctx context.Context, identifier string) (bool, error)

	// InsertMeasurement creates a catalog entry.
	InsertMeasurement(ctx context.Context, doc bson.D) error

	// BucketValueTypes fetches the set of value-type names present on the
	// bucket document, with found=false when the document does not exist.
	BucketValueTypes(ctx context.Context, identifier string, start, end int64) (map[string]struct{}, bool, error)

	// SetValueArrayIfAbsent sets values.<name> to the given empty array,
	// guarded so the write only applies while the field is still missing.
	SetValueArrayIfAbsent(ctx context.Context, identifier string, start, end int64, name string, array interface{}) error

	// BulkWrite executes the given write models against the data
	// collection.
	BulkWrite(ctx context.Context, models []mongo.WriteModel, ordered bool) (*mongo.BulkWriteResult, error)

	// FindEventDoc looks up the event document for an aligned window and
	// event type, returning its id when found.
	FindEventDoc(ctx context.Context, alignedStart int64, eventType string) (interface{}, bool, error)

	// InsertEventDoc creates an event document and returns its id.
	InsertEventDoc(ctx context.Context, doc bson.D) (interface{}, error)

	// SetEventEnd positionally updates events.$.end on the in-list entry
	// matching (start, text, affected), reporting whether anything matched.
	SetEventEnd(ctx context.Context, docID interface{}, start int64, text string, affected bson.D, end interface{}) (bool, error)

	// AddEvent appends an event entry with set semantics ($addToSet).
	AddEvent(ctx context.Context, docID interface{}, entry bson.D) error
}

// Metadata is a type's persisted descriptor: the meta fields records must or
// may carry, and the value types known so far.
type Metadata struct {
	MetaFields map[string]MetaField `bson:"meta_fields"`
	Values     map[string]ValueSpec `bson:"values"`
}

// MetaField describes one meta field. Optional fields may declare nested
// sub-fields, which expand into "parent.sub" names.
type MetaField struct {
	Required bool                 `bson:"required"`
	Fields   map[string]MetaField `bson:"fields"`
}

// ValueSpec describes one value type.
type ValueSpec struct {
	Description string `bson:"description"`
	Units       string `bson:"units"`
}
