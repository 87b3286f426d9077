package receiver

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// MockStore is an in-memory Store for tests. Per-type state lives in
// MockTypeStore instances created on first use; tests preload metadata and
// inspect the calls each operation recorded.
type MockStore struct {
	mu    sync.Mutex
	Types map[string]*MockTypeStore

	// Names returned from DatabaseNames
	Databases []string

	// Errors to return from operations
	DatabaseNamesErr error

	// TransientErrs holds errors IsTransient answers true for
	TransientErrs []error

	CloseCalled bool
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{Types: make(map[string]*MockTypeStore)}
}

// DatabaseNames returns the configured database list.
func (s *MockStore) DatabaseNames(_ context.Context) ([]string, error) {
	if s.DatabaseNamesErr != nil {
		return nil, s.DatabaseNamesErr
	}
	return s.Databases, nil
}

// Type returns the per-type mock, creating it on first use.
func (s *MockStore) Type(name string) TypeStore {
	return s.TypeMock(name)
}

// TypeMock is Type with the concrete mock type, for test assertions.
func (s *MockStore) TypeMock(name string) *MockTypeStore {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.Types[name]
	if !ok {
		ts = NewMockTypeStore()
		s.Types[name] = ts
	}
	return ts
}

// IsTransient reports whether err wraps an error registered as transient.
func (s *MockStore) IsTransient(err error) bool {
	for _, transient := range s.TransientErrs {
		if errors.Is(err, transient) {
			return true
		}
	}
	return false
}

// Close records the call.
func (s *MockStore) Close(_ context.Context) error {
	s.CloseCalled = true
	return nil
}

// BulkCall records one BulkWrite invocation.
type BulkCall struct {
	Models  []mongo.WriteModel
	Ordered bool
}

// ValueArrayCall records one SetValueArrayIfAbsent invocation.
type ValueArrayCall struct {
	Identifier string
	Start      int64
	End        int64
	Name       string
	Array      interface{}
}

// EventEndCall records one SetEventEnd invocation.
type EventEndCall struct {
	DocID    interface{}
	Start    int64
	Text     string
	Affected bson.D
	End      interface{}
}

// MockTypeStore is the in-memory per-type half of MockStore.
type MockTypeStore struct {
	mu sync.Mutex

	// Preloaded state
	Meta             *Metadata
	Measurements     map[string]bson.D
	BucketValues     map[string]map[string]struct{} // keyed by identifier
	EventDocs        map[string]interface{}         // keyed by start/type, value is doc id
	EventEndMatches  bool                           // whether SetEventEnd reports a match
	BulkMatchedCount int64

	// Errors to return from operations
	MetadataErr     error
	RegisterErr     error
	MeasurementErr  error
	InsertErr       error
	BucketErr       error
	ValueArrayErr   error
	BulkErr         error
	FindEventErr    error
	InsertEventErr  error
	SetEventEndErr  error
	AddEventErr     error
	BulkErrOnce     bool
	bulkErrConsumed bool

	// Recorded calls
	RegisteredValues []string
	Inserted         []bson.D
	ValueArrayCalls  []ValueArrayCall
	BulkCalls        []BulkCall
	InsertedEvents   []bson.D
	EventEndCalls    []EventEndCall
	AddedEvents      []bson.D
}

// NewMockTypeStore creates an empty per-type mock.
func NewMockTypeStore() *MockTypeStore {
	return &MockTypeStore{
		Measurements: make(map[string]bson.D),
		BucketValues: make(map[string]map[string]struct{}),
		EventDocs:    make(map[string]interface{}),
	}
}

// Metadata returns the preloaded descriptor, or nil when none was set.
func (t *MockTypeStore) Metadata(_ context.Context) (*Metadata, error) {
	if t.MetadataErr != nil {
		return nil, t.MetadataErr
	}
	return t.Meta, nil
}

// RegisterValueType records the registration and folds it into the
// descriptor.
func (t *MockTypeStore) RegisterValueType(_ context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.RegisterErr != nil {
		return t.RegisterErr
	}

	t.RegisteredValues = append(t.RegisteredValues, name)
	if t.Meta != nil {
		if t.Meta.Values == nil {
			t.Meta.Values = make(map[string]ValueSpec)
		}
		t.Meta.Values[name] = ValueSpec{Description: name, Units: name}
	}
	return nil
}

// HasMeasurement reports whether an entry was inserted or preloaded.
func (t *MockTypeStore) HasMeasurement(_ context.Context, identifier string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.MeasurementErr != nil {
		return false, t.MeasurementErr
	}
	_, ok := t.Measurements[identifier]
	return ok, nil
}

// InsertMeasurement stores the catalog entry.
func (t *MockTypeStore) InsertMeasurement(_ context.Context, doc bson.D) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.InsertErr != nil {
		return t.InsertErr
	}

	for _, elem := range doc {
		if elem.Key == "identifier" {
			t.Measurements[elem.Value.(string)] = doc
			break
		}
	}
	t.Inserted = append(t.Inserted, doc)
	return nil
}

// BucketValueTypes returns the preloaded value set for the identifier.
func (t *MockTypeStore) BucketValueTypes(_ context.Context, identifier string, _, _ int64) (map[string]struct{}, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.BucketErr != nil {
		return nil, false, t.BucketErr
	}
	values, ok := t.BucketValues[identifier]
	return values, ok, nil
}

// SetValueArrayIfAbsent records the call and marks the value present.
func (t *MockTypeStore) SetValueArrayIfAbsent(_ context.Context, identifier string, start, end int64, name string, array interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ValueArrayErr != nil {
		return t.ValueArrayErr
	}

	t.ValueArrayCalls = append(t.ValueArrayCalls, ValueArrayCall{
		Identifier: identifier, Start: start, End: end, Name: name, Array: array,
	})
	if _, ok := t.BucketValues[identifier]; !ok {
		t.BucketValues[identifier] = make(map[string]struct{})
	}
	t.BucketValues[identifier][name] = struct{}{}
	return nil
}

// BulkWrite records the call and answers with the configured matched count.
func (t *MockTypeStore) BulkWrite(_ context.Context, models []mongo.WriteModel, ordered bool) (*mongo.BulkWriteResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.BulkErr != nil && (!t.BulkErrOnce || !t.bulkErrConsumed) {
		t.bulkErrConsumed = true
		return nil, t.BulkErr
	}

	t.BulkCalls = append(t.BulkCalls, BulkCall{Models: models, Ordered: ordered})
	return &mongo.BulkWriteResult{MatchedCount: t.BulkMatchedCount}, nil
}

func eventDocKey(alignedStart int64, eventType string) string {
	return eventType + "/" + strconv.FormatInt(alignedStart, 10)
}

// FindEventDoc reports whether an event document exists for the window.
func (t *MockTypeStore) FindEventDoc(_ context.Context, alignedStart int64, eventType string) (interface{}, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.FindEventErr != nil {
		return nil, false, t.FindEventErr
	}
	id, ok := t.EventDocs[eventDocKey(alignedStart, eventType)]
	return id, ok, nil
}

// InsertEventDoc stores the document and fabricates an id.
func (t *MockTypeStore) InsertEventDoc(_ context.Context, doc bson.D) (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.InsertEventErr != nil {
		return nil, t.InsertEventErr
	}

	t.InsertedEvents = append(t.InsertedEvents, doc)

	var alignedStart int64
	var eventType string
	for _, elem := range doc {
		switch elem.Key {
		case "start":
			alignedStart = elem.Value.(int64)
		case "type":
			eventType = elem.Value.(string)
		}
	}

	id := len(t.InsertedEvents)
	t.EventDocs[eventDocKey(alignedStart, eventType)] = id
	return id, nil
}

// SetEventEnd records the call and answers with the configured match flag.
func (t *MockTypeStore) SetEventEnd(_ context.Context, docID interface{}, start int64, text string, affected bson.D, end interface{}) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.SetEventEndErr != nil {
		return false, t.SetEventEndErr
	}

	t.EventEndCalls = append(t.EventEndCalls, EventEndCall{
		DocID: docID, Start: start, Text: text, Affected: affected, End: end,
	})
	return t.EventEndMatches, nil
}

// AddEvent records the appended entry.
func (t *MockTypeStore) AddEvent(_ context.Context, _ interface{}, entry bson.D) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.AddEventErr != nil {
		return t.AddEventErr
	}

	t.AddedEvents = append(t.AddedEvents, entry)
	return nil
}
