package receiver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// SchemaRegistry is the process-wide catalog of known measurement types:
// which meta fields they require, which they allow, and which value types
// have been seen so far. It is populated once at bootstrap from the store
// and shared by every worker; new value types are published to it as they
// are discovered on the hot path.
type SchemaRegistry struct {
	mu       sync.RWMutex
	types    map[string]struct{}
	required map[string][]string
	optional map[string]map[string]struct{}
	values   map[string]map[string]struct{}

	ignore map[string]struct{}
	log    *logrus.Logger
}

// NewSchemaRegistry creates an empty registry. The ignore list names type
// databases to skip during bootstrap, on top of the built-in rule that
// databases with a leading underscore are internal.
func NewSchemaRegistry(ignore []string, log *logrus.Logger) *SchemaRegistry {
	ignoreSet := make(map[string]struct{}, len(ignore))
	for _, name := range ignore {
		ignoreSet[name] = struct{}{}
	}

	return &SchemaRegistry{
		types:    make(map[string]struct{}),
		required: make(map[string][]string),
		optional: make(map[string]map[string]struct{}),
		values:   make(map[string]map[string]struct{}),
		ignore:   ignoreSet,
		log:      log,
	}
}

// Bootstrap enumerates the type databases in the store and loads each one's
// metadata descriptor. Types without a descriptor are skipped. A store
// failure here is fatal to startup.
func (r *SchemaRegistry) Bootstrap(ctx context.Context, store Store) error {
	names, err := store.DatabaseNames(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate type databases: %w", err)
	}

	for _, name := range names {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ignored := r.ignore[name]; ignored {
			continue
		}

		metadata, err := store.Type(name).Metadata(ctx)
		if err != nil {
			return fmt.Errorf("failed to read metadata for type %q: %w", name, err)
		}

		// no known metadata for this database, skip it
		if metadata == nil {
			continue
		}

		r.log.Debugf("Found database %s", name)

		r.loadType(name, metadata)
	}

	return nil
}

// loadType folds one metadata descriptor into the shared maps. Optional
// fields with nested declarations expand into "parent.sub" names.
func (r *SchemaRegistry) loadType(name string, metadata *Metadata) {
	var required []string
	optional := make(map[string]struct{})

	for field, spec := range metadata.MetaFields {
		if spec.Required {
			required = append(required, field)
			continue
		}

		if len(spec.Fields) > 0 {
			for sub := range spec.Fields {
				optional[field+"."+sub] = struct{}{}
			}
		} else {
			optional[field] = struct{}{}
		}
	}

	sort.Strings(required)

	values := make(map[string]struct{}, len(metadata.Values))
	for value := range metadata.Values {
		values[value] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.types[name] = struct{}{}
	r.required[name] = required
	r.optional[name] = optional
	r.values[name] = values
}

// hasType reports whether the shared registry knows the type.
func (r *SchemaRegistry) hasType(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.types[name]
	return ok
}

// requiredFields returns the shared sorted required-field list for a type.
func (r *SchemaRegistry) requiredFields(name string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fields, ok := r.required[name]
	return fields, ok
}

// optionalFields returns the shared optional-field set for a type.
func (r *SchemaRegistry) optionalFields(name string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.optional[name]
}

// knownValue reports whether the shared registry knows the value type.
func (r *SchemaRegistry) knownValue(name, value string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	values, ok := r.values[name]
	if !ok {
		return false
	}
	_, ok = values[value]
	return ok
}

// addValue publishes a newly registered value type to the shared map.
func (r *SchemaRegistry) addValue(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.values[name]; !ok {
		r.values[name] = make(map[string]struct{})
	}
	r.values[name][value] = struct{}{}
}

// WorkerView is one worker's private shadow of the registry. Lookups hit the
// local copies first and only cross into the shared maps on a miss, keeping
// the hot path free of lock traffic. Promotion on miss makes the shadow
// converge with the shared state.
type WorkerView struct {
	registry *SchemaRegistry
	createMu *sync.Mutex

	types    map[string]struct{}
	required map[string][]string
	optional map[string]map[string]struct{}
	values   map[string]map[string]struct{}
}

// NewWorkerView snapshots the registry into a worker-local shadow. The
// creation lock is shared by all workers and guards every
// first-write-creates-structure path.
func (r *SchemaRegistry) NewWorkerView(createMu *sync.Mutex) *WorkerView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	view := &WorkerView{
		registry: r,
		createMu: createMu,
		types:    make(map[string]struct{}, len(r.types)),
		required: make(map[string][]string, len(r.required)),
		optional: make(map[string]map[string]struct{}, len(r.optional)),
		values:   make(map[string]map[string]struct{}, len(r.values)),
	}

	for name := range r.types {
		view.types[name] = struct{}{}
	}
	for name, fields := range r.required {
		view.required[name] = fields
	}
	for name, fields := range r.optional {
		copied := make(map[string]struct{}, len(fields))
		for field := range fields {
			copied[field] = struct{}{}
		}
		view.optional[name] = copied
	}
	for name, values := range r.values {
		copied := make(map[string]struct{}, len(values))
		for value := range values {
			copied[value] = struct{}{}
		}
		view.values[name] = copied
	}

	return view
}

// HasType reports whether the type is configured, reloading once from the
// shared registry on a local miss. Unknown after reload means the record is
// rejected.
func (v *WorkerView) HasType(name string) bool {
	if _, ok := v.types[name]; ok {
		return true
	}
	if !v.registry.hasType(name) {
		return false
	}
	v.types[name] = struct{}{}
	return true
}

// ValidateRequiredMeta checks that every required field of the type is
// present and non-empty in the provided meta, returning the required fields
// in ascending order for identity hashing.
func (v *WorkerView) ValidateRequiredMeta(name string, meta map[string]interface{}) ([]string, error) {
	required, ok := v.required[name]
	if !ok {
		required, ok = v.registry.requiredFields(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedRecord, name)
		}
		v.required[name] = required
	}

	for _, field := range required {
		if metaString(meta[field]) == "" {
			return nil, fmt.Errorf("%w: must have non-empty required field %q for type %s", ErrMalformedRecord, field, name)
		}
	}

	return required, nil
}

// KnownField reports whether the field name is a known required or optional
// meta field for the type, consulting the shared registry on a local miss.
func (v *WorkerView) KnownField(name, field string) bool {
	required, ok := v.required[name]
	if !ok {
		required, _ = v.registry.requiredFields(name)
		v.required[name] = required
	}
	for _, candidate := range required {
		if candidate == field {
			return true
		}
	}

	optional, ok := v.optional[name]
	if !ok {
		optional = v.registry.optionalFields(name)
		if optional == nil {
			optional = make(map[string]struct{})
		}
		v.optional[name] = optional
	}

	_, ok = optional[field]
	return ok
}

// RegisterValue registers a value type the first time it is seen: under the
// creation lock it rechecks the shared map, writes the descriptor entry
// through to the store, and publishes the name. Known names cost one local
// map lookup and nothing else.
func (v *WorkerView) RegisterValue(ctx context.Context, ts TypeStore, name, value string) error {
	if values, ok := v.values[name]; ok {
		if _, known := values[value]; known {
			return nil
		}
	}

	v.createMu.Lock()
	defer v.createMu.Unlock()

	if !v.registry.knownValue(name, value) {
		v.registry.log.Infof("Adding new value type %q to collection type %q", value, name)

		if err := ts.RegisterValueType(ctx, value); err != nil {
			return fmt.Errorf("failed to register value type %q for %q: %w", value, name, err)
		}

		v.registry.addValue(name, value)
	}

	if _, ok := v.values[name]; !ok {
		v.values[name] = make(map[string]struct{})
	}
	v.values[name][value] = struct{}{}

	return nil
}
