package receiver

import "sort"

// docKey addresses one bucket document inside a batch.
type docKey struct {
	Identifier string
	Start      int64
	End        int64
}

// typeBatch collects the cell updates for one measurement type, keyed by
// bucket document. Insertion order is preserved so that the optimistic flush
// and the upsert retry walk the documents the same way.
type typeBatch struct {
	order   []docKey
	updates map[docKey]map[string]interface{}
}

// Batch accumulates the cell updates generated from one broker delivery,
// nested type → identifier → start → end → {dotted cell path → value}.
type Batch struct {
	typeOrder []string
	types     map[string]*typeBatch
}

// NewBatch returns an empty accumulator.
func NewBatch() *Batch {
	return &Batch{types: make(map[string]*typeBatch)}
}

// Add folds one record's values into the batch at the cells named by its
// geometry. Null values are not emitted since null is the default cell
// state. Every touched document also gets its updated timestamp refreshed.
func (b *Batch) Add(ptype, identifier string, g BucketGeometry, values map[string]interface{}, now int64) {
	tb, ok := b.types[ptype]
	if !ok {
		tb = &typeBatch{updates: make(map[docKey]map[string]interface{})}
		b.types[ptype] = tb
		b.typeOrder = append(b.typeOrder, ptype)
	}

	key := docKey{Identifier: identifier, Start: g.Start, End: g.End}

	updates, ok := tb.updates[key]
	if !ok {
		updates = make(map[string]interface{})
		tb.updates[key] = updates
		tb.order = append(tb.order, key)
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if values[name] == nil {
			continue
		}
		updates[g.CellPath(name)] = values[name]
	}

	updates["updated"] = now
}

// Empty reports whether the batch holds no updates at all.
func (b *Batch) Empty() bool {
	return len(b.typeOrder) == 0
}
