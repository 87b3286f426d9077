package receiver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// foldEvent folds one validated event record into its day-aligned event
// document: create the document on first sight (under the creation lock),
// then either update the end of an existing in-list entry or append a new
// one. Replaying the same event any number of times converges on the same
// document thanks to the positional match plus $addToSet semantics.
func (w *Worker) foldEvent(ctx context.Context, ev *event) error {
	fields := make([]string, 0, len(ev.Affected))
	for field := range ev.Affected {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		if !w.view.KnownField(ev.Type, field) {
			return fmt.Errorf("%w: %q", ErrUnknownEventField, field)
		}
	}

	alignedStart := (ev.Start / EventDocSize) * EventDocSize

	ts := w.store.Type(ev.Type)

	docID, found, err := ts.FindEventDoc(ctx, alignedStart, ev.EventType)
	if err != nil {
		return w.wrapStore("failed to look up event document", err)
	}

	if !found {
		docID, err = w.createEventDoc(ctx, ts, alignedStart, ev.EventType)
		if err != nil {
			return err
		}
	}

	nested := nestAffected(ev.Affected)

	var end interface{}
	if ev.End != nil {
		end = *ev.End
	}

	// query the events array and use the positional updater to set the end
	// of the entry that matched on start+text+affected
	matched, err := ts.SetEventEnd(ctx, docID, ev.Start, ev.Text, nested, end)
	if err != nil {
		return w.wrapStore("failed to update event end", err)
	}

	// nothing matched, so this is a new event
	if !matched {
		entry := bson.D{
			{Key: "start", Value: ev.Start},
			{Key: "text", Value: ev.Text},
			{Key: "end", Value: end},
			{Key: "affected", Value: nested},
		}

		if err := ts.AddEvent(ctx, docID, entry); err != nil {
			return w.wrapStore("failed to append event", err)
		}
	}

	eventsFoldedTotal.Inc()
	return nil
}

// createEventDoc inserts the event document for an aligned window, guarded
// by the creation lock with a recheck so concurrent workers agree on one
// document.
func (w *Worker) createEventDoc(ctx context.Context, ts TypeStore, alignedStart int64, eventType string) (interface{}, error) {
	w.createMu.Lock()
	defer w.createMu.Unlock()

	docID, found, err := ts.FindEventDoc(ctx, alignedStart, eventType)
	if err != nil {
		return nil, w.wrapStore("failed to look up event document", err)
	}
	if found {
		return docID, nil
	}

	doc := bson.D{
		{Key: "start", Value: alignedStart},
		{Key: "end", Value: alignedStart + EventDocSize},
		{Key: "last_event_end", Value: alignedStart + EventDocSize},
		{Key: "type", Value: eventType},
		{Key: "events", Value: bson.A{}},
	}

	docID, err = ts.InsertEventDoc(ctx, doc)
	if err != nil {
		return nil, w.wrapStore("failed to insert event document", err)
	}

	return docID, nil
}

// affectedNode is one level of the nested affected structure: either a leaf
// holding the value list or a branch of child fields.
type affectedNode struct {
	children map[string]*affectedNode
	values   []interface{}
	leaf     bool
}

// nestAffected expands dotted affected keys into their nested form, e.g.
// "circuit.name" → {circuit: {name: [...]}}. The output is a bson.D with
// keys sorted at every level so that the form written by $addToSet and the
// form matched by the positional update are identical byte for byte. Both
// code paths must go through this one function.
func nestAffected(affected map[string][]interface{}) bson.D {
	root := &affectedNode{children: make(map[string]*affectedNode)}

	for key, values := range affected {
		pieces := strings.Split(key, ".")
		current := root

		for _, piece := range pieces[:len(pieces)-1] {
			child, ok := current.children[piece]
			if !ok {
				child = &affectedNode{children: make(map[string]*affectedNode)}
				current.children[piece] = child
			}
			current = child
		}

		last := pieces[len(pieces)-1]
		current.children[last] = &affectedNode{values: values, leaf: true}
	}

	return nestNode(root)
}

func nestNode(node *affectedNode) bson.D {
	keys := make([]string, 0, len(node.children))
	for key := range node.children {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	doc := make(bson.D, 0, len(keys))
	for _, key := range keys {
		child := node.children[key]
		if child.leaf {
			doc = append(doc, bson.E{Key: key, Value: bson.A(child.values)})
		} else {
			doc = append(doc, bson.E{Key: key, Value: nestNode(child)})
		}
	}

	return doc
}
