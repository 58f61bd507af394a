// Package patcher applies and reverts field-level patches on a single record
// of an in-memory collection. All functions are pure: inputs are never mutated.
package patcher

import "github.com/5-logic/the-sync-cache/internal/domain"

// Find returns the index of the record with the given id, or -1.
func Find(collection domain.Collection, id string) int {
	for i, record := range collection {
		if record.ID() == id {
			return i
		}
	}
	return -1
}

// ApplyPatch merges patch into the record identified by id.
// If id is absent the original collection is returned as is and previous is nil.
func ApplyPatch(collection domain.Collection, id string, patch domain.Patch) (updated domain.Collection, previous domain.Record) {
	idx := Find(collection, id)
	if idx < 0 {
		return collection, nil
	}

	previous = collection[idx].Clone()

	next := previous.Clone()
	for field, value := range patch {
		next[field] = value
	}

	return replaceAt(collection, idx, next), previous
}

// RevertPatch restores previous as the record identified by id.
// It is a no-op when previous is nil or the record is no longer present.
func RevertPatch(collection domain.Collection, id string, previous domain.Record) domain.Collection {
	if previous == nil {
		return collection
	}
	idx := Find(collection, id)
	if idx < 0 {
		return collection
	}
	return replaceAt(collection, idx, previous.Clone())
}

func replaceAt(collection domain.Collection, idx int, record domain.Record) domain.Collection {
	out := make(domain.Collection, len(collection))
	copy(out, collection)
	out[idx] = record
	return out
}
