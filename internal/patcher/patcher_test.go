package patcher

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/5-logic/the-sync-cache/internal/domain"
)

func sampleCollection() domain.Collection {
	return domain.Collection{
		{"id": "a", "active": true, "name": "Alice"},
		{"id": "b", "active": false, "name": "Bob"},
	}
}

func TestApplyPatchMergesFields(t *testing.T) {
	original := sampleCollection()

	updated, previous := ApplyPatch(original, "a", domain.Patch{"active": false})

	require.NotNil(t, previous)
	assert.Equal(t, domain.Record{"id": "a", "active": true, "name": "Alice"}, previous)
	assert.Equal(t, domain.Record{"id": "a", "active": false, "name": "Alice"}, updated[0])
	assert.Equal(t, original[1], updated[1])

	// input untouched
	if diff := cmp.Diff(sampleCollection(), original); diff != "" {
		t.Fatalf("input collection mutated (-want +got):\n%s", diff)
	}
}

func TestApplyPatchMissingIDReturnsSameCollection(t *testing.T) {
	original := sampleCollection()

	updated, previous := ApplyPatch(original, "zzz", domain.Patch{"active": false})

	assert.Nil(t, previous)
	require.Len(t, updated, len(original))
	assert.Same(t, &original[0], &updated[0])
}

func TestRevertPatchRestoresPreviousRecord(t *testing.T) {
	original := sampleCollection()

	patched, previous := ApplyPatch(original, "b", domain.Patch{"active": true, "group": "g1"})
	reverted := RevertPatch(patched, "b", previous)

	if diff := cmp.Diff(original, reverted); diff != "" {
		t.Fatalf("revert mismatch (-want +got):\n%s", diff)
	}
}

func TestRevertPatchNilPreviousIsNoop(t *testing.T) {
	original := sampleCollection()

	reverted := RevertPatch(original, "a", nil)

	assert.Same(t, &original[0], &reverted[0])
}

func TestRevertPatchRecordRemovedIsNoop(t *testing.T) {
	original := sampleCollection()
	_, previous := ApplyPatch(original, "a", domain.Patch{"active": false})

	withoutA := domain.Collection{original[1]}
	reverted := RevertPatch(withoutA, "a", previous)

	assert.Equal(t, withoutA, reverted)
}

func TestFindNumericID(t *testing.T) {
	collection := domain.Collection{{"id": float64(7)}, {"id": "8"}}

	assert.Equal(t, 0, Find(collection, "7"))
	assert.Equal(t, 1, Find(collection, "8"))
	assert.Equal(t, -1, Find(collection, "9"))
}
