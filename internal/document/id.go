// Package document holds the in-memory model of a proposal's content: ordered
// blocks, each owning ordered typed elements, and the pure operations that
// edit them. Nothing in this package performs I/O.
package document

import "flowidly/api/internal/util"

// BlockID identifies a block either by a locally generated id that storage has
// not seen yet (pending) or by the id storage assigned to it (persisted).
type BlockID struct {
	value     string
	persisted bool
}

// NewPendingID returns a fresh local id for a block that has not been saved.
func NewPendingID() BlockID {
	return BlockID{value: util.NewID("tmp")}
}

// PendingID wraps an existing local id.
func PendingID(local string) BlockID {
	return BlockID{value: local}
}

// PersistedID wraps an id assigned by storage.
func PersistedID(id string) BlockID {
	return BlockID{value: id, persisted: true}
}

func (id BlockID) String() string { return id.value }

// IsPending reports whether the block still needs an insert on save.
func (id BlockID) IsPending() bool { return !id.persisted }

func (id BlockID) IsZero() bool { return id.value == "" }

func newElementID() string {
	return util.NewID("el")
}
