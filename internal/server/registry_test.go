package server

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func testRegistry(capacity int) *ClientRegistry {
	return NewClientRegistry(capacity, 90*time.Second)
}

func TestRegistryAddAndFind(t *testing.T) {
	r := testRegistry(4)
	now := time.Now()

	a := newClient(r.NextID(), nil, now)
	b := newClient(r.NextID(), nil, now)

	_, err := r.Add(a, now)
	assert.NilError(t, err)
	_, err = r.Add(b, now)
	assert.NilError(t, err)

	assert.Equal(t, r.Count(), 2)
	assert.Equal(t, r.FindByID(a.ID()), a)
	assert.Equal(t, r.FindByID(b.ID()), b)
	assert.Assert(t, r.FindByID(99) == nil)
}

func TestRegistryRejectsDuplicateID(t *testing.T) {
	r := testRegistry(4)
	now := time.Now()

	a := newClient(7, nil, now)
	dup := newClient(7, nil, now)

	_, err := r.Add(a, now)
	assert.NilError(t, err)
	_, err = r.Add(dup, now)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestRegistryFull(t *testing.T) {
	r := testRegistry(2)
	now := time.Now()

	for i := 0; i < 2; i++ {
		_, err := r.Add(newClient(r.NextID(), nil, now), now)
		assert.NilError(t, err)
	}
	_, err := r.Add(newClient(r.NextID(), nil, now), now)
	assert.ErrorIs(t, err, ErrRegistryFull)
}

func TestRegistryReclaimsExpiredSlot(t *testing.T) {
	r := testRegistry(1)
	now := time.Now()

	stale := newClient(r.NextID(), nil, now)
	_, err := r.Add(stale, now)
	assert.NilError(t, err)
	stale.markPending(now.Add(-91 * time.Second))

	fresh := newClient(r.NextID(), nil, now)
	evicted, err := r.Add(fresh, now)
	assert.NilError(t, err)
	assert.Equal(t, evicted, stale)
	assert.Equal(t, r.FindByID(fresh.ID()), fresh)
	assert.Assert(t, r.FindByID(stale.ID()) == nil)
}

func TestRegistryDoesNotReclaimOpenWindow(t *testing.T) {
	r := testRegistry(1)
	now := time.Now()

	pending := newClient(r.NextID(), nil, now)
	_, err := r.Add(pending, now)
	assert.NilError(t, err)
	pending.markPending(now.Add(-10 * time.Second))

	_, err = r.Add(newClient(r.NextID(), nil, now), now)
	assert.ErrorIs(t, err, ErrRegistryFull)
}

func TestRegistryRemove(t *testing.T) {
	r := testRegistry(4)
	now := time.Now()

	a := newClient(r.NextID(), nil, now)
	_, err := r.Add(a, now)
	assert.NilError(t, err)

	r.Remove(a)
	assert.Equal(t, r.Count(), 0)
	assert.Assert(t, r.FindByID(a.ID()) == nil)
}

func TestRegistryRemoveRepairsDuplicateSlots(t *testing.T) {
	r := testRegistry(4)
	now := time.Now()

	a := newClient(r.NextID(), nil, now)
	// Simulate the invariant violation directly; Remove must clear both.
	r.slots[0] = a
	r.slots[2] = a

	r.Remove(a)
	assert.Equal(t, r.Count(), 0)
}

func TestRegistryReplace(t *testing.T) {
	r := testRegistry(4)
	now := time.Now()

	old := newClient(r.NextID(), nil, now)
	fresh := newClient(r.NextID(), nil, now)
	_, err := r.Add(old, now)
	assert.NilError(t, err)
	_, err = r.Add(fresh, now)
	assert.NilError(t, err)

	fresh.adoptIdentity(old.ID(), "nick", now)
	assert.NilError(t, r.Replace(old, fresh))

	// Exactly one record with the surviving id, and the fresh record's
	// original slot is cleared.
	assert.Equal(t, r.Count(), 1)
	assert.Equal(t, r.FindByID(old.ID()), fresh)

	// The losing path finds nothing to replace.
	assert.ErrorIs(t, r.Replace(old, fresh), ErrNotInList)
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	r := testRegistry(4)
	now := time.Now()

	a := newClient(r.NextID(), nil, now)
	_, err := r.Add(a, now)
	assert.NilError(t, err)

	snap := r.Snapshot()
	assert.Equal(t, len(snap), 1)
	r.Remove(a)
	assert.Equal(t, snap[0], a)
	assert.Equal(t, r.Count(), 0)
}
