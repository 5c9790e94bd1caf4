package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acknet/ackchat/internal/protocol"
)

// TestRegistry_CreateAndExists tests basic entry creation
func TestRegistry_CreateAndExists(t *testing.T) {
	r := New()

	require.False(t, r.Exists("alice"))
	require.NoError(t, r.Create("alice", nil, "tag-1"))
	assert.True(t, r.Exists("alice"))
	assert.Equal(t, 1, r.Size())

	entry, ok := r.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", entry.UserName)
	assert.Equal(t, "tag-1", entry.ThreadTag)
	assert.Equal(t, protocol.StatusUnregistered, entry.Status)
	assert.False(t, entry.LoginTime.IsZero())
}

// TestRegistry_CreateDuplicate tests that a second login under the same name
// loses the race
func TestRegistry_CreateDuplicate(t *testing.T) {
	r := New()

	require.NoError(t, r.Create("alice", nil, "tag-1"))
	err := r.Create("alice", nil, "tag-2")
	require.ErrorIs(t, err, ErrDuplicateUser)
	assert.Equal(t, 1, r.Size())
}

// TestRegistry_CreateConcurrent tests that exactly one of many simultaneous
// creates under one name succeeds
func TestRegistry_CreateConcurrent(t *testing.T) {
	r := New()

	const attempts = 50
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- r.Create("alice", nil, fmt.Sprintf("tag-%d", i))
		}(i)
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		if err == nil {
			ok++
		} else {
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, dup)
	assert.Equal(t, 1, r.Size())
}

// TestRegistry_ChangeStatus tests status transitions and the unknown-name
// no-op
func TestRegistry_ChangeStatus(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("alice", nil, ""))

	r.ChangeStatus("alice", protocol.StatusRegistered)
	entry, ok := r.Get("alice")
	require.True(t, ok)
	assert.Equal(t, protocol.StatusRegistered, entry.Status)

	// Unknown names must not panic or create entries.
	r.ChangeStatus("ghost", protocol.StatusRegistered)
	assert.False(t, r.Exists("ghost"))
}

// TestRegistry_ListRegistered tests that only REGISTERED sessions appear in
// the roster
func TestRegistry_ListRegistered(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("alice", nil, ""))
	require.NoError(t, r.Create("bob", nil, ""))
	require.NoError(t, r.Create("carol", nil, ""))

	r.ChangeStatus("alice", protocol.StatusRegistered)
	r.ChangeStatus("bob", protocol.StatusRegistering)
	r.ChangeStatus("carol", protocol.StatusRegistered)

	assert.Equal(t, []string{"alice", "carol"}, r.ListRegistered())
	assert.Equal(t, []string{"alice", "bob", "carol"}, r.ListAll())
}

// TestRegistry_WaitListDrain tests the exactly-once drain signal
func TestRegistry_WaitListDrain(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("alice", nil, ""))
	require.NoError(t, r.Create("bob", nil, ""))
	require.NoError(t, r.Create("carol", nil, ""))

	snapshot := r.CreateWaitList("alice")
	assert.Equal(t, []string{"alice", "bob", "carol"}, snapshot)
	assert.Equal(t, 3, r.WaitListSize("alice"))

	remaining, drained := r.RemoveFromWaitList("alice", "alice")
	assert.Equal(t, 2, remaining)
	assert.False(t, drained)

	remaining, drained = r.RemoveFromWaitList("alice", "bob")
	assert.Equal(t, 1, remaining)
	assert.False(t, drained)

	remaining, drained = r.RemoveFromWaitList("alice", "carol")
	assert.Equal(t, 0, remaining)
	assert.True(t, drained)

	// The drained list is gone; further removals never re-signal.
	_, drained = r.RemoveFromWaitList("alice", "carol")
	assert.False(t, drained)
	assert.Equal(t, 0, r.WaitListSize("alice"))
}

// TestRegistry_WaitListIdempotentRemoval tests that removing an absent member
// is a no-op
func TestRegistry_WaitListIdempotentRemoval(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("alice", nil, ""))
	require.NoError(t, r.Create("bob", nil, ""))

	r.CreateWaitList("alice")

	remaining, drained := r.RemoveFromWaitList("alice", "ghost")
	assert.Equal(t, 2, remaining)
	assert.False(t, drained)

	// Unknown subject is equally harmless.
	remaining, drained = r.RemoveFromWaitList("ghost", "alice")
	assert.Equal(t, 0, remaining)
	assert.False(t, drained)
}

// TestRegistry_WaitListDrainConcurrent tests that concurrent confirms produce
// exactly one drain signal
func TestRegistry_WaitListDrainConcurrent(t *testing.T) {
	r := New()
	const members = 40
	names := make([]string, members)
	for i := range names {
		names[i] = fmt.Sprintf("user-%02d", i)
		require.NoError(t, r.Create(names[i], nil, ""))
	}

	r.CreateWaitList("user-00")

	var wg sync.WaitGroup
	drains := make(chan struct{}, members)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, drained := r.RemoveFromWaitList("user-00", name); drained {
				drains <- struct{}{}
			}
		}(name)
	}
	wg.Wait()
	close(drains)

	count := 0
	for range drains {
		count++
	}
	assert.Equal(t, 1, count)
}

// TestRegistry_DeleteConditions tests that Delete requires finished and
// unreferenced
func TestRegistry_DeleteConditions(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("alice", nil, ""))
	require.NoError(t, r.Create("bob", nil, ""))

	// Not finished yet.
	assert.False(t, r.Delete("alice"))

	// Finished but still pending in bob's wait list.
	r.CreateWaitList("bob")
	r.MarkFinished("alice")
	assert.False(t, r.Delete("alice"))

	// Once the reference is gone, deletion succeeds.
	r.RemoveFromWaitList("bob", "alice")
	assert.True(t, r.Delete("alice"))
	assert.False(t, r.Exists("alice"))

	// Unknown names are not deletable.
	assert.False(t, r.Delete("alice"))
}

// TestRegistry_DeleteUnconditionalDrains tests that a forced removal releases
// wait lists the departed user was blocking
func TestRegistry_DeleteUnconditionalDrains(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("alice", nil, ""))
	require.NoError(t, r.Create("bob", nil, ""))
	require.NoError(t, r.Create("carol", nil, ""))

	// Bob and carol each have a broadcast waiting only on alice.
	r.CreateWaitList("bob")
	r.CreateWaitList("carol")
	r.RemoveFromWaitList("bob", "bob")
	r.RemoveFromWaitList("bob", "carol")
	r.RemoveFromWaitList("carol", "bob")
	r.RemoveFromWaitList("carol", "carol")
	// Alice also has her own outstanding broadcast.
	r.CreateWaitList("alice")

	drained := r.DeleteUnconditional("alice")
	assert.Equal(t, []string{"bob", "carol"}, drained)
	assert.False(t, r.Exists("alice"))

	// Her own wait list is discarded without a drain signal.
	assert.Equal(t, 0, r.WaitListSize("alice"))
}

// TestRegistry_GarbageCollect tests the sweep of finished unreferenced
// entries
func TestRegistry_GarbageCollect(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("alice", nil, ""))
	require.NoError(t, r.Create("bob", nil, ""))
	require.NoError(t, r.Create("carol", nil, ""))

	r.MarkFinished("alice")
	r.MarkFinished("bob")

	// Bob is still pending in carol's wait list, so only alice goes.
	r.CreateWaitList("carol")
	r.RemoveFromWaitList("carol", "alice")
	r.RemoveFromWaitList("carol", "carol")

	deleted := r.GarbageCollect()
	assert.Equal(t, []string{"alice"}, deleted)
	assert.True(t, r.Exists("bob"))

	// After bob's reference drains he is collectable too.
	r.RemoveFromWaitList("carol", "bob")
	deleted = r.GarbageCollect()
	assert.Equal(t, []string{"bob"}, deleted)

	assert.Empty(t, r.GarbageCollect())
	assert.Equal(t, 1, r.Size())
}

// TestRegistry_CountersAndPending tests the per-entry bookkeeping setters
func TestRegistry_CountersAndPending(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("alice", nil, ""))

	start := time.Now()
	r.SetRequestStart("alice", start)
	r.SetPendingSequence("alice", 7)
	r.IncrReceivedMessages("alice")
	r.IncrReceivedMessages("alice")
	r.IncrSentEvents("alice")
	r.IncrReceivedConfirms("alice")

	entry, ok := r.Get("alice")
	require.True(t, ok)
	assert.Equal(t, start, entry.RequestStart)
	assert.Equal(t, start, entry.LastRequestAt)
	assert.Equal(t, uint64(7), entry.PendingSeq)
	assert.Equal(t, uint64(2), entry.ReceivedMessages)
	assert.Equal(t, uint64(1), entry.SentEvents)
	assert.Equal(t, uint64(1), entry.ReceivedConfirms)

	stats := entry.Stats()
	assert.Equal(t, uint64(2), stats.ReceivedMessages)
	assert.Equal(t, uint64(1), stats.SentEvents)
	assert.Equal(t, uint64(1), stats.ReceivedConfirms)
}

// TestCounters_Snapshot tests the shared counter snapshot
func TestCounters_Snapshot(t *testing.T) {
	var c Counters
	c.EventsSent.Add(3)
	c.ConfirmsReceived.Add(2)
	c.Requests.Add(5)
	c.Logouts.Add(1)
	c.LoggedIn.Add(4)
	c.LoggedIn.Add(-1)

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.EventsSent)
	assert.Equal(t, int64(2), snap.ConfirmsReceived)
	assert.Equal(t, int64(5), snap.Requests)
	assert.Equal(t, int64(1), snap.Logouts)
	assert.Equal(t, int64(3), snap.LoggedIn)
}

// TestRegistry_WaitListReplacement tests that re-creating a subject's wait
// list replaces the pending set wholesale and the replacement drains normally
func TestRegistry_WaitListReplacement(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("alice", nil, ""))
	require.NoError(t, r.Create("bob", nil, ""))

	r.CreateWaitList("alice")
	_, drained := r.RemoveFromWaitList("alice", "bob")
	require.False(t, drained)
	require.Equal(t, 1, r.WaitListSize("alice"))

	// A pipelined second request replaces the half-drained list.
	snapshot := r.CreateWaitList("alice")
	assert.Equal(t, []string{"alice", "bob"}, snapshot)
	assert.Equal(t, 2, r.WaitListSize("alice"))

	_, drained = r.RemoveFromWaitList("alice", "alice")
	require.False(t, drained)
	_, drained = r.RemoveFromWaitList("alice", "bob")
	assert.True(t, drained)
	assert.Equal(t, 0, r.WaitListSize("alice"))
}
