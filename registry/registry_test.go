package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/requiem-go/requiem/internal/errs"
	"github.com/requiem-go/requiem/registry"
)

func TestInsertUniqueLookupRemove(t *testing.T) {
	r := registry.New()
	cid := []byte("connection-id-0123456789")

	entry, err := r.InsertUnique(&registry.Entry{LocalCID: cid, ActorID: "actor-1", CreatedAt: time.Now()})
	require.NoError(t, err)
	require.Equal(t, "actor-1", entry.ActorID)

	got, ok := r.Lookup(cid)
	require.True(t, ok)
	require.Equal(t, "actor-1", got.ActorID)

	r.Remove(cid)
	_, ok = r.Lookup(cid)
	require.False(t, ok, "removed entry must not be visible even during its tombstone grace window")
}

func TestInsertUniqueRejectsDuplicate(t *testing.T) {
	r := registry.New()
	cid := []byte("connection-id-0123456789")

	_, err := r.InsertUnique(&registry.Entry{LocalCID: cid, ActorID: "actor-1"})
	require.NoError(t, err)

	winner, err := r.InsertUnique(&registry.Entry{LocalCID: cid, ActorID: "actor-2"})
	require.ErrorIs(t, err, errs.ErrAlreadyRegistered)
	require.Equal(t, "actor-1", winner.ActorID, "loser must observe the winning entry")
}

// Exercises spec.md §8 invariant 4: concurrent InsertUnique calls with the
// same CID must yield exactly one winner.
func TestConcurrentInsertUniqueYieldsOneWinner(t *testing.T) {
	r := registry.New()
	cid := []byte("racing-connection-id")

	const n = 64
	var wins sync.Map // actorID -> true for winners
	var g errgroup.Group
	for i := 0; i < n; i++ {
		actorID := string([]byte{byte('a' + i%26), byte(i)})
		g.Go(func() error {
			e, err := r.InsertUnique(&registry.Entry{LocalCID: cid, ActorID: actorID, CreatedAt: time.Now()})
			if err == nil {
				wins.Store(e.ActorID, true)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	count := 0
	wins.Range(func(key, _ any) bool { count++; return true })
	require.Equal(t, 1, count)
	require.Equal(t, 1, r.Size())
}

func TestSizeCountsOnlyLiveEntries(t *testing.T) {
	r := registry.New()
	_, err := r.InsertUnique(&registry.Entry{LocalCID: []byte("a"), ActorID: "x"})
	require.NoError(t, err)
	_, err = r.InsertUnique(&registry.Entry{LocalCID: []byte("b"), ActorID: "y"})
	require.NoError(t, err)
	require.Equal(t, 2, r.Size())

	r.Remove([]byte("a"))
	require.Equal(t, 1, r.Size())
}
