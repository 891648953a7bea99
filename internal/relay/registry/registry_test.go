package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chat-relay-go/internal/network/session/sessiontest"
)

func TestEdges(t *testing.T) {
	r := New()
	s1 := sessiontest.New("s1", nil)
	s2 := sessiontest.New("s2", nil)

	assert.True(t, r.Add("alice", s1))
	assert.False(t, r.Add("alice", s2))
	assert.False(t, r.Add("alice", s2), "duplicate add is not an edge")
	assert.True(t, r.Online("alice"))
	assert.Equal(t, 2, r.SessionCount())

	assert.False(t, r.Remove("alice", "s1"))
	assert.True(t, r.Contains("alice", "s2"))
	assert.True(t, r.Remove("alice", "s2"))
	assert.False(t, r.Remove("alice", "s2"), "unknown session is not an edge")
	assert.False(t, r.Online("alice"))
	assert.Zero(t, r.Count())
	assert.Zero(t, r.PendingLocks())
}

func TestTicketsFollowEdgeOrder(t *testing.T) {
	r := New()
	ctx := context.Background()

	first, online := r.AddAndEnqueue("alice", sessiontest.New("s1", nil))
	require.True(t, first)
	last, offline := r.RemoveAndEnqueue("alice", "s1")
	require.True(t, last)

	require.NoError(t, online.Wait(ctx))
	waited := make(chan struct{})
	go func() {
		_ = offline.Wait(ctx)
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("offline ticket entered before online ticket released")
	default:
	}
	online.Release()
	<-waited
	offline.Release()
	assert.Zero(t, r.PendingLocks())
}

func TestEnqueueIfRegistered(t *testing.T) {
	r := New()
	r.Add("alice", sessiontest.New("s1", nil))

	ticket, ok := r.EnqueueIfRegistered("alice", "s1")
	require.True(t, ok)
	ticket.Release()

	_, ok = r.EnqueueIfRegistered("alice", "s2")
	assert.False(t, ok)
	_, ok = r.EnqueueIfRegistered("bob", "s1")
	assert.False(t, ok)
}

func TestConcurrentSessionsProduceOneEdgeEachWay(t *testing.T) {
	r := New()
	const n = 64
	var (
		wg              sync.WaitGroup
		mu              sync.Mutex
		firsts, lasts   int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Add("alice", sessiontest.New(fmt.Sprintf("s%d", i), nil)) {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Remove("alice", fmt.Sprintf("s%d", i)) {
				mu.Lock()
				lasts++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, firsts)
	assert.Equal(t, 1, lasts)
	assert.False(t, r.Online("alice"))
}

func TestSnapshotsAndClear(t *testing.T) {
	r := New()
	r.Add("bob", sessiontest.New("b1", nil))
	r.Add("alice", sessiontest.New("a1", nil))
	r.Add("alice", sessiontest.New("a2", nil))

	assert.Equal(t, []string{"alice", "bob"}, r.Users())
	assert.Len(t, r.Sessions("alice"), 2)
	assert.Len(t, r.All(), 3)

	tickets := r.EnqueueAll()
	assert.Len(t, tickets, 2)
	for _, ticket := range tickets {
		ticket.Release()
	}

	r.Clear()
	assert.Zero(t, r.Count())
	assert.Empty(t, r.All())
}
