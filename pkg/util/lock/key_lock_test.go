package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLockFIFO(t *testing.T) {
	l := NewKeyLock[string]()

	const n = 50
	tickets := make([]*Ticket[string], 0, n)
	for i := 0; i < n; i++ {
		tickets = append(tickets, l.Acquire("u1"))
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	// start waiters in reverse order, they must still run in Acquire order
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, tickets[i].Wait(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			tickets[i].Release()
		}(i)
	}
	wg.Wait()

	require.Len(t, order, n)
	for i := range order {
		assert.Equal(t, i, order[i])
	}
	assert.Equal(t, 0, l.Len())
}

func TestKeyLockIndependentKeys(t *testing.T) {
	l := NewKeyLock[string]()
	a, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer a.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	b.Release()
	assert.Equal(t, 1, l.Len())
}

func TestKeyLockDiscardedWhenUncontended(t *testing.T) {
	l := NewKeyLock[int]()
	first := l.Acquire(1)
	second := l.Acquire(1)
	assert.Equal(t, 1, l.Len())

	require.NoError(t, first.Wait(context.Background()))
	first.Release()
	first.Release()
	assert.Equal(t, 1, l.Len())

	require.NoError(t, second.Wait(context.Background()))
	second.Release()
	assert.Equal(t, 0, l.Len())
}

func TestKeyLockCanceledWaiterKeepsOrder(t *testing.T) {
	l := NewKeyLock[string]()
	holder, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := l.Acquire("k")
	last := l.Acquire("k")

	cancel()
	require.ErrorIs(t, abandoned.Wait(ctx), context.Canceled)
	abandoned.Release()

	acquired := make(chan struct{})
	go func() {
		_ = last.Wait(context.Background())
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("last ticket must wait for the holder")
	case <-time.After(30 * time.Millisecond):
	}

	holder.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("last ticket never acquired")
	}
	last.Release()
	assert.Equal(t, 0, l.Len())
}

func TestKeyLockClear(t *testing.T) {
	l := NewKeyLock[string]()
	old := l.Acquire("k")
	l.Clear()
	assert.Equal(t, 0, l.Len())

	fresh, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	old.Release()
	// releasing a ticket from the discarded queue must not drop the new one
	assert.Equal(t, 1, l.Len())
	fresh.Release()
	assert.Equal(t, 0, l.Len())
}
