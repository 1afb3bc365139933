package provider

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackQueueKeepsOrderPerKey(t *testing.T) {
	q := newCallbackQueue()

	var mu sync.Mutex
	got := make(map[string][]int)

	const keys = 8
	const perKey = 100
	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			key := fmt.Sprintf("k-%d", k)
			for i := 0; i < perKey; i++ {
				i := i
				assert.NoError(t, q.push(key, func() {
					mu.Lock()
					got[key] = append(got[key], i)
					mu.Unlock()
				}))
			}
		}(k)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.wait(ctx))
	assert.Zero(t, q.pending())

	require.Len(t, got, keys)
	for key, seq := range got {
		require.Len(t, seq, perKey, key)
		for i, v := range seq {
			assert.Equal(t, i, v, "порядок задач %s", key)
		}
	}
}

// TestCallbackQueuePushFromTask задача может ставить новые задачи, в том числе в свою очередь
func TestCallbackQueuePushFromTask(t *testing.T) {
	q := newCallbackQueue()

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	require.NoError(t, q.push("a", func() {
		record("a1")
		assert.NoError(t, q.push("a", func() { record("a2") }))
		assert.NoError(t, q.push("b", func() { record("b1") }))
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.wait(ctx), "wait дожидается и вложенных задач")

	assert.ElementsMatch(t, []string{"a1", "a2", "b1"}, order)
	assert.Equal(t, "a1", order[0])
}

func TestCallbackQueueWaitHonorsContext(t *testing.T) {
	q := newCallbackQueue()
	release := make(chan struct{})
	require.NoError(t, q.push("slow", func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.wait(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, q.pending())

	close(release)
	require.NoError(t, q.wait(context.Background()))
}

func TestCallbackQueueClose(t *testing.T) {
	q := newCallbackQueue()
	done := make(chan struct{})
	require.NoError(t, q.push("a", func() { close(done) }))

	require.NoError(t, q.close(context.Background()))
	select {
	case <-done:
	default:
		t.Fatal("задача, поставленная до close, не выполнена")
	}

	assert.ErrorIs(t, q.push("a", func() {}), errQueueClosed)
	assert.NoError(t, q.wait(context.Background()))
}
