package downloaders

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchRunsFunction(t *testing.T) {
	g := New()
	var ran int32
	err := g.Fetch(context.Background(), "a", func() error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, ran)
}

func TestFetchPropagatesError(t *testing.T) {
	g := New()
	err := g.Fetch(context.Background(), "a", func() error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestFetchCoalescesConcurrentCallers(t *testing.T) {
	g := New()
	start := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	fn := func() error {
		atomic.AddInt32(&calls, 1)
		close(start)
		<-release
		return nil
	}

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = g.Fetch(context.Background(), "shared", fn)
		}()
	}

	<-start
	assert.True(t, g.InFlight("shared"))
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls)
	for _, err := range results {
		assert.NoError(t, err)
	}
	assert.False(t, g.InFlight("shared"))
}

func TestFetchRespectsContextTimeout(t *testing.T) {
	g := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)

	err := g.Fetch(ctx, "slow", func() error {
		<-release
		return nil
	})
	assert.Error(t, err)
}

func TestDistinctKeysDoNotCoalesce(t *testing.T) {
	g := New()
	var calls int32
	fn := func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	require.NoError(t, g.Fetch(context.Background(), "a", fn))
	require.NoError(t, g.Fetch(context.Background(), "b", fn))

	assert.EqualValues(t, 2, calls)
}
