package fingerprint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataloft/tabflow/pkg/decision"
)

func testDecision(table string) *decision.MappingDecision {
	return &decision.MappingDecision{
		Strategy:    decision.StrategyNewTable,
		TargetTable: table,
		HasHeader:   true,
	}
}

func TestCoordinatorSingleOwner(t *testing.T) {
	coord := NewCoordinator(Config{})
	ctx := context.Background()

	var calls atomic.Int32
	compute := func(ctx context.Context) (*decision.MappingDecision, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return testDecision("people"), nil
	}

	const workers = 8
	results := make([]*decision.MappingDecision, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, _, err := coord.Resolve(ctx, "fp-1", 3, compute)
			require.NoError(t, err)
			results[i] = d
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "structurally identical inputs share one oracle call")
	for _, d := range results {
		require.NotNil(t, d)
		assert.Equal(t, "people", d.TargetTable)
	}
}

func TestCoordinatorDistinctFingerprints(t *testing.T) {
	coord := NewCoordinator(Config{})
	ctx := context.Background()

	var calls atomic.Int32
	compute := func(ctx context.Context) (*decision.MappingDecision, error) {
		calls.Add(1)
		return testDecision("t"), nil
	}

	_, fresh1, err := coord.Resolve(ctx, "fp-a", 2, compute)
	require.NoError(t, err)
	_, fresh2, err := coord.Resolve(ctx, "fp-b", 2, compute)
	require.NoError(t, err)

	assert.True(t, fresh1)
	assert.True(t, fresh2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCoordinatorCachedReuse(t *testing.T) {
	coord := NewCoordinator(Config{})
	ctx := context.Background()

	_, fresh, err := coord.Resolve(ctx, "fp-1", 2, func(ctx context.Context) (*decision.MappingDecision, error) {
		return testDecision("people"), nil
	})
	require.NoError(t, err)
	assert.True(t, fresh)

	d, fresh, err := coord.Resolve(ctx, "fp-1", 2, func(ctx context.Context) (*decision.MappingDecision, error) {
		t.Fatal("compute must not run for a cached fingerprint")
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, "people", d.TargetTable)
}

func TestCoordinatorOwnerFailureReleasesWaiters(t *testing.T) {
	coord := NewCoordinator(Config{WaitBase: 5 * time.Second})
	ctx := context.Background()

	ownerStarted := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, _, _ = coord.Resolve(ctx, "fp-1", 2, func(ctx context.Context) (*decision.MappingDecision, error) {
			close(ownerStarted)
			<-release
			return nil, errors.New("oracle down")
		})
	}()
	<-ownerStarted

	done := make(chan struct{})
	var waiterFresh bool
	go func() {
		defer close(done)
		d, fresh, err := coord.Resolve(ctx, "fp-1", 2, func(ctx context.Context) (*decision.MappingDecision, error) {
			return testDecision("fallback"), nil
		})
		require.NoError(t, err)
		require.NotNil(t, d)
		waiterFresh = fresh
	}()

	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released after owner failure")
	}
	assert.True(t, waiterFresh, "waiter degrades to its own oracle call when the owner fails")
}

func TestCoordinatorTimeoutFallback(t *testing.T) {
	ctx := context.Background()

	startSlowOwner := func(coord *Coordinator) chan struct{} {
		started := make(chan struct{})
		release := make(chan struct{})
		go func() {
			_, _, _ = coord.Resolve(ctx, "fp-1", 2, func(ctx context.Context) (*decision.MappingDecision, error) {
				close(started)
				<-release
				return testDecision("slow"), nil
			})
		}()
		<-started
		t.Cleanup(func() { close(release) })
		return release
	}

	t.Run("independent", func(t *testing.T) {
		coord := NewCoordinator(Config{
			WaitBase:      10 * time.Millisecond,
			WaitPerColumn: time.Millisecond,
			WaitMax:       50 * time.Millisecond,
			Fallback:      FallbackIndependent,
		})
		startSlowOwner(coord)

		d, fresh, err := coord.Resolve(ctx, "fp-1", 2, func(ctx context.Context) (*decision.MappingDecision, error) {
			return testDecision("independent"), nil
		})
		require.NoError(t, err)
		assert.True(t, fresh)
		assert.Equal(t, "independent", d.TargetTable)
	})

	t.Run("fail", func(t *testing.T) {
		coord := NewCoordinator(Config{
			WaitBase:      10 * time.Millisecond,
			WaitPerColumn: time.Millisecond,
			WaitMax:       50 * time.Millisecond,
			Fallback:      FallbackFail,
		})
		startSlowOwner(coord)

		_, _, err := coord.Resolve(ctx, "fp-1", 2, func(ctx context.Context) (*decision.MappingDecision, error) {
			t.Fatal("FallbackFail must not make a second oracle call")
			return nil, nil
		})
		require.ErrorIs(t, err, ErrDecisionTimeout)
	})
}

func TestCoordinatorExecutedDestinationWins(t *testing.T) {
	coord := NewCoordinator(Config{})
	ctx := context.Background()

	_, _, err := coord.Resolve(ctx, "fp-1", 2, func(ctx context.Context) (*decision.MappingDecision, error) {
		return testDecision("proposed"), nil
	})
	require.NoError(t, err)

	// Execution landed the rows somewhere else (e.g. the table already
	// existed under a normalized name).
	coord.RecordExecuted("fp-1", "actual")

	d, fresh, err := coord.Resolve(ctx, "fp-1", 2, func(ctx context.Context) (*decision.MappingDecision, error) {
		t.Fatal("no oracle call expected")
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, decision.StrategyMergeExisting, d.Strategy)
	assert.Equal(t, "actual", d.TargetTable)

	table, ok := coord.ExecutedTable("fp-1")
	require.True(t, ok)
	assert.Equal(t, "actual", table)
}

func TestCoordinatorTimeoutPrefersRegistry(t *testing.T) {
	coord := NewCoordinator(Config{
		WaitBase: 10 * time.Millisecond,
		WaitMax:  20 * time.Millisecond,
		Fallback: FallbackFail,
	})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go func() {
		_, _, _ = coord.Resolve(ctx, "fp-1", 2, func(ctx context.Context) (*decision.MappingDecision, error) {
			close(started)
			<-release
			return testDecision("slow"), nil
		})
	}()
	<-started

	// A sibling's write already landed for this fingerprint.
	coord.RecordExecuted("fp-1", "landed")

	d, fresh, err := coord.Resolve(ctx, "fp-1", 2, func(ctx context.Context) (*decision.MappingDecision, error) {
		t.Fatal("registry hit must not call the oracle")
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, decision.StrategyMergeExisting, d.Strategy)
	assert.Equal(t, "landed", d.TargetTable)
}

func TestCoordinatorContextCancelled(t *testing.T) {
	coord := NewCoordinator(Config{WaitBase: 5 * time.Second})

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go func() {
		_, _, _ = coord.Resolve(context.Background(), "fp-1", 2, func(ctx context.Context) (*decision.MappingDecision, error) {
			close(started)
			<-release
			return testDecision("slow"), nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := coord.Resolve(ctx, "fp-1", 2, func(ctx context.Context) (*decision.MappingDecision, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
