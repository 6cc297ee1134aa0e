package inproc

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/cuemby/nod/rma"
	"github.com/stretchr/testify/require"
)

func TestGetPutRoundTrip(t *testing.T) {
	ctx := context.Background()
	cl := NewCluster(2)
	f0 := NewFacade(cl, 0)
	w, err := f0.AllocateWindow(ctx, rma.WindowBlocks, 4096)
	require.NoError(t, err)

	payload := []byte("hello-block")
	require.NoError(t, f0.Put(ctx, w, 1, 128, payload))

	got := make([]byte, len(payload))
	require.NoError(t, f0.Get(ctx, w, 1, 128, got))
	require.Equal(t, payload, got)
}

func TestFetchAndAddU64(t *testing.T) {
	ctx := context.Background()
	cl := NewCluster(1)
	f := NewFacade(cl, 0)
	w, err := f.AllocateWindow(ctx, rma.WindowSystem, 64)
	require.NoError(t, err)

	old, err := f.FetchAndAddU64(ctx, w, 0, 0, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), old)

	old, err = f.FetchAndAddU64(ctx, w, 0, 0, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), old)

	buf := make([]byte, 8)
	require.NoError(t, f.Get(ctx, w, 0, 0, buf))
	require.Equal(t, uint64(2), binary.LittleEndian.Uint64(buf))
}

func TestCompareAndSwapU64(t *testing.T) {
	ctx := context.Background()
	cl := NewCluster(1)
	f := NewFacade(cl, 0)
	w, err := f.AllocateWindow(ctx, rma.WindowSystem, 64)
	require.NoError(t, err)

	observed, err := f.CompareAndSwapU64(ctx, w, 0, 0, 0, 42)
	require.NoError(t, err)
	require.Equal(t, uint64(0), observed)

	// Stale compare fails: value is now 42, not 0.
	observed, err = f.CompareAndSwapU64(ctx, w, 0, 0, 0, 99)
	require.NoError(t, err)
	require.Equal(t, uint64(42), observed)

	buf := make([]byte, 8)
	require.NoError(t, f.Get(ctx, w, 0, 0, buf))
	require.Equal(t, uint64(42), binary.LittleEndian.Uint64(buf))
}

func TestConcurrentCompareAndSwapOnlyOneWinnerPerValue(t *testing.T) {
	ctx := context.Background()
	cl := NewCluster(1)
	f := NewFacade(cl, 0)
	w, err := f.AllocateWindow(ctx, rma.WindowSystem, 64)
	require.NoError(t, err)

	const attempts = 64
	var wg sync.WaitGroup
	successes := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			observed, err := f.CompareAndSwapU64(ctx, w, 0, 0, 0, uint64(i+1))
			require.NoError(t, err)
			successes[i] = observed == 0
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range successes {
		if ok {
			winners++
		}
	}
	require.Equal(t, 1, winners, "exactly one CAS from value 0 should succeed")
}

func TestBarrierReleasesAllPeers(t *testing.T) {
	ctx := context.Background()
	cl := NewCluster(4)
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			f := NewFacade(cl, r)
			require.NoError(t, f.Group().Barrier(ctx))
		}(r)
	}
	wg.Wait()
}

func TestAllreduceUnanimity(t *testing.T) {
	ctx := context.Background()
	cl := NewCluster(3)
	votes := []bool{true, true, false}
	results := make([]bool, 3)
	var wg sync.WaitGroup
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			f := NewFacade(cl, r)
			res, err := f.Group().Allreduce(ctx, votes[r])
			require.NoError(t, err)
			results[r] = res
		}(r)
	}
	wg.Wait()
	for _, r := range results {
		require.False(t, r, "one dissenting vote must make the whole allreduce false")
	}
}

func TestLockAllExcludesConcurrentLockAll(t *testing.T) {
	ctx := context.Background()
	cl := NewCluster(1)
	f := NewFacade(cl, 0)
	w, err := f.AllocateWindow(ctx, rma.WindowBlocks, 16)
	require.NoError(t, err)

	require.NoError(t, f.LockAll(ctx, w))
	done := make(chan struct{})
	go func() {
		require.NoError(t, f.LockAll(ctx, w))
		close(done)
		require.NoError(t, f.UnlockAll(ctx, w))
	}()
	select {
	case <-done:
		t.Fatal("second LockAll should not have completed while first is held")
	default:
	}
	require.NoError(t, f.UnlockAll(ctx, w))
	<-done
}
