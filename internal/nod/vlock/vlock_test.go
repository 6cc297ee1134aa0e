package vlock

import (
	"context"
	"sync"
	"testing"

	"github.com/cuemby/nod/internal/locator"
	"github.com/cuemby/nod/rma"
	"github.com/cuemby/nod/rma/inproc"
	"github.com/stretchr/testify/require"
)

func newLock(t *testing.T, blockSize uint32, loc locator.Locator) (*inproc.Facade, *Lock) {
	t.Helper()
	cl := inproc.NewCluster(1)
	f := inproc.NewFacade(cl, 0)
	w, err := f.AllocateWindow(context.Background(), rma.WindowLock, 64*8)
	require.NoError(t, err)
	return f, New(f, w, blockSize, loc)
}

func TestAcquireReadSucceedsWhenNoWriter(t *testing.T) {
	ctx := context.Background()
	_, l := newLock(t, 512, locator.Pack(0, 0))

	inc, ok, err := l.AcquireRead(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(0), inc)

	word, err := l.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), word.Readers)
	require.False(t, word.Writer)
}

// P1: lock exclusivity — acquiring a read lock while a writer holds the
// block fails and releases the speculative reservation.
func TestAcquireReadFailsWhileWriterHeld(t *testing.T) {
	ctx := context.Background()
	_, l := newLock(t, 512, locator.Pack(0, 0))

	_, err := l.SetWriteOnFreshBlock(ctx)
	require.NoError(t, err)

	_, ok, err := l.AcquireRead(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	word, err := l.Read(ctx)
	require.NoError(t, err)
	require.True(t, word.Writer)
	require.Equal(t, uint32(0), word.Readers, "failed reservation must be rolled back")
}

func TestUpgradeSucceedsWithSingleReader(t *testing.T) {
	ctx := context.Background()
	_, l := newLock(t, 512, locator.Pack(0, 0))

	inc, ok, err := l.AcquireRead(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	upgraded, err := l.TryUpgradeReadToWrite(ctx, inc)
	require.NoError(t, err)
	require.True(t, upgraded)

	word, err := l.Read(ctx)
	require.NoError(t, err)
	require.True(t, word.Writer)
	require.Equal(t, uint32(0), word.Readers)
}

// S5: lock upgrade contention — with two readers holding the lock, an
// upgrade fails; once one reader releases, the other's upgrade succeeds.
func TestUpgradeFailsWithTwoReaders(t *testing.T) {
	ctx := context.Background()
	_, l := newLock(t, 512, locator.Pack(0, 0))

	inc1, ok, err := l.AcquireRead(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = l.AcquireRead(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	upgraded, err := l.TryUpgradeReadToWrite(ctx, inc1)
	require.NoError(t, err)
	require.False(t, upgraded, "upgrade must fail while a second reader holds the lock")

	// T1 releases; T2's subsequent upgrade now succeeds.
	require.NoError(t, l.ReleaseRead(ctx))
	upgraded, err = l.TryUpgradeReadToWrite(ctx, inc1)
	require.NoError(t, err)
	require.True(t, upgraded)
}

// P4: incarnation monotonicity — release-on-delete bumps the incarnation
// atomically with clearing the writer bit.
func TestReleaseWriteOnDeleteBumpsIncarnation(t *testing.T) {
	ctx := context.Background()
	_, l := newLock(t, 512, locator.Pack(0, 0))

	inc0, err := l.SetWriteOnFreshBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(0), inc0)

	require.NoError(t, l.ReleaseWrite(ctx, true))

	word, err := l.Read(ctx)
	require.NoError(t, err)
	require.False(t, word.Writer)
	require.Equal(t, uint32(0), word.Readers)
	require.Equal(t, uint32(1), word.Incarnation)
}

func TestReleaseWriteWithoutDeleteDoesNotBumpIncarnation(t *testing.T) {
	ctx := context.Background()
	_, l := newLock(t, 512, locator.Pack(0, 0))

	_, err := l.SetWriteOnFreshBlock(ctx)
	require.NoError(t, err)
	require.NoError(t, l.ReleaseWrite(ctx, false))

	word, err := l.Read(ctx)
	require.NoError(t, err)
	require.False(t, word.Writer)
	require.Equal(t, uint32(0), word.Incarnation)
}

func TestConcurrentReadersAllSucceed(t *testing.T) {
	ctx := context.Background()
	_, l := newLock(t, 512, locator.Pack(0, 0))

	const n = 50
	var wg sync.WaitGroup
	failures := 0
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := l.AcquireRead(ctx)
			require.NoError(t, err)
			if !ok {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 0, failures)

	word, err := l.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(n), word.Readers)
}
