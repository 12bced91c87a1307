//go:build !windows

package wrapper

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentchattr/pkg/logx"
)

func TestLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claude.lock")

	l1, err := acquireLock(path)
	require.NoError(t, err)

	_, err = acquireLock(path)
	require.ErrorIs(t, err, ErrLockHeld)
	assert.Contains(t, err.Error(), strconv.Itoa(os.Getpid()))

	l1.Release()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	l2, err := acquireLock(path)
	require.NoError(t, err)
	l2.Release()
}

func TestLockRecordsHolderPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claude.lock")
	l, err := acquireLock(path)
	require.NoError(t, err)
	defer l.Release()
	assert.Equal(t, os.Getpid(), holderPID(path))
}

func TestStealLockWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claude.lock")
	l1, err := acquireLock(path)
	require.NoError(t, err)

	type result struct {
		lock *Lock
		err  error
	}
	got := make(chan result, 1)
	go func() {
		l, err := stealLock(path, logx.NewLogger("test"))
		got <- result{l, err}
	}()

	// The steal spins on the held lock until the holder lets go. The
	// holder is this process, so no signal is sent.
	time.Sleep(100 * time.Millisecond)
	l1.Release()

	select {
	case r := <-got:
		require.NoError(t, r.err)
		require.NotNil(t, r.lock)
		r.lock.Release()
	case <-time.After(10 * time.Second):
		t.Fatal("steal did not complete")
	}
}
