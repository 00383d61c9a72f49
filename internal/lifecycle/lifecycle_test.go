package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/sources"
)

// The manager's TempDir hands scratch directories to source adapters.
var _ sources.TempDirFunc = (*Manager)(nil).TempDir

func TestFirstSignalCancelsRoot(t *testing.T) {
	m := New(context.Background(), Options{})
	m.HandleSignals()
	defer m.Close()

	select {
	case <-m.Context().Done():
		t.Fatal("context cancelled before any signal")
	default:
	}

	m.sigs <- syscall.SIGINT

	select {
	case <-m.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after signal")
	}
}

func TestSecondSignalExits(t *testing.T) {
	m := New(context.Background(), Options{})
	exited := make(chan int, 1)
	m.exit = func(code int) { exited <- code }
	m.HandleSignals()
	defer m.Close()

	m.sigs <- syscall.SIGINT
	m.sigs <- syscall.SIGTERM

	select {
	case code := <-exited:
		assert.Equal(t, SignalExitCode, code)
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not exit")
	}
}

func TestGoRunsUnderRootContext(t *testing.T) {
	m := New(context.Background(), Options{})

	sawCancel := make(chan struct{})
	m.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		close(sawCancel)
		return ctx.Err()
	})

	require.NoError(t, m.Close())

	select {
	case <-sawCancel:
	default:
		t.Fatal("task did not observe cancellation before Close returned")
	}
}

func TestCloseReportsDrainDeadline(t *testing.T) {
	m := New(context.Background(), Options{DrainDeadline: 50 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)
	m.Go("stuck", func(ctx context.Context) error {
		<-release
		return nil
	})

	err := m.Close()
	require.Error(t, err)
	assert.Equal(t, errkind.Cancelled, errkind.KindOf(err))
}

func TestTempDirsRemovedOnClose(t *testing.T) {
	m := New(context.Background(), Options{})

	created, err := m.TempDir("qloader-test-*")
	require.NoError(t, err)
	require.DirExists(t, created)

	external := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, os.Mkdir(external, 0o755))
	m.RegisterTempDir(external)

	require.NoError(t, m.Close())
	assert.NoDirExists(t, created)
	assert.NoDirExists(t, external)
}

func TestCloseIdempotent(t *testing.T) {
	m := New(context.Background(), Options{})
	m.HandleSignals()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestCleanupIsReentrant(t *testing.T) {
	m := New(context.Background(), Options{})

	dir, err := m.TempDir("qloader-test-*")
	require.NoError(t, err)

	m.Cleanup()
	assert.NoDirExists(t, dir)
	m.Cleanup()
}
