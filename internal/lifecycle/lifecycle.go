// Package lifecycle owns process shutdown. One Manager per process
// holds the root context, the signal handler, the background task
// registry, and the temp directories that must not survive exit.
//
// The contract: the first SIGINT or SIGTERM cancels the root context
// and lets work drain; a second one exits immediately with code 130.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/logging"
)

const (
	// DefaultDrainDeadline bounds Close's wait for registered tasks.
	DefaultDrainDeadline = 30 * time.Second

	// SignalExitCode is the exit code after a second signal, following
	// the shell convention of 128 + SIGINT.
	SignalExitCode = 130
)

// Options configures a Manager.
type Options struct {
	// DrainDeadline bounds how long Close waits for tasks after
	// cancelling the root context.
	DrainDeadline time.Duration

	Logger *logging.Logger
}

// Manager coordinates shutdown for one process.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	drain  time.Duration
	logger *logging.Logger

	tasks sync.WaitGroup

	mu     sync.Mutex
	dirs   []string
	closed bool

	// sigs is the channel the signal goroutine reads. Tests send
	// synthetic signals on it.
	sigs chan os.Signal

	// exit is os.Exit, swappable in tests.
	exit func(code int)
}

// New builds a Manager rooted in parent.
func New(parent context.Context, opts Options) *Manager {
	if parent == nil {
		parent = context.Background()
	}
	if opts.DrainDeadline <= 0 {
		opts.DrainDeadline = DefaultDrainDeadline
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		drain:  opts.DrainDeadline,
		logger: opts.Logger.Named("lifecycle"),
		exit:   os.Exit,
	}
}

// Context is the root context everything in the process runs under.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// HandleSignals installs the SIGINT/SIGTERM handler. The first signal
// cancels the root context; the second exits with SignalExitCode
// without waiting for anything.
func (m *Manager) HandleSignals() {
	m.mu.Lock()
	if m.sigs != nil {
		m.mu.Unlock()
		return
	}
	m.sigs = make(chan os.Signal, 2)
	sigs := m.sigs
	m.mu.Unlock()

	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-sigs
		if !ok {
			return
		}
		m.logger.Warn(m.ctx, "shutdown requested, draining",
			zap.String("signal", sig.String()))
		m.cancel()

		if sig, ok = <-sigs; ok {
			m.logger.Warn(context.Background(), "second signal, exiting now",
				zap.String("signal", sig.String()))
			m.exit(SignalExitCode)
		}
	}()
}

// Go runs fn under the root context and tracks it until completion.
// A task error after cancellation is expected teardown noise and logged
// at debug; anything else is an error.
func (m *Manager) Go(name string, fn func(ctx context.Context) error) {
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		err := fn(m.ctx)
		switch {
		case err == nil:
		case m.ctx.Err() != nil || errkind.KindOf(err) == errkind.Cancelled:
			m.logger.Debug(context.Background(), "task stopped",
				zap.String("task", name), zap.Error(err))
		default:
			m.logger.Error(context.Background(), "task failed",
				zap.String("task", name), zap.Error(err))
		}
	}()
}

// TempDir creates a scratch directory removed at shutdown. It
// satisfies sources.TempDirFunc.
func (m *Manager) TempDir(pattern string) (string, error) {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		return "", errkind.Wrap(errkind.Server, err)
	}
	m.mu.Lock()
	m.dirs = append(m.dirs, dir)
	m.mu.Unlock()
	return dir, nil
}

// RegisterTempDir marks an externally created directory for removal at
// shutdown.
func (m *Manager) RegisterTempDir(dir string) {
	if dir == "" {
		return
	}
	m.mu.Lock()
	m.dirs = append(m.dirs, dir)
	m.mu.Unlock()
}

// Cleanup removes every registered temp directory. Safe to call more
// than once and from a deferred recover path.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	dirs := m.dirs
	m.dirs = nil
	m.mu.Unlock()

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.RemoveAll(dirs[i]); err != nil {
			m.logger.Warn(context.Background(), "temp dir not removed",
				zap.String("dir", dirs[i]), zap.Error(err))
		}
	}
}

// Close cancels the root context, waits for registered tasks up to the
// drain deadline, and removes temp directories. It returns an error
// only when tasks were still running at the deadline.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sigs := m.sigs
	m.mu.Unlock()

	m.cancel()
	if sigs != nil {
		signal.Stop(sigs)
		close(sigs)
	}

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-time.After(m.drain):
		drainErr = errkind.New(errkind.Cancelled,
			"shutdown drain deadline %s exceeded", m.drain)
	}

	m.Cleanup()
	return drainErr
}
