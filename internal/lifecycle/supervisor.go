// Package lifecycle implements the process-wide supervisor: startup status,
// signal-driven graceful shutdown, and a bounded drain of outstanding
// asynchronous work before the process exits.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Status is the process-wide lifecycle state. Transitions are monotonic:
// Loading -> Running -> Closing, never backwards.
type Status int32

const (
	Loading Status = iota
	Running
	Closing
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Running:
		return "running"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	drainTickPeriod = 3 * time.Second
	drainMaxTicks   = 40 // 3s * 40 = 2 minutes
)

// Handle is anything the supervisor must account for during drain: a live
// stream, an armed timer, a background worker. Close is idempotent.
type Handle interface {
	Close()
}

// Supervisor owns the process-wide status and the registry of live handles
// that the bounded drain walks at shutdown.
type Supervisor struct {
	status atomic.Int32

	mu      sync.Mutex
	handles map[Handle]struct{}

	onShutdown []func(context.Context) // stop optimize/heartbeat/sync/backup, per-db close steps, etc.

	closeTimeoutReached atomic.Bool
	closeEnforced       atomic.Bool

	sigCh chan os.Signal
	done  chan struct{}
}

// New returns a supervisor in the Loading state.
func New() *Supervisor {
	return &Supervisor{
		handles: make(map[Handle]struct{}),
		sigCh:   make(chan os.Signal, 4),
		done:    make(chan struct{}),
	}
}

// Status returns the current lifecycle status.
func (s *Supervisor) Status() Status {
	return Status(s.status.Load())
}

// setStatus advances the status; callers are responsible for only moving
// forward (Loading -> Running -> Closing).
func (s *Supervisor) setStatus(v Status) {
	s.status.Store(int32(v))
}

// Register adds h to the set of live handles the drain loop accounts for.
// The returned func removes it again (call it once h closes on its own).
func (s *Supervisor) Register(h Handle) (unregister func()) {
	s.mu.Lock()
	s.handles[h] = struct{}{}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handles, h)
		s.mu.Unlock()
	}
}

// handleCount returns the number of currently-registered handles.
func (s *Supervisor) handleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// OnShutdown registers a step to run once, in registration order, when a
// shutdown signal arrives — e.g. stop optimize/heartbeat/buffer-sync/backup
// tasks, close each database's replicate/reindex work, signal the group
// evaluator to stop, clear RUNNING on the local server and broadcast the
// new flags to peers.
func (s *Supervisor) OnShutdown(fn func(context.Context)) {
	s.onShutdown = append(s.onShutdown, fn)
}

// Run blocks until a shutdown signal arrives (or ctx is cancelled), drives
// the shutdown sequence, drains outstanding handles within the bounded
// deadline, and returns an exit code: 0 on clean shutdown, non-zero if
// CloseTimeoutReached or CloseEnforced was set.
//
// The shutdown/drain sequence runs on its own goroutine so this loop stays
// live on s.sigCh the whole time: a second signal arriving mid-drain must
// still be observed and force the close immediately, per §4.6's
// CLOSE_ENFORCED rule, rather than sitting unread until drain finishes on
// its own.
func (s *Supervisor) Run(ctx context.Context) int {
	signal.Notify(s.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE)
	defer signal.Stop(s.sigCh)

	s.setStatus(Running)
	slog.Info("lifecycle: running")

	ctxDone := ctx.Done()
	shutdownDone := make(chan struct{})
	started := false

	startShutdown := func() {
		started = true
		ctxDone = nil
		go func() {
			s.shutdown(context.Background())
			close(shutdownDone)
		}()
	}

	for {
		select {
		case <-ctxDone:
			startShutdown()

		case sig := <-s.sigCh:
			if sig == syscall.SIGPIPE {
				slog.Debug("lifecycle: ignoring SIGPIPE")
				continue
			}
			if started {
				slog.Warn("lifecycle: second signal received, enforcing close", "signal", sig)
				s.closeEnforced.Store(true)
				s.forceCloseAll()
				return s.exitCode()
			}
			slog.Info("lifecycle: shutdown signal received", "signal", sig)
			startShutdown()

		case <-shutdownDone:
			return s.exitCode()
		}
	}
}

// shutdown runs the registered shutdown steps, then drains.
func (s *Supervisor) shutdown(ctx context.Context) {
	s.setStatus(Closing)

	for _, fn := range s.onShutdown {
		fn(ctx)
	}

	s.drain()
}

// drain arms a repeating 3s ticker for up to 40 ticks, checking on each
// whether every handle other than the ticker itself has closed. If the
// budget expires with handles still live, it marks CloseTimeoutReached and
// force-closes everything.
func (s *Supervisor) drain() {
	ticker := time.NewTicker(drainTickPeriod)
	defer ticker.Stop()

	for tick := 0; tick < drainMaxTicks; tick++ {
		if s.handleCount() == 0 {
			slog.Info("lifecycle: drain complete", "ticks", tick)
			return
		}
		<-ticker.C
	}

	if s.handleCount() > 0 {
		slog.Warn("lifecycle: drain budget exhausted, forcing close", "remaining", s.handleCount())
		s.closeTimeoutReached.Store(true)
		s.forceCloseAll()
	}
}

// forceCloseAll walks every live handle and closes it, then clears the
// registry.
func (s *Supervisor) forceCloseAll() {
	s.mu.Lock()
	handles := make([]Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[Handle]struct{})
	s.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

// CloseTimeoutReached reports whether the drain budget was exhausted.
func (s *Supervisor) CloseTimeoutReached() bool {
	return s.closeTimeoutReached.Load()
}

// CloseEnforced reports whether a second signal aborted the drain early.
func (s *Supervisor) CloseEnforced() bool {
	return s.closeEnforced.Load()
}

// exitCode returns 0 on a clean shutdown, 1 if either abnormal shutdown
// condition fired.
func (s *Supervisor) exitCode() int {
	if s.closeTimeoutReached.Load() || s.closeEnforced.Load() {
		return 1
	}
	return 0
}

// Shutdown triggers the shutdown path programmatically (e.g. from an admin
// API endpoint) rather than waiting for a signal.
func (s *Supervisor) Shutdown() {
	select {
	case s.sigCh <- syscall.SIGTERM:
	default:
	}
}
