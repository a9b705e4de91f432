package launcher

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/srediag/brother-shm/internal/logging"
)

var (
	// ErrReapTimeout is returned by Next when no brother exited in time.
	ErrReapTimeout = errors.New("no brother exited before the timeout")
	// ErrReaperClosed is returned once the reaper has been closed.
	ErrReaperClosed = errors.New("reaper closed")
)

const (
	// pollInterval is the sleep between checks of an empty exit queue.
	pollInterval = 5 * time.Millisecond
	pollSlice    = time.Millisecond
)

// Exit records how a brother terminated.
type Exit struct {
	Pid     int
	State   *os.ProcessState
	Err     error
	Elapsed time.Duration
}

// Success reports whether the brother exited with status 0.
func (e Exit) Success() bool {
	return e.Err == nil && e.State != nil && e.State.Success()
}

// Reaper waits for brothers in the background so their exit status is
// collected without blocking the rendezvous.
type Reaper struct {
	pool    *ants.Pool
	exits   *queue.RingBuffer
	pending atomic.Int64
	logger  *zap.Logger
}

// NewReaper returns a reaper able to watch up to size brothers at once.
func NewReaper(size int, logger *zap.Logger) (*Reaper, error) {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = logging.Named("reaper")
	}
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			logger.Error("reaper task panicked", zap.Any("panic", p))
		}))
	if err != nil {
		return nil, fmt.Errorf("create reaper pool: %w", err)
	}
	return &Reaper{
		pool:   pool,
		exits:  queue.NewRingBuffer(uint64(size)),
		logger: logger,
	}, nil
}

// Watch reaps b in the background. Its exit is delivered through Next.
func (r *Reaper) Watch(b *Brother) error {
	r.pending.Add(1)
	err := r.pool.Submit(func() {
		state, err := b.Wait()
		exit := Exit{Pid: b.Pid, State: state, Err: err, Elapsed: time.Since(b.Started)}
		r.logger.Debug("brother reaped",
			zap.Int("pid", b.Pid),
			zap.Stringer("state", state),
			zap.Duration("elapsed", exit.Elapsed),
			zap.Error(err))
		if err := r.exits.Put(exit); err != nil {
			r.pending.Add(-1)
			r.logger.Warn("dropping brother exit", zap.Int("pid", b.Pid), zap.Error(err))
		}
	})
	if err != nil {
		r.pending.Add(-1)
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrReaperClosed
		}
		return fmt.Errorf("watch brother %d: %w", b.Pid, err)
	}
	return nil
}

// Pending returns the number of watched brothers whose exit has not been
// returned by Next yet.
func (r *Reaper) Pending() int {
	return int(r.pending.Load())
}

// Next returns the next brother exit. A timeout of zero or less waits
// indefinitely.
//
// The ring buffer's own Poll spins while empty, so Next sleeps between
// checks and only polls once an exit is queued.
func (r *Reaper) Next(timeout time.Duration) (Exit, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if r.exits.IsDisposed() {
			return Exit{}, ErrReaperClosed
		}
		if r.exits.Len() > 0 {
			item, err := r.exits.Poll(pollSlice)
			switch {
			case err == nil:
				r.pending.Add(-1)
				return item.(Exit), nil
			case errors.Is(err, queue.ErrDisposed):
				return Exit{}, ErrReaperClosed
			case !errors.Is(err, queue.ErrTimeout):
				return Exit{}, err
			}
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return Exit{}, ErrReapTimeout
		}
		wait := pollInterval
		if !deadline.IsZero() {
			wait = min(wait, time.Until(deadline))
		}
		time.Sleep(wait)
	}
}

// Close stops accepting brothers. Tasks still waiting keep their brothers
// until those exit; their results are dropped.
func (r *Reaper) Close() {
	r.exits.Dispose()
	r.pool.Release()
}
