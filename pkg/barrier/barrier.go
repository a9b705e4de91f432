// Package barrier implements the two-phase rendezvous used by brother
// processes. Enter returns only once all N participants have called it, and
// Exit returns only once all N have called it again, so the code bracketed
// between the two starts and finishes together in every process.
//
// The protocol is correct only when exactly N distinct participants call
// Enter and Exit each round. Fewer callers block forever; more callers are
// reported as ErrCountInvariant. There is no timeout and no liveness
// detection: a participant that dies mid-round leaves its partners blocked.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/srediag/brother-shm/api"
	"github.com/srediag/brother-shm/internal/logging"
	"github.com/srediag/brother-shm/pkg/shm"
)

var (
	// ErrParticipantMismatch is returned by New when n differs from the
	// participant count stored in the control block.
	ErrParticipantMismatch = shm.ErrParticipantMismatch
	// ErrCountInvariant is returned when a participant observes an arrival
	// count outside [0, N], meaning the live callers do not match N.
	ErrCountInvariant = errors.New("barrier count invariant violated")
)

type phase struct {
	name      string
	delta     int
	threshold func(n int) int
	gate      func(b *shm.ControlBlock) *shm.Semaphore
}

var (
	enterPhase = phase{
		name:      "enter",
		delta:     1,
		threshold: func(n int) int { return n },
		gate:      func(b *shm.ControlBlock) *shm.Semaphore { return b.EnterGate },
	}
	exitPhase = phase{
		name:      "exit",
		delta:     -1,
		threshold: func(int) int { return 0 },
		gate:      func(b *shm.ControlBlock) *shm.Semaphore { return b.ExitGate },
	}
)

// Barrier is one participant's view of the rendezvous. Each process builds
// its own Barrier over its own mapping of the shared control block.
type Barrier struct {
	block   *shm.ControlBlock
	n       int
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// Option configures a Barrier.
type Option func(*Barrier)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Barrier) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records rounds and wait times on m.
func WithMetrics(m *Metrics) Option {
	return func(b *Barrier) { b.metrics = m }
}

// WithTracer opens a span around every Enter and Exit.
func WithTracer(t trace.Tracer) Option {
	return func(b *Barrier) {
		if t != nil {
			b.tracer = t
		}
	}
}

// New binds a barrier for n participants to block. n must match the
// participant count the owner created the block for.
func New(block *shm.ControlBlock, n int, opts ...Option) (*Barrier, error) {
	if n < 1 {
		return nil, fmt.Errorf("barrier: participants must be positive, got %d", n)
	}
	if got := block.Participants(); got != n {
		return nil, fmt.Errorf("%w: block has %d, barrier expects %d", ErrParticipantMismatch, got, n)
	}
	b := &Barrier{
		block: block,
		n:     n,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logging.Named("barrier")
	}
	if b.tracer == nil {
		b.tracer = noop.NewTracerProvider().Tracer("github.com/srediag/brother-shm/pkg/barrier")
	}
	return b, nil
}

// Participants returns N.
func (b *Barrier) Participants() int { return b.n }

// Enter blocks until all N participants have called Enter.
func (b *Barrier) Enter() error {
	return b.rendezvous(enterPhase)
}

// Exit blocks until all N participants have called Exit.
func (b *Barrier) Exit() error {
	return b.rendezvous(exitPhase)
}

// Run calls fn between Enter and Exit. Exit runs even when fn fails, since
// the other participants are waiting for it; fn's error wins over Exit's.
func (b *Barrier) Run(fn func() error) error {
	if err := b.Enter(); err != nil {
		return err
	}
	fnErr := fn()
	exitErr := b.Exit()
	if fnErr != nil {
		return fnErr
	}
	return exitErr
}

// Snapshot returns the current state of the control block.
func (b *Barrier) Snapshot() shm.Snapshot {
	return b.block.Snapshot()
}

func (b *Barrier) rendezvous(p phase) error {
	_, span := b.tracer.Start(context.Background(), "barrier."+p.name)
	defer span.End()
	start := time.Now()

	err := b.step(p)
	if err != nil {
		span.RecordError(err)
		b.metrics.failed(p.name)
		b.logger.Error("rendezvous failed", zap.String("phase", p.name), zap.Error(err))
		return err
	}
	b.metrics.observe(p.name, time.Since(start))
	return nil
}

func (b *Barrier) step(p phase) error {
	if err := b.block.Mutex.Wait(); err != nil {
		return fmt.Errorf("%s: acquire mutex: %w", p.name, err)
	}
	observed := b.block.AddCount(p.delta)
	if err := b.block.Mutex.Post(); err != nil {
		return fmt.Errorf("%s: release mutex: %w", p.name, err)
	}
	logging.Trace(b.logger, "arrived", zap.String("phase", p.name), zap.Int("count", observed), zap.Int("participants", b.n))

	if observed < 0 || observed > b.n {
		return fmt.Errorf("%w: %s observed count %d with %d participants", ErrCountInvariant, p.name, observed, b.n)
	}

	gate := p.gate(b.block)
	if observed == p.threshold(b.n) {
		if err := gate.PostN(b.n); err != nil {
			return fmt.Errorf("%s: open gate: %w", p.name, err)
		}
		b.metrics.released(p.name)
		logging.Trace(b.logger, "gate opened", zap.String("phase", p.name))
	}
	if err := gate.Wait(); err != nil {
		return fmt.Errorf("%s: wait gate: %w", p.name, err)
	}
	return nil
}

var _ api.Rendezvous = (*Barrier)(nil)
