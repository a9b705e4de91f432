// Package brother runs a rendezvous between a primary process and the
// brothers it launches from its own command line.
//
// The primary creates the shared region, re-runs its own invocation with
// the "brother" token appended and hands each brother the region on a
// fixed descriptor. A brother recognises itself by that token and attaches
// to the inherited descriptor. Both sides then meet with Enter and Exit.
package brother

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/srediag/brother-shm/adapter"
	"github.com/srediag/brother-shm/api"
	"github.com/srediag/brother-shm/internal/logging"
	"github.com/srediag/brother-shm/pkg/barrier"
	"github.com/srediag/brother-shm/pkg/cmdline"
	"github.com/srediag/brother-shm/pkg/health"
	"github.com/srediag/brother-shm/pkg/launcher"
	"github.com/srediag/brother-shm/pkg/shm"
)

var (
	// ErrEnumerationOnly is returned by Start for invocations that only
	// list tests. Nothing is created or launched.
	ErrEnumerationOnly = errors.New("enumeration run, no rendezvous")
	// ErrBrotherFailed is returned by Close when a brother did not exit
	// cleanly.
	ErrBrotherFailed = errors.New("brother failed")
)

var _ api.Session = (*Session)(nil)

// killGrace bounds waiting for brothers after SIGKILL.
const killGrace = 5 * time.Second

// Role tells which side of the rendezvous a process is on.
type Role int

const (
	// RolePrimary created the region and launched the brothers.
	RolePrimary Role = iota
	// RoleBrother was launched by a primary.
	RoleBrother
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleBrother:
		return "brother"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

type options struct {
	record  *cmdline.Record
	logger  *zap.Logger
	reg     prometheus.Registerer
	otel    adapter.OTel
	monitor *health.Monitor
	exit    func(int)
}

// Option configures Start.
type Option func(*options)

// WithRecord replaces the captured command line of this process.
func WithRecord(rec *cmdline.Record) Option {
	return func(o *options) { o.record = rec }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers barrier metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithOTel traces rounds and counts region events.
func WithOTel(t adapter.OTel) Option {
	return func(o *options) { o.otel = t }
}

// WithMonitor reports brothers and the region to m.
func WithMonitor(m *health.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// WithExit replaces os.Exit as the reaction to a failed launch.
func WithExit(exit func(int)) Option {
	return func(o *options) { o.exit = exit }
}

// Session is one process's side of the rendezvous.
type Session struct {
	cfg    Config
	role   Role
	record *cmdline.Record
	region *shm.Region
	*barrier.Barrier

	reaper   *launcher.Reaper
	brothers []*launcher.Brother
	monitor  *health.Monitor
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Start sets up this process's side. A process whose arguments contain
// cmdline.BrotherToken attaches to the inherited region; any other process
// becomes the primary, creates the region and launches Participants-1
// brothers.
func Start(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	o := options{otel: adapter.NewOTel(nil, nil)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Named("brother")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.record == nil {
		rec, err := cmdline.Capture()
		if err != nil {
			return nil, err
		}
		o.record = rec
	}

	s := &Session{
		cfg:     cfg,
		record:  o.record,
		monitor: o.monitor,
	}
	var err error
	if o.record.Contains(cmdline.BrotherToken) {
		s.role = RoleBrother
		s.logger = o.logger.With(zap.Stringer("role", s.role))
		err = s.attach(ctx, o)
	} else {
		s.role = RolePrimary
		s.logger = o.logger.With(zap.Stringer("role", s.role))
		err = s.launch(o)
	}
	if err != nil {
		return nil, err
	}

	b, err := barrier.New(s.region.Block(), cfg.Participants,
		barrier.WithLogger(s.logger),
		barrier.WithMetrics(barrier.NewMetrics(o.reg)),
		barrier.WithTracer(o.otel.Tracer))
	if err != nil {
		s.teardown()
		return nil, err
	}
	s.Barrier = b
	if s.monitor != nil {
		s.monitor.AddRegion(cfg.Name, s.region)
	}
	s.logger.Info("rendezvous ready",
		zap.Int("participants", cfg.Participants),
		zap.Int("device", s.DeviceKey()))
	return s, nil
}

func (s *Session) attach(ctx context.Context, o options) error {
	shmOpts := []shm.Option{shm.WithLogger(s.logger), shm.WithMeter(o.otel.Meter)}
	var err error
	if s.cfg.FD >= 0 {
		s.region, err = shm.OpenByHandle(shm.Handle(s.cfg.FD), s.cfg.Participants, shmOpts...)
	} else if h := launcher.InheritedHandle(); h != shm.NoHandle {
		s.region, err = shm.OpenByHandle(h, s.cfg.Participants, shmOpts...)
	} else {
		// started by hand: find the primary's region by name
		ctx, cancel := context.WithTimeout(ctx, s.cfg.AttachTimeout)
		defer cancel()
		s.region, err = shm.Open(ctx, s.cfg.Name, s.cfg.Participants, shmOpts...)
	}
	if err != nil {
		s.logger.Error("attach to shared region failed", zap.Error(err))
		return err
	}
	return nil
}

func (s *Session) launch(o options) error {
	if s.record.ContainsSubstring(cmdline.EnumerationMarker) {
		return ErrEnumerationOnly
	}
	region, err := shm.Create(s.cfg.Name, s.cfg.Participants,
		shm.WithLogger(s.logger), shm.WithMeter(o.otel.Meter))
	if err != nil {
		return err
	}
	s.region = region

	if err := s.record.Append(cmdline.BrotherToken); err != nil {
		s.teardown()
		return err
	}
	if s.reaper, err = launcher.NewReaper(s.cfg.Participants, s.logger); err != nil {
		s.teardown()
		return err
	}

	lopts := []launcher.Option{launcher.WithSlot(s.cfg.Slot), launcher.WithLogger(s.logger)}
	if o.exit != nil {
		lopts = append(lopts, launcher.WithExit(o.exit))
	}
	l := launcher.New(lopts...)
	for i := 1; i < s.cfg.Participants; i++ {
		b, err := l.Launch(s.record, region.Handle())
		if err != nil {
			s.killBrothers()
			s.teardown()
			return err
		}
		s.brothers = append(s.brothers, b)
		if err := s.reaper.Watch(b); err != nil {
			s.killBrothers()
			s.teardown()
			return err
		}
		if s.monitor != nil {
			s.monitor.Watch(b.Pid)
		}
	}
	return nil
}

// Role returns this process's side.
func (s *Session) Role() Role { return s.role }

// Region returns the shared region.
func (s *Session) Region() *shm.Region { return s.region }

// Record returns the command line the session was started with.
func (s *Session) Record() *cmdline.Record { return s.record }

// Brothers returns the pids of the launched brothers.
func (s *Session) Brothers() []int {
	pids := make([]int, len(s.brothers))
	for i, b := range s.brothers {
		pids[i] = b.Pid
	}
	return pids
}

// DeviceKey returns the identifier of the --device argument, 0 if absent.
func (s *Session) DeviceKey() int {
	return s.record.DeviceKey(cmdline.DeviceFlag)
}

// Close ends the session. The primary first reaps every brother, killing
// those still running after ReapTimeout, then destroys the region. Close
// returns ErrBrotherFailed if a brother did not exit with status 0.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.role == RolePrimary {
		errs = s.reap()
	}
	s.teardown()
	return errors.Join(errs...)
}

func (s *Session) reap() []error {
	var errs []error
	timeout, killed := s.cfg.ReapTimeout, false
	for s.reaper.Pending() > 0 {
		exit, err := s.reaper.Next(timeout)
		if errors.Is(err, launcher.ErrReapTimeout) && !killed {
			s.logger.Warn("brothers still running, killing them",
				zap.Int("pending", s.reaper.Pending()),
				zap.Duration("timeout", s.cfg.ReapTimeout))
			s.killBrothers()
			timeout, killed = killGrace, true
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("reap brothers: %w", err))
			break
		}
		if s.monitor != nil {
			s.monitor.Forget(exit.Pid)
		}
		if !exit.Success() {
			errs = append(errs, fmt.Errorf("%w: pid %d: %v", ErrBrotherFailed, exit.Pid, exitReason(exit)))
			continue
		}
		s.logger.Debug("brother exited", zap.Int("pid", exit.Pid), zap.Duration("elapsed", exit.Elapsed))
	}
	return errs
}

func exitReason(e launcher.Exit) string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.State.String()
}

func (s *Session) killBrothers() {
	for _, b := range s.brothers {
		if err := b.Signal(syscall.SIGKILL); err != nil {
			s.logger.Debug("kill brother", zap.Int("pid", b.Pid), zap.Error(err))
		}
	}
}

// teardown releases what Start acquired.
func (s *Session) teardown() {
	if s.region != nil {
		s.region.Destroy(true)
	}
	if s.reaper != nil {
		s.reaper.Close()
	}
}
