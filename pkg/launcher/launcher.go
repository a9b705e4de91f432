// Package launcher spawns the brother of a test process: a second copy of
// the same program, detached into its own session, that inherits the
// shared region handle on a fixed descriptor slot.
package launcher

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/srediag/brother-shm/internal/logging"
	"github.com/srediag/brother-shm/pkg/cmdline"
	"github.com/srediag/brother-shm/pkg/shm"
)

const (
	// DefaultSlot is the child descriptor the handle is duplicated onto.
	DefaultSlot = 3
	// EnvHandleFD names the environment variable carrying the slot.
	EnvHandleFD = "BROTHER_SHM_FD"
	// ExitSpawnFailure is the exit status used when a brother cannot be
	// spawned.
	ExitSpawnFailure = 98
)

// ErrSpawn wraps every spawn failure.
var ErrSpawn = errors.New("spawn brother")

// Brother is a spawned brother process.
type Brother struct {
	Pid     int
	Argv    []string
	Started time.Time

	proc *os.Process
}

// Wait blocks until the brother exits and reaps it.
func (b *Brother) Wait() (*os.ProcessState, error) {
	return b.proc.Wait()
}

// Signal sends sig to the brother.
func (b *Brother) Signal(sig os.Signal) error {
	return b.proc.Signal(sig)
}

// Launcher launches brothers. The zero value is not usable; call New.
type Launcher struct {
	slot   int
	env    []string
	exit   func(code int)
	logger *zap.Logger
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithSlot sets the child descriptor slot for the handle.
func WithSlot(slot int) Option {
	return func(l *Launcher) { l.slot = slot }
}

// WithEnv sets the base environment of brothers. The handle variable is
// always added.
func WithEnv(env []string) Option {
	return func(l *Launcher) { l.env = env }
}

// WithExit replaces os.Exit as the reaction to a spawn failure.
func WithExit(exit func(code int)) Option {
	return func(l *Launcher) { l.exit = exit }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Launcher) { l.logger = logger }
}

// New returns a Launcher. Brothers inherit the current environment unless
// WithEnv is given.
func New(opts ...Option) *Launcher {
	l := &Launcher{
		slot: DefaultSlot,
		exit: os.Exit,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.env == nil {
		l.env = os.Environ()
	}
	if l.logger == nil {
		l.logger = logging.Named("launcher")
	}
	return l
}

// Slot returns the child descriptor slot.
func (l *Launcher) Slot() int { return l.slot }

// Launch spawns rec as a brother holding h on the launcher's slot. When any
// token of rec contains cmdline.EnumerationMarker nothing is spawned and
// Launch returns (nil, nil).
//
// A spawn failure is fatal: it is logged and the exit function is called
// with ExitSpawnFailure. The error is only returned if that function
// returns.
func (l *Launcher) Launch(rec *cmdline.Record, h shm.Handle) (*Brother, error) {
	if rec.ContainsSubstring(cmdline.EnumerationMarker) {
		l.logger.Debug("enumeration run, not launching brother", zap.Stringer("cmdline", rec))
		return nil, nil
	}

	cfg := SpawnConfig{
		Path:        rec.Path(),
		Args:        rec.Argv(),
		Env:         l.childEnv(),
		FileActions: []Dup2{{From: h.Fd(), To: l.slot}},
		Setsid:      true,
	}
	var (
		pid int
		err error
	)
	switch {
	case rec.Released():
		err = fmt.Errorf("%w: %w", ErrSpawn, cmdline.ErrReleased)
	case h == shm.NoHandle:
		err = fmt.Errorf("%w: %w", ErrSpawn, shm.ErrInvalidHandle)
	default:
		pid, err = Spawn(cfg)
	}
	if err != nil {
		l.logger.Error("brother spawn failed", zap.Strings("argv", cfg.Args), zap.Error(err))
		_ = l.logger.Sync()
		l.exit(ExitSpawnFailure)
		return nil, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find brother %d: %w", pid, err)
	}
	l.logger.Info("brother launched",
		zap.Int("pid", pid),
		zap.Int("fd", h.Fd()),
		zap.Int("slot", l.slot),
		zap.Int("appended", rec.Argc()-rec.Captured()),
		zap.Strings("argv", cfg.Args))
	return &Brother{
		Pid:     pid,
		Argv:    cfg.Args,
		Started: time.Now(),
		proc:    proc,
	}, nil
}

func (l *Launcher) childEnv() []string {
	prefix := EnvHandleFD + "="
	env := make([]string, 0, len(l.env)+1)
	for _, kv := range l.env {
		if !strings.HasPrefix(kv, prefix) {
			env = append(env, kv)
		}
	}
	return append(env, prefix+strconv.Itoa(l.slot))
}

// InheritedHandle returns the handle a launcher passed to this process,
// or shm.NoHandle when the process was not launched as a brother.
func InheritedHandle() shm.Handle {
	v, ok := os.LookupEnv(EnvHandleFD)
	if !ok {
		return shm.NoHandle
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 0 {
		return shm.NoHandle
	}
	return shm.Handle(fd)
}
