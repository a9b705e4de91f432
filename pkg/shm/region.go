package shm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/srediag/brother-shm/internal/logging"
	internalshm "github.com/srediag/brother-shm/internal/shm"
)

// MaxNameLen bounds names in the shared memory namespace.
const MaxNameLen = 255

// Handle is a descriptor referring to a shared region. It is the only
// piece of a region that crosses the process boundary.
type Handle int

// NoHandle is the zero value used when no descriptor is held.
const NoHandle Handle = -1

// Fd returns the handle as a descriptor number.
func (h Handle) Fd() int { return int(h) }

// regions created by this process, keyed by name. A nil value reserves a
// name while Create is in progress.
var regions = cmap.New[*Region]()

// Region is a mapped control block plus the descriptor and name it came
// from.
type Region struct {
	mu        sync.Mutex
	name      string
	owner     bool
	destroyed bool
	mapped    *internalshm.MappedRegion
	block     *ControlBlock
	logger    *zap.Logger
	inst      *instruments
}

// Option configures Create, Open and OpenByHandle.
type Option func(*options)

type options struct {
	logger *zap.Logger
	meter  metric.Meter
}

// WithLogger sets the logger used for creation and cleanup failures.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMeter records region lifecycle counters on m.
func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

func loadOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.Named("shm")
	}
	if o.meter == nil {
		o.meter = noop.NewMeterProvider().Meter("github.com/srediag/brother-shm/pkg/shm")
	}
	return o
}

type instruments struct {
	created   metric.Int64Counter
	attached  metric.Int64Counter
	destroyed metric.Int64Counter
}

func newInstruments(m metric.Meter) *instruments {
	inst := &instruments{}
	inst.created, _ = m.Int64Counter("brother.shm.regions.created",
		metric.WithDescription("Shared regions created by this process."))
	inst.attached, _ = m.Int64Counter("brother.shm.regions.attached",
		metric.WithDescription("Shared regions attached by name or handle."))
	inst.destroyed, _ = m.Int64Counter("brother.shm.regions.destroyed",
		metric.WithDescription("Shared regions torn down."))
	return inst
}

func (i *instruments) add(c metric.Int64Counter) {
	if c != nil {
		c.Add(context.Background(), 1)
	}
}

// ValidateName checks that name can be used as a shared memory name: a
// single path component, optionally with a leading slash, at most
// MaxNameLen bytes.
func ValidateName(name string) error {
	trimmed := strings.TrimPrefix(name, "/")
	switch {
	case trimmed == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: %d bytes, max %d", ErrInvalidName, len(name), MaxNameLen)
	case strings.Contains(trimmed, "/"), trimmed == ".", trimmed == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Create allocates a new named region sized for the control block and
// initialises it for participants processes: mutex 1, both gates 0, count 0.
// The name must not exist yet. On failure every partially acquired
// resource is released and the error wraps ErrResourceCreation.
func Create(name string, participants int, opts ...Option) (*Region, error) {
	o := loadOptions(opts)
	fail := func(err error) (*Region, error) {
		err = fmt.Errorf("%w: %s: %w", ErrResourceCreation, name, err)
		o.logger.Error("create shared region failed", zap.String("name", name), zap.Error(err))
		return nil, err
	}

	if err := ValidateName(name); err != nil {
		return fail(err)
	}
	if participants < 1 {
		return fail(fmt.Errorf("participants must be positive, got %d", participants))
	}
	if !internalshm.CanCreateOnDevShm(ControlBlockSize, internalshm.Path(name)) {
		return fail(fmt.Errorf("no space left on %s", internalshm.DevShmDir))
	}
	if !regions.SetIfAbsent(name, nil) {
		return fail(errors.New("already created by this process"))
	}

	mapped, err := internalshm.MapRegion(context.Background(), internalshm.MapOptions{
		Name:   name,
		Size:   ControlBlockSize,
		Create: true,
	})
	if err != nil {
		regions.Remove(name)
		return fail(err)
	}

	r := &Region{
		name:   name,
		owner:  true,
		mapped: mapped,
		block:  controlBlockAt(mapped.Addr),
		logger: o.logger,
		inst:   newInstruments(o.meter),
	}
	r.block.init(participants)
	regions.Set(name, r)
	r.inst.add(r.inst.created)
	o.logger.Debug("shared region created",
		zap.String("name", name), zap.Int("fd", mapped.Fd), zap.Int("participants", participants))
	return r, nil
}

// Open attaches to a region created by another process, waiting with
// exponential backoff until the owner has created and initialised it or ctx
// is done. participants, when positive, must match the block.
func Open(ctx context.Context, name string, participants int, opts ...Option) (*Region, error) {
	o := loadOptions(opts)
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	attach := func() (*internalshm.MappedRegion, error) {
		m, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Name: name, Size: ControlBlockSize})
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, internalshm.ErrSizeMismatch):
			// not created or not sized yet
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
		if !controlBlockAt(m.Addr).Live() {
			releaseMapping(m, o.logger)
			return nil, ErrNotLive
		}
		return m, nil
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Millisecond),
		backoff.WithMaxInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(0),
	)
	mapped, err := backoff.RetryWithData(attach, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("open shared region %s: %w", name, err)
	}

	r, err := attached(mapped, name, participants, o)
	if err != nil {
		releaseMapping(mapped, o.logger)
		return nil, err
	}
	return r, nil
}

// OpenByHandle maps a region from a descriptor inherited across spawn,
// without any name lookup. It fails with ErrInvalidHandle when h is not an
// open descriptor of a live control block. The descriptor is owned by the
// returned region; on failure it is left open.
func OpenByHandle(h Handle, participants int, opts ...Option) (*Region, error) {
	o := loadOptions(opts)
	mapped, err := internalshm.MapFd(h.Fd(), ControlBlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	}
	if !controlBlockAt(mapped.Addr).Live() {
		_ = internalshm.UnmapRegion(mapped)
		return nil, fmt.Errorf("%w: fd %d: %w", ErrInvalidHandle, h, ErrNotLive)
	}
	r, err := attached(mapped, "", participants, o)
	if err != nil {
		_ = internalshm.UnmapRegion(mapped)
		return nil, err
	}
	return r, nil
}

func attached(mapped *internalshm.MappedRegion, name string, participants int, o *options) (*Region, error) {
	block := controlBlockAt(mapped.Addr)
	if participants > 0 && block.Participants() != participants {
		return nil, fmt.Errorf("%w: block has %d, caller expects %d",
			ErrParticipantMismatch, block.Participants(), participants)
	}
	r := &Region{
		name:   name,
		mapped: mapped,
		block:  block,
		logger: o.logger,
		inst:   newInstruments(o.meter),
	}
	r.inst.add(r.inst.attached)
	o.logger.Debug("shared region attached",
		zap.String("name", name), zap.Int("fd", mapped.Fd), zap.Int("participants", block.Participants()))
	return r, nil
}

func releaseMapping(m *internalshm.MappedRegion, logger *zap.Logger) {
	if err := internalshm.UnmapRegion(m); err != nil {
		logger.Warn("unmap shared region failed", zap.Error(err))
	}
	if err := internalshm.CloseRegion(m); err != nil {
		logger.Warn("close shared region failed", zap.Error(err))
	}
}

// Handle returns the region's descriptor.
func (r *Region) Handle() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mapped == nil || r.mapped.Fd < 0 {
		return NoHandle
	}
	return Handle(r.mapped.Fd)
}

// Name returns the region's name; empty when attached by handle.
func (r *Region) Name() string { return r.name }

// Owner reports whether this process created the region.
func (r *Region) Owner() bool { return r.owner }

// Block returns the control block. It must not be used once Destroy has
// released the mapping.
func (r *Region) Block() *ControlBlock { return r.block }

// Live reports whether the region is still mapped here and its control
// block has not been released by the owner.
func (r *Region) Live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mapped == nil || r.mapped.Addr == nil {
		return false
	}
	return r.block.Live()
}

// Destroy tears the region down. With releaseMapping the owner releases the
// semaphore state and the mapping is unmapped; callers that never owned the
// mapping pass false and only the descriptor is closed. The descriptor is
// always closed. The name is unlinked only by the owner, so a participant
// that attached by name leaves it in place for the others. Cleanup failures
// are logged, never returned. Destroy is idempotent.
func (r *Region) Destroy(releaseMapping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	r.destroyed = true

	if releaseMapping && r.mapped.Addr != nil {
		if r.owner {
			r.block.release()
		}
		if err := internalshm.UnmapRegion(r.mapped); err != nil {
			r.logger.Warn("unmap shared region failed", zap.String("name", r.name), zap.Error(err))
		}
	}
	if err := internalshm.CloseRegion(r.mapped); err != nil {
		r.logger.Warn("close shared region failed", zap.String("name", r.name), zap.Error(err))
	}
	if r.owner && r.name != "" {
		if err := internalshm.Unlink(r.name); err != nil {
			r.logger.Warn("unlink shared region failed", zap.String("name", r.name), zap.Error(err))
		}
	}
	if r.owner {
		regions.RemoveCb(r.name, func(_ string, v *Region, exists bool) bool {
			return exists && v == r
		})
	}
	r.inst.add(r.inst.destroyed)
	r.logger.Debug("shared region destroyed", zap.String("name", r.name), zap.Bool("release_mapping", releaseMapping))
}

// DestroyAll destroys every region still owned by this process.
func DestroyAll() {
	for _, r := range regions.Items() {
		if r != nil {
			r.Destroy(true)
		}
	}
}

// Created returns the names of the regions currently owned by this process.
func Created() []string {
	names := make([]string, 0, regions.Count())
	for name, r := range regions.Items() {
		if r != nil {
			names = append(names, name)
		}
	}
	return names
}
