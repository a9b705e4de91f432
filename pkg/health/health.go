// Package health exposes liveness and readiness of a rendezvous over HTTP.
//
// Liveness fails when a watched brother has died or turned into a zombie.
// Readiness additionally requires every registered region to be live and
// /dev/shm to have room for another control block.
package health

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/heptiolabs/healthcheck"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"

	internalhealth "github.com/srediag/brother-shm/internal/health"
	internalshm "github.com/srediag/brother-shm/internal/shm"
	"github.com/srediag/brother-shm/pkg/shm"
)

// ErrRegionNotLive is reported by the readiness check of a released region.
var ErrRegionNotLive = errors.New("region not live")

// Monitor tracks brothers and regions and serves /live and /ready.
type Monitor struct {
	handler  healthcheck.Handler
	brothers cmap.ConcurrentMap[string, int]
}

// NewMonitor returns a Monitor. With a non-nil reg the check results are
// also exported as Prometheus gauges under namespace.
func NewMonitor(reg prometheus.Registerer, namespace string) *Monitor {
	m := &Monitor{
		brothers: cmap.New[int](),
	}
	if reg != nil {
		m.handler = healthcheck.NewMetricsHandler(reg, namespace)
	} else {
		m.handler = healthcheck.NewHandler()
	}
	m.handler.AddLivenessCheck("brothers", m.checkBrothers)
	m.handler.AddReadinessCheck("devshm", DevShmCheck(shm.ControlBlockSize))
	return m
}

// Handler returns the HTTP handler serving /live and /ready.
func (m *Monitor) Handler() http.Handler { return m.handler }

// Watch adds pid to the brothers checked for liveness.
func (m *Monitor) Watch(pid int) {
	m.brothers.Set(strconv.Itoa(pid), pid)
}

// Forget stops checking pid, typically once it has been reaped.
func (m *Monitor) Forget(pid int) {
	m.brothers.Remove(strconv.Itoa(pid))
}

// Watched returns the number of brothers checked.
func (m *Monitor) Watched() int { return m.brothers.Count() }

// AddRegion makes readiness depend on r staying live.
func (m *Monitor) AddRegion(name string, r *shm.Region) {
	m.handler.AddReadinessCheck("region:"+name, RegionCheck(r))
}

// Live runs the liveness checks.
func (m *Monitor) Live() error { return m.checkBrothers() }

func (m *Monitor) checkBrothers() error {
	var errs []error
	for _, pid := range m.brothers.Items() {
		if err := BrotherCheck(pid)(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BrotherCheck fails once pid is gone or a zombie.
func BrotherCheck(pid int) healthcheck.Check {
	return func() error { return internalhealth.CheckProcess(pid) }
}

// RegionCheck fails once r is destroyed here or released by its owner.
func RegionCheck(r *shm.Region) healthcheck.Check {
	return func() error {
		if !r.Live() {
			return ErrRegionNotLive
		}
		return nil
	}
}

// DevShmCheck fails when /dev/shm cannot hold size more bytes.
func DevShmCheck(size int) healthcheck.Check {
	return func() error {
		if !internalshm.CanCreateOnDevShm(uint64(size), internalshm.DevShmDir) {
			return fmt.Errorf("%s: no room for %d bytes", internalshm.DevShmDir, size)
		}
		return nil
	}
}
