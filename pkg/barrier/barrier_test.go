package barrier

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	internalshm "github.com/srediag/brother-shm/internal/shm"
	"github.com/srediag/brother-shm/pkg/shm"
)

type BarrierTestSuite struct {
	suite.Suite
	name  string
	owner *shm.Region
	views []*shm.Region
}

func (s *BarrierTestSuite) SetupTest() {
	s.name = fmt.Sprintf("/brother-barrier-test-%d-%d", os.Getpid(), time.Now().UnixNano())
	s.views = nil
}

func (s *BarrierTestSuite) TearDownTest() {
	for _, v := range s.views {
		v.Destroy(true)
	}
	shm.DestroyAll()
	_ = internalshm.Unlink(s.name)
}

// barriers creates a region for n participants and returns one barrier per
// participant, each over its own mapping as separate processes would have.
func (s *BarrierTestSuite) barriers(n int, opts ...Option) []*Barrier {
	owner, err := shm.Create(s.name, n)
	s.Require().NoError(err)
	s.owner = owner

	out := make([]*Barrier, 0, n)
	b, err := New(owner.Block(), n, opts...)
	s.Require().NoError(err)
	out = append(out, b)
	for i := 1; i < n; i++ {
		fd, err := internalshm.Dup(owner.Handle().Fd())
		s.Require().NoError(err)
		view, err := shm.OpenByHandle(shm.Handle(fd), n)
		s.Require().NoError(err)
		s.views = append(s.views, view)
		b, err := New(view.Block(), n, opts...)
		s.Require().NoError(err)
		out = append(out, b)
	}
	return out
}

func all(bs []*Barrier, fn func(*Barrier) error) []error {
	errs := make([]error, len(bs))
	var wg sync.WaitGroup
	for i, b := range bs {
		i, b := i, b
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(b)
		}()
	}
	wg.Wait()
	return errs
}

func (s *BarrierTestSuite) TestEnterWaitsForAllParticipants() {
	bs := s.barriers(2)

	done := make(chan error, 1)
	go func() { done <- bs[0].Enter() }()

	select {
	case <-done:
		s.FailNow("enter returned before the second participant arrived")
	case <-time.After(50 * time.Millisecond):
	}
	s.Equal(1, bs[1].Snapshot().Count)

	s.Require().NoError(bs[1].Enter())
	s.Require().NoError(<-done)
	s.Equal(2, s.owner.Block().Count())
}

func (s *BarrierTestSuite) TestExitWaitsForAllParticipants() {
	bs := s.barriers(2)
	for _, err := range all(bs, (*Barrier).Enter) {
		s.Require().NoError(err)
	}

	done := make(chan error, 1)
	go func() { done <- bs[1].Exit() }()
	select {
	case <-done:
		s.FailNow("exit returned before the second participant arrived")
	case <-time.After(50 * time.Millisecond):
	}

	s.Require().NoError(bs[0].Exit())
	s.Require().NoError(<-done)
	s.Equal(0, s.owner.Block().Count())
}

func (s *BarrierTestSuite) TestRoundLeavesBlockClean() {
	bs := s.barriers(2)
	for _, err := range all(bs, func(b *Barrier) error {
		if err := b.Enter(); err != nil {
			return err
		}
		return b.Exit()
	}) {
		s.Require().NoError(err)
	}

	snap := s.owner.Block().Snapshot()
	s.Equal(0, snap.Count)
	s.Equal(uint32(1), snap.Mutex)
	s.Equal(uint32(0), snap.EnterGate)
	s.Equal(uint32(0), snap.ExitGate)
}

func (s *BarrierTestSuite) TestRepeatedRounds() {
	bs := s.barriers(2)
	for _, err := range all(bs, func(b *Barrier) error {
		for i := 0; i < 200; i++ {
			if err := b.Enter(); err != nil {
				return err
			}
			if err := b.Exit(); err != nil {
				return err
			}
		}
		return nil
	}) {
		s.Require().NoError(err)
	}
	s.Equal(0, s.owner.Block().Count())
}

func (s *BarrierTestSuite) TestThreeParticipants() {
	bs := s.barriers(3)
	var (
		mu      sync.Mutex
		entered int
	)
	errs := all(bs, func(b *Barrier) error {
		return b.Run(func() error {
			mu.Lock()
			defer mu.Unlock()
			entered++
			return nil
		})
	})
	for _, err := range errs {
		s.Require().NoError(err)
	}
	s.Equal(3, entered)
	s.Equal(0, s.owner.Block().Count())
}

func (s *BarrierTestSuite) TestRunPropagatesError() {
	bs := s.barriers(2)
	boom := fmt.Errorf("boom")
	errs := all(bs, func(b *Barrier) error {
		return b.Run(func() error {
			if b == bs[0] {
				return boom
			}
			return nil
		})
	})
	s.ErrorIs(errs[0], boom)
	s.NoError(errs[1])
	// Exit still ran for the failing participant
	s.Equal(0, s.owner.Block().Count())
}

func (s *BarrierTestSuite) TestParticipantMismatch() {
	owner, err := shm.Create(s.name, 2)
	s.Require().NoError(err)

	_, err = New(owner.Block(), 3)
	s.ErrorIs(err, ErrParticipantMismatch)

	_, err = New(owner.Block(), 0)
	s.Error(err)
}

func (s *BarrierTestSuite) TestExtraParticipantViolatesInvariant() {
	bs := s.barriers(2)
	for _, err := range all(bs, (*Barrier).Enter) {
		s.Require().NoError(err)
	}

	// a third caller on a two-party barrier
	err := bs[0].Enter()
	s.ErrorIs(err, ErrCountInvariant)
}

func (s *BarrierTestSuite) TestExitWithoutEnterViolatesInvariant() {
	bs := s.barriers(2)
	err := bs[0].Exit()
	s.ErrorIs(err, ErrCountInvariant)
}

func (s *BarrierTestSuite) TestMetrics() {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	// a second registration reuses the collectors
	s.Same(m.Rounds, NewMetrics(reg).Rounds)

	bs := s.barriers(2, WithMetrics(m))
	for _, err := range all(bs, func(b *Barrier) error { return b.Run(func() error { return nil }) }) {
		s.Require().NoError(err)
	}
	s.Error(bs[0].Exit())

	s.Equal(2.0, counterValue(s.T(), m.Rounds.WithLabelValues("enter")))
	s.Equal(2.0, counterValue(s.T(), m.Rounds.WithLabelValues("exit")))
	s.Equal(1.0, counterValue(s.T(), m.Releases.WithLabelValues("enter")))
	s.Equal(1.0, counterValue(s.T(), m.Releases.WithLabelValues("exit")))
	s.Equal(1.0, counterValue(s.T(), m.Errors.WithLabelValues("exit")))

	families, err := reg.Gather()
	s.Require().NoError(err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	s.Contains(names, "brother_barrier_wait_seconds")
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return out.GetCounter().GetValue()
}

func TestBarrierTestSuite(t *testing.T) {
	suite.Run(t, new(BarrierTestSuite))
}
