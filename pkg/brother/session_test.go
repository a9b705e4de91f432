package brother

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	internalshm "github.com/srediag/brother-shm/internal/shm"
	"github.com/srediag/brother-shm/pkg/barrier"
	"github.com/srediag/brother-shm/pkg/cmdline"
	"github.com/srediag/brother-shm/pkg/health"
	"github.com/srediag/brother-shm/pkg/launcher"
	"github.com/srediag/brother-shm/pkg/shm"
)

const (
	helperEnv = "BROTHER_SESSION_HELPER"
	roundsEnv = "BROTHER_SESSION_ROUNDS"
)

// TestMain turns the test binary into a brother when the primary re-runs
// it with helperEnv set.
func TestMain(m *testing.M) {
	if mode, ok := os.LookupEnv(helperEnv); ok {
		if _, ok := os.LookupEnv(launcher.EnvHandleFD); ok {
			os.Exit(runBrother(mode))
		}
	}
	os.Exit(m.Run())
}

func runBrother(mode string) int {
	cfg, err := LoadConfig()
	if err != nil {
		return 2
	}
	sess, err := Start(context.Background(), cfg)
	if err != nil {
		return 4
	}
	if mode == "hang" {
		_ = sess.Enter()
		return 5
	}
	rounds, _ := strconv.Atoi(os.Getenv(roundsEnv))
	for i := 0; i < max(rounds, 1); i++ {
		if err := sess.Enter(); err != nil {
			return 3
		}
		if err := sess.Exit(); err != nil {
			return 3
		}
	}
	if err := sess.Close(); err != nil {
		return 6
	}
	if mode == "fail" {
		return 7
	}
	return 0
}

type SessionTestSuite struct {
	suite.Suite
	name string
	exe  string
	cfg  Config
}

func (s *SessionTestSuite) SetupTest() {
	exe, err := os.Executable()
	s.Require().NoError(err)
	s.exe = exe
	s.name = fmt.Sprintf("/brother-session-test-%d-%d", os.Getpid(), time.Now().UnixNano())
	s.cfg = DefaultConfig()
	s.cfg.Name = s.name
	s.cfg.ReapTimeout = 20 * time.Second
}

func (s *SessionTestSuite) TearDownTest() {
	shm.DestroyAll()
	_ = internalshm.Unlink(s.name)
}

// start runs the primary side; its brothers run runBrother(mode) and
// believe there are brotherN participants.
func (s *SessionTestSuite) start(mode string, n, brotherN int, opts ...Option) *Session {
	s.T().Setenv(helperEnv, mode)
	s.T().Setenv("BROTHER_PARTICIPANTS", strconv.Itoa(brotherN))
	s.cfg.Participants = n

	rec, err := cmdline.New(s.exe, "-test.run=^$")
	s.Require().NoError(err)
	sess, err := Start(context.Background(), s.cfg, append([]Option{WithRecord(rec)}, opts...)...)
	s.Require().NoError(err)
	s.Require().Equal(RolePrimary, sess.Role())
	return sess
}

func (s *SessionTestSuite) TestRendezvous() {
	mon := health.NewMonitor(nil, "")
	sess := s.start("rounds", 2, 2, WithMonitor(mon))
	s.Len(sess.Brothers(), 1)
	s.Equal(1, mon.Watched())
	s.True(sess.Record().Contains(cmdline.BrotherToken))

	// the brother arrives first and waits for us
	s.Eventually(func() bool { return sess.Snapshot().Count == 1 }, 10*time.Second, 5*time.Millisecond)
	s.Require().NoError(sess.Enter())
	s.Require().NoError(sess.Exit())

	s.Require().NoError(sess.Close())
	s.Zero(mon.Watched())
	s.NoFileExists(internalshm.Path(s.name))
	s.NotContains(shm.Created(), s.name)
	// closing twice is harmless
	s.NoError(sess.Close())
}

func (s *SessionTestSuite) TestRepeatedRounds() {
	const rounds = 50
	s.T().Setenv(roundsEnv, strconv.Itoa(rounds))
	reg := prometheus.NewRegistry()
	sess := s.start("rounds", 2, 2, WithRegisterer(reg))

	for i := 0; i < rounds; i++ {
		s.Require().NoError(sess.Enter())
		s.Require().NoError(sess.Exit())
	}
	s.Require().NoError(sess.Close())

	families, err := reg.Gather()
	s.Require().NoError(err)
	found := false
	for _, f := range families {
		if f.GetName() == "brother_barrier_rounds_total" {
			found = true
		}
	}
	s.True(found)
}

func (s *SessionTestSuite) TestThreeParticipants() {
	sess := s.start("rounds", 3, 3)
	s.Len(sess.Brothers(), 2)

	var mu sync.Mutex
	ran := 0
	s.Require().NoError(sess.Run(func() error {
		mu.Lock()
		defer mu.Unlock()
		ran++
		return nil
	}))
	s.Equal(1, ran)
	s.Require().NoError(sess.Close())
}

func (s *SessionTestSuite) TestBrotherFailureReported() {
	sess := s.start("fail", 2, 2)
	s.Require().NoError(sess.Enter())
	s.Require().NoError(sess.Exit())

	err := sess.Close()
	s.ErrorIs(err, ErrBrotherFailed)
	s.NoFileExists(internalshm.Path(s.name))
}

func (s *SessionTestSuite) TestBrotherParticipantMismatch() {
	sess := s.start("rounds", 2, 3)
	// the brother refuses to attach and exits; nobody ever enters
	s.ErrorIs(sess.Close(), ErrBrotherFailed)
}

func (s *SessionTestSuite) TestCloseKillsHungBrother() {
	s.cfg.ReapTimeout = 200 * time.Millisecond
	sess := s.start("hang", 2, 2)
	s.Eventually(func() bool { return sess.Snapshot().Count == 1 }, 10*time.Second, 5*time.Millisecond)

	start := time.Now()
	s.ErrorIs(sess.Close(), ErrBrotherFailed)
	s.Less(time.Since(start), 10*time.Second)
}

func (s *SessionTestSuite) TestEnumerationOnly() {
	rec, err := cmdline.New(s.exe, "--list-subtests")
	s.Require().NoError(err)

	sess, err := Start(context.Background(), s.cfg, WithRecord(rec))
	s.ErrorIs(err, ErrEnumerationOnly)
	s.Nil(sess)
	s.NoFileExists(internalshm.Path(s.name))
}

func (s *SessionTestSuite) TestLaunchFailure() {
	rec, err := cmdline.New("/nonexistent/brother")
	s.Require().NoError(err)
	var exits []int

	_, err = Start(context.Background(), s.cfg, WithRecord(rec), WithExit(func(code int) { exits = append(exits, code) }))
	s.ErrorIs(err, launcher.ErrSpawn)
	s.Equal([]int{launcher.ExitSpawnFailure}, exits)
	s.NoFileExists(internalshm.Path(s.name))
	s.NotContains(shm.Created(), s.name)
}

func (s *SessionTestSuite) TestRecordFull() {
	rec, err := cmdline.New(s.exe)
	s.Require().NoError(err)
	s.Require().NoError(rec.Append("a"))
	s.Require().NoError(rec.Append("b"))

	_, err = Start(context.Background(), s.cfg, WithRecord(rec))
	s.ErrorIs(err, cmdline.ErrRecordFull)
	s.NoFileExists(internalshm.Path(s.name))
}

func (s *SessionTestSuite) TestBrotherAttachesByName() {
	owner, err := shm.Create(s.name, 2)
	s.Require().NoError(err)
	ownerBarrier, err := barrierFor(owner)
	s.Require().NoError(err)

	rec, err := cmdline.New("prog", cmdline.DeviceFlag, "ab", cmdline.BrotherToken)
	s.Require().NoError(err)
	sess, err := Start(context.Background(), s.cfg, WithRecord(rec))
	s.Require().NoError(err)
	s.Equal(RoleBrother, sess.Role())
	s.Equal(int('a')+int('b'), sess.DeviceKey())
	s.Empty(sess.Brothers())

	done := make(chan error, 1)
	go func() { done <- ownerBarrier.Run(func() error { return nil }) }()
	s.Require().NoError(sess.Run(func() error { return nil }))
	s.Require().NoError(<-done)

	s.NoError(sess.Close())
	s.True(owner.Live())
	s.FileExists(internalshm.Path(s.name))
}

func (s *SessionTestSuite) TestBrotherWithoutRegion() {
	s.cfg.AttachTimeout = 50 * time.Millisecond
	rec, err := cmdline.New("prog", cmdline.BrotherToken)
	s.Require().NoError(err)

	_, err = Start(context.Background(), s.cfg, WithRecord(rec))
	s.True(errors.Is(err, context.DeadlineExceeded))
}

func (s *SessionTestSuite) TestInvalidConfig() {
	s.cfg.Participants = 0
	_, err := Start(context.Background(), s.cfg)
	s.Error(err)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func barrierFor(r *shm.Region) (*barrier.Barrier, error) {
	return barrier.New(r.Block(), r.Block().Participants())
}
