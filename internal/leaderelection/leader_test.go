package leaderelection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/djlord-it/contentguard/internal/testutil"
)

type fakeSession struct {
	locker *fakeLocker
}

func (s *fakeSession) TryLock(ctx context.Context) (bool, error) {
	s.locker.mu.Lock()
	defer s.locker.mu.Unlock()
	if s.locker.lockErr != nil {
		return false, s.locker.lockErr
	}
	if s.locker.holder != nil {
		return false, nil
	}
	s.locker.holder = s
	return true, nil
}

func (s *fakeSession) Ping(ctx context.Context) error {
	s.locker.mu.Lock()
	defer s.locker.mu.Unlock()
	return s.locker.pingErr
}

func (s *fakeSession) Close() error {
	s.locker.mu.Lock()
	defer s.locker.mu.Unlock()
	if s.locker.holder == s {
		s.locker.holder = nil
	}
	return nil
}

type fakeLocker struct {
	mu      sync.Mutex
	holder  *fakeSession
	lockErr error
	pingErr error
}

func (l *fakeLocker) Open(ctx context.Context) (Session, error) {
	return &fakeSession{locker: l}, nil
}

func (l *fakeLocker) setPingErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pingErr = err
}

type mockMetrics struct {
	mu       sync.Mutex
	acquired int
	lost     []string
}

func (m *mockMetrics) LeaderStatusChanged(bool) {}

func (m *mockMetrics) LeaderAcquired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
}

func (m *mockMetrics) LeaderLost(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = append(m.lost, reason)
}

func (m *mockMetrics) lostReasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lost...)
}

var fastConfig = Config{RetryInterval: 10 * time.Millisecond, HeartbeatInterval: 5 * time.Millisecond}

func TestElector_AcquiresAndReleasesOnShutdown(t *testing.T) {
	locker := &fakeLocker{}
	var elected, demoted atomic.Int32
	metrics := &mockMetrics{}
	e := New(locker, fastConfig).
		WithCallbacks(
			func(ctx context.Context) { elected.Add(1) },
			func() { demoted.Add(1) },
		).
		WithMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	testutil.WaitFor(t, time.Second, e.IsLeader)
	testutil.WaitFor(t, time.Second, func() bool { return elected.Load() == 1 })

	cancel()
	<-done

	if e.IsLeader() {
		t.Error("still leader after shutdown")
	}
	if demoted.Load() != 1 {
		t.Errorf("onDemoted called %d times, want 1", demoted.Load())
	}
	if got := metrics.lostReasons(); len(got) != 1 || got[0] != "shutdown" {
		t.Errorf("lost reasons = %v, want [shutdown]", got)
	}
}

func TestElector_FollowerWhileLockHeld(t *testing.T) {
	locker := &fakeLocker{}
	leader := New(locker, fastConfig)
	follower := New(locker, fastConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go leader.Run(ctx)
	testutil.WaitFor(t, time.Second, leader.IsLeader)

	go follower.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	if follower.IsLeader() {
		t.Fatal("both instances report leadership")
	}
}

func TestElector_ConnectionLossDemotes(t *testing.T) {
	locker := &fakeLocker{}
	metrics := &mockMetrics{}
	e := New(locker, fastConfig).WithMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	testutil.WaitFor(t, time.Second, e.IsLeader)

	locker.setPingErr(errors.New("broken pipe"))
	testutil.WaitFor(t, time.Second, func() bool {
		r := metrics.lostReasons()
		return len(r) > 0 && r[0] == "conn_lost"
	})

	locker.setPingErr(nil)
	testutil.WaitFor(t, time.Second, e.IsLeader)
}

func TestElector_LockErrorKeepsFollower(t *testing.T) {
	locker := &fakeLocker{lockErr: errors.New("db down")}
	e := New(locker, fastConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	e.Run(ctx)

	if e.IsLeader() {
		t.Error("leader despite lock errors")
	}
}

func TestStatic(t *testing.T) {
	if !Static(true).IsLeader() || Static(false).IsLeader() {
		t.Error("Static does not report its value")
	}
}
