package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/whisper-garden-go/internal/auth"
	"github.com/lk2023060901/whisper-garden-go/internal/protocol"
	"github.com/lk2023060901/whisper-garden-go/internal/session"
	"github.com/lk2023060901/whisper-garden-go/internal/store"
	"github.com/lk2023060901/whisper-garden-go/pkg/log"
)

// flakyFriendStore 对指定用户的好友查询返回错误，其余行为同内存实现。
type flakyFriendStore struct {
	*store.MemoryFriendStore
	failFor string
}

func (s *flakyFriendStore) FriendsOf(ctx context.Context, username string) ([]string, error) {
	if username == s.failFor {
		return nil, errors.New("friend store unavailable")
	}
	return s.MemoryFriendStore.FriendsOf(ctx, username)
}

type SweepSuite struct {
	suite.Suite

	ctx      context.Context
	now      time.Time
	registry *session.BaseRegistry
	friends  *store.MemoryFriendStore
	presence *session.Presence
	sweeper  *Sweeper
}

func (s *SweepSuite) SetupTest() {
	// 扫描过程会输出清理与扇出日志，重定向到测试输出避免污染 stderr。
	log.SetupTestLogger(s.T())

	s.ctx = context.Background()
	s.now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.registry = session.NewRegistry()
	s.friends = store.NewMemoryFriendStore()

	presence, err := session.NewPresence(s.registry, s.friends)
	s.Require().NoError(err)
	s.presence = presence

	s.sweeper = New(s.registry, presence, DefaultInterval)
	s.sweeper.now = func() time.Time { return s.now }
}

func (s *SweepSuite) TearDownTest() {
	s.presence.Close()
}

func (s *SweepSuite) online(username string, expiresAt time.Time) *session.Session {
	sess := session.New(username, auth.Credential{Subject: username, ExpiresAt: expiresAt})
	s.registry.Insert(sess)
	return sess
}

func recvMessage(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func (s *SweepSuite) TestExpiryBoundary() {
	// 恰好到期：仍然有效，不被清理。
	s.online("boundary", s.now)
	// 严格过期：被清理。
	s.online("stale", s.now.Add(-time.Second))
	// 未来过期：保留。
	s.online("fresh", s.now.Add(time.Hour))

	evicted := s.sweeper.SweepOnce(s.ctx)
	s.Equal(1, evicted)

	_, ok := s.registry.Lookup("boundary")
	s.True(ok)
	_, ok = s.registry.Lookup("fresh")
	s.True(ok)
	_, ok = s.registry.Lookup("stale")
	s.False(ok)
}

func (s *SweepSuite) TestEvictionNotifiesSessionAndFriends() {
	s.friends.AddFriendship("stale", "bob")

	stale := s.online("stale", s.now.Add(-time.Minute))
	staleCh, cancelStale := stale.Subscribe()
	defer cancelStale()

	bob := s.online("bob", s.now.Add(time.Hour))
	bobCh, cancelBob := bob.Subscribe()
	defer cancelBob()

	s.Equal(1, s.sweeper.SweepOnce(s.ctx))

	// 被清理的会话先收到过期通知。
	note, ok := recvMessage(s.T(), staleCh).(*protocol.Notification)
	s.Require().True(ok)
	s.Equal("Session expired", note.Title)

	// 每个在线好友恰好收到一次下线事件。
	sc, ok := recvMessage(s.T(), bobCh).(*protocol.StatusChange)
	s.Require().True(ok)
	s.Equal(protocol.EventOffline, sc.Status)
	s.Equal("stale", sc.UserID)

	select {
	case msg := <-bobCh:
		s.Failf("unexpected second notification", "kind=%s", msg.Kind())
	case <-time.After(50 * time.Millisecond):
	}

	// 下一轮扫描不会重复清理。
	s.Equal(0, s.sweeper.SweepOnce(s.ctx))
}

func (s *SweepSuite) TestPartialFailureIsolation() {
	friends := &flakyFriendStore{MemoryFriendStore: s.friends, failFor: "bad"}
	presence, err := session.NewPresence(s.registry, friends)
	s.Require().NoError(err)
	defer presence.Close()

	sweeper := New(s.registry, presence, DefaultInterval)
	sweeper.now = func() time.Time { return s.now }

	// 两个过期会话，其中一个的好友查询会失败。
	s.online("bad", s.now.Add(-time.Minute))
	s.online("worse", s.now.Add(-time.Minute))

	// 单个用户的清理失败不会中断整轮扫描：两个会话都被移除。
	s.Equal(2, sweeper.SweepOnce(s.ctx))
	s.Equal(0, s.registry.Count())
}

func (s *SweepSuite) TestSweepDoesNotOverlapItself() {
	s.online("stale", s.now.Add(-time.Minute))

	// 模拟一轮扫描正在进行。
	s.Require().True(s.sweeper.running.CompareAndSwap(false, true))
	s.Equal(0, s.sweeper.SweepOnce(s.ctx))
	s.sweeper.running.Store(false)

	s.Equal(1, s.sweeper.SweepOnce(s.ctx))
}

func (s *SweepSuite) TestRunStopsOnCancel() {
	ctx, cancel := context.WithCancel(s.ctx)

	done := make(chan struct{})
	sweeper := New(s.registry, s.presence, 10*time.Millisecond)
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("sweeper did not stop on context cancel")
	}
}

func TestSweepSuite(t *testing.T) {
	suite.Run(t, new(SweepSuite))
}
