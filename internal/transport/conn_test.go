package transport

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/tidwall/gjson"

	"github.com/lk2023060901/whisper-garden-go/internal/auth"
	"github.com/lk2023060901/whisper-garden-go/internal/dispatch"
	"github.com/lk2023060901/whisper-garden-go/internal/protocol"
	"github.com/lk2023060901/whisper-garden-go/internal/session"
	"github.com/lk2023060901/whisper-garden-go/internal/store"
	"github.com/lk2023060901/whisper-garden-go/pkg/log"
)

// fakeConn 为测试用的内存帧连接。
type fakeConn struct {
	inbound chan []byte
	written chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.written <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// push 模拟对端发来一帧。
func (c *fakeConn) push(data []byte) {
	c.inbound <- data
}

type PumpSuite struct {
	suite.Suite

	ctx      context.Context
	registry *session.BaseRegistry
	friends  *store.MemoryFriendStore
	messages *store.MemoryMessageStore
	presence *session.Presence
	authMgr  *auth.Manager
	pump     *Pump
}

func (s *PumpSuite) SetupTest() {
	// 连接生命周期会输出大量调试与告警日志，重定向到测试输出避免污染 stderr。
	log.SetupTestLogger(s.T())

	s.ctx = context.Background()
	s.registry = session.NewRegistry()
	s.friends = store.NewMemoryFriendStore()
	s.messages = store.NewMemoryMessageStore()

	presence, err := session.NewPresence(s.registry, s.friends)
	s.Require().NoError(err)
	s.presence = presence

	authMgr, err := auth.NewManager([]byte("pump-test-secret"), time.Hour)
	s.Require().NoError(err)
	s.authMgr = authMgr

	dispatcher := dispatch.New(s.registry, s.friends, s.messages)
	s.pump = NewPump(s.registry, presence, dispatcher, authMgr)
}

func (s *PumpSuite) TearDownTest() {
	s.presence.Close()
}

func (s *PumpSuite) token(username string) string {
	_, token, err := s.authMgr.Issue(username, "pk-"+username)
	s.Require().NoError(err)
	return token
}

func (s *PumpSuite) online(username string) *session.Session {
	cred, _, err := s.authMgr.Issue(username, "pk-"+username)
	s.Require().NoError(err)
	sess := session.New(username, cred)
	s.registry.Insert(sess)
	return sess
}

// serve 在后台驱动一条连接，返回一个等待 Serve 结束的函数。
func (s *PumpSuite) serve(conn *fakeConn, token string) func() error {
	result := make(chan error, 1)
	go func() {
		result <- s.pump.Serve(s.ctx, conn, token)
	}()
	return func() error {
		select {
		case err := <-result:
			return err
		case <-time.After(time.Second):
			s.T().Fatal("timed out waiting for Serve to return")
			return nil
		}
	}
}

func recvFrame(t *testing.T, conn *fakeConn) gjson.Result {
	t.Helper()
	select {
	case data := <-conn.written:
		return gjson.ParseBytes(data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return gjson.Result{}
	}
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

func (s *PumpSuite) TestInvalidTokenRejected() {
	conn := newFakeConn()
	wait := s.serve(conn, "garbage-token")

	frame := recvFrame(s.T(), conn)
	s.Equal(protocol.TypeError, frame.Get("TYPE").String())
	s.Equal("You are not authenticated", frame.Get("message").String())

	s.ErrorIs(wait(), ErrNotAuthenticated)
	s.Equal(0, s.registry.Count())
}

func (s *PumpSuite) TestOnlineUsersSnapshotIsFirstFrame() {
	s.friends.AddFriendship("alice", "bob")
	s.friends.AddFriendship("alice", "carol")
	s.online("bob")
	// carol 不在线。

	conn := newFakeConn()
	wait := s.serve(conn, s.token("alice"))

	// 第一帧必须是在线好友快照，之后才有其他流量。
	frame := recvFrame(s.T(), conn)
	s.Equal(protocol.TypeOnlineUsers, frame.Get("TYPE").String())
	online := frame.Get("online_users").Array()
	s.Require().Len(online, 1)
	s.Equal("bob", online[0].String())

	conn.Close()
	wait()
}

func (s *PumpSuite) TestConnectFansOutOnlineEvent() {
	s.friends.AddFriendship("alice", "bob")
	bob := s.online("bob")
	bobCh, cancelBob := bob.Subscribe()
	defer cancelBob()

	conn := newFakeConn()
	wait := s.serve(conn, s.token("alice"))
	recvFrame(s.T(), conn)

	sc, ok := recvMessage(s.T(), bobCh).(*protocol.StatusChange)
	s.Require().True(ok)
	s.Equal(protocol.EventOnline, sc.Status)
	s.Equal("alice", sc.UserID)

	conn.Close()
	wait()
}

func (s *PumpSuite) TestMalformedFrameKeepsConnectionOpen() {
	s.friends.AddFriendship("alice", "bob")
	s.online("bob")

	conn := newFakeConn()
	wait := s.serve(conn, s.token("alice"))
	recvFrame(s.T(), conn)

	// 格式错误的帧只换来一条错误帧，连接保持可用。
	conn.push([]byte("{not json"))
	frame := recvFrame(s.T(), conn)
	s.Equal(protocol.TypeError, frame.Get("TYPE").String())
	s.Equal("Could not deserialize message", frame.Get("message").String())

	// 之后的合法消息仍被正常处理并回显。
	direct, err := protocol.Marshal(&protocol.Direct{
		Recipient:              "bob",
		Body:                   "cipher",
		Signature:              "sig",
		SelfEncrypted:          "self",
		SelfEncryptedSignature: "self-sig",
		Type:                   protocol.TypeDirect,
	})
	s.Require().NoError(err)
	conn.push(direct)

	frame = recvFrame(s.T(), conn)
	s.Equal(protocol.TypeDirect, frame.Get("TYPE").String())
	s.Equal("alice", frame.Get("sender").String())
	s.Len(s.messages.Records(), 1)

	conn.Close()
	wait()
}

func (s *PumpSuite) TestDisconnectTearsDownOnce() {
	s.friends.AddFriendship("alice", "bob")
	bob := s.online("bob")
	bobCh, cancelBob := bob.Subscribe()
	defer cancelBob()

	conn := newFakeConn()
	wait := s.serve(conn, s.token("alice"))
	recvFrame(s.T(), conn)

	// 吃掉上线事件。
	recvMessage(s.T(), bobCh)

	conn.Close()
	wait()

	// 连接结束后会话被移除，好友恰好收到一次下线事件。
	_, ok := s.registry.Lookup("alice")
	s.False(ok)

	sc, ok := recvMessage(s.T(), bobCh).(*protocol.StatusChange)
	s.Require().True(ok)
	s.Equal(protocol.EventOffline, sc.Status)

	select {
	case msg := <-bobCh:
		s.Failf("unexpected extra fanout", "kind=%s", msg.Kind())
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *PumpSuite) TestSecondConnectionReusesSession() {
	s.friends.AddFriendship("alice", "bob")
	bob := s.online("bob")
	bobCh, cancelBob := bob.Subscribe()
	defer cancelBob()

	first := newFakeConn()
	waitFirst := s.serve(first, s.token("alice"))
	recvFrame(s.T(), first)
	recvMessage(s.T(), bobCh)

	// 同一用户的第二条连接复用已有会话，不再触发上线扇出。
	second := newFakeConn()
	waitSecond := s.serve(second, s.token("alice"))
	recvFrame(s.T(), second)

	select {
	case msg := <-bobCh:
		s.Failf("unexpected second online fanout", "kind=%s", msg.Kind())
	case <-time.After(50 * time.Millisecond):
	}

	// 注册表中仍然只有 alice 和 bob 两个条目，第二条连接没有新增会话。
	s.Equal(2, s.registry.Count())

	// 两个标签页共享出站流：推给会话的消息在两条连接上都能看到。
	sess, ok := s.registry.Lookup("alice")
	s.Require().True(ok)
	sess.Send(protocol.NewNotification("info", "hello", "shared stream"))

	s.Equal(protocol.TypeNotification, recvFrame(s.T(), first).Get("TYPE").String())
	s.Equal(protocol.TypeNotification, recvFrame(s.T(), second).Get("TYPE").String())

	first.Close()
	waitFirst()
	second.Close()
	waitSecond()
}

func TestPumpSuite(t *testing.T) {
	suite.Run(t, new(PumpSuite))
}
