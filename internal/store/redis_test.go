package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
)

type RedisStoreSuite struct {
	suite.Suite

	ctx      context.Context
	mr       *miniredis.Miniredis
	client   *redis.Client
	friends  *RedisFriendStore
	messages *RedisMessageStore
}

func (s *RedisStoreSuite) SetupTest() {
	s.ctx = context.Background()

	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.mr = mr

	s.client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.friends = NewRedisFriendStore(s.client)
	s.messages = NewRedisMessageStore(s.client)
}

func (s *RedisStoreSuite) TearDownTest() {
	s.NoError(s.client.Close())
	s.mr.Close()
}

func (s *RedisStoreSuite) TestFriendsOf() {
	s.Require().NoError(s.client.SAdd(s.ctx, "friends:alice", "bob", "carol").Err())

	friends, err := s.friends.FriendsOf(s.ctx, "alice")
	s.NoError(err)
	s.ElementsMatch([]string{"bob", "carol"}, friends)

	// 没有好友集合的用户得到空结果，不是错误。
	friends, err = s.friends.FriendsOf(s.ctx, "loner")
	s.NoError(err)
	s.Empty(friends)
}

func (s *RedisStoreSuite) TestAreFriends() {
	s.Require().NoError(s.client.SAdd(s.ctx, "friends:alice", "bob").Err())

	ok, err := s.friends.AreFriends(s.ctx, "alice", "bob")
	s.NoError(err)
	s.True(ok)

	ok, err = s.friends.AreFriends(s.ctx, "alice", "mallory")
	s.NoError(err)
	s.False(ok)
}

func (s *RedisStoreSuite) TestLookupFailureWrapsSentinel() {
	s.mr.Close()

	_, err := s.friends.FriendsOf(s.ctx, "alice")
	s.ErrorIs(err, ErrLookupFailed)
}

func (s *RedisStoreSuite) TestSaveAndHistory() {
	sentAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	first := MessageRecord{
		ID:                            "m1",
		Sender:                        "alice",
		Recipient:                     "bob",
		Content:                       "cipher-one",
		ContentSignature:              "sig-one",
		ContentSelfEncrypted:          "self-one",
		ContentSelfEncryptedSignature: "self-sig-one",
		SentAt:                        sentAt,
	}
	second := first
	second.ID = "m2"
	second.Content = "cipher-two"

	s.Require().NoError(s.messages.Save(s.ctx, first))
	s.Require().NoError(s.messages.Save(s.ctx, second))

	// 历史按接收方读取，保持落库顺序。
	history, err := s.messages.History(s.ctx, "bob")
	s.NoError(err)
	s.Require().Len(history, 2)
	s.Equal("m1", history[0].ID)
	s.Equal("m2", history[1].ID)
	s.Equal("cipher-two", history[1].Content)
	s.True(history[0].SentAt.Equal(sentAt))

	// 发送方名下没有历史。
	history, err = s.messages.History(s.ctx, "alice")
	s.NoError(err)
	s.Empty(history)
}

func (s *RedisStoreSuite) TestSaveFailureWrapsSentinel() {
	s.mr.Close()

	err := s.messages.Save(s.ctx, MessageRecord{ID: "m1", Recipient: "bob"})
	s.ErrorIs(err, ErrSaveFailed)
}

func TestRedisStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreSuite))
}
