package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/lk2023060901/whisper-garden-go/internal/json"
)

const (
	// friendKeyPrefix 为好友集合在 redis 中的 key 前缀，值为 set 结构。
	friendKeyPrefix = "friends:"

	// messageKeyPrefix 为会话消息列表在 redis 中的 key 前缀，值为 list 结构。
	messageKeyPrefix = "messages:"

	// defaultMaxRetries 为单次存储操作的最大重试次数。
	defaultMaxRetries = 3

	// defaultInitialInterval 为重试的初始退避间隔。
	defaultInitialInterval = 50 * time.Millisecond
)

// RedisFriendStore 提供了基于 redis set 的 FriendStore 实现。
//
// 数据布局：friends:<username> -> set of friend usernames。
// 好友写入由外部系统负责，本实现只读。
type RedisFriendStore struct {
	client redis.UniversalClient
}

// 确保 RedisFriendStore 实现了 FriendStore 接口。
var _ FriendStore = (*RedisFriendStore)(nil)

// NewRedisFriendStore 创建一个基于给定 redis 客户端的 FriendStore。
func NewRedisFriendStore(client redis.UniversalClient) *RedisFriendStore {
	return &RedisFriendStore{client: client}
}

// FriendsOf 实现 FriendStore.FriendsOf。
func (s *RedisFriendStore) FriendsOf(ctx context.Context, username string) ([]string, error) {
	var friends []string
	err := retryDo(ctx, func() error {
		var err error
		friends, err = s.client.SMembers(ctx, friendKeyPrefix+username).Result()
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(ErrLookupFailed, "friends of %q: %v", username, err)
	}
	return friends, nil
}

// AreFriends 实现 FriendStore.AreFriends。
func (s *RedisFriendStore) AreFriends(ctx context.Context, username, friend string) (bool, error) {
	var ok bool
	err := retryDo(ctx, func() error {
		var err error
		ok, err = s.client.SIsMember(ctx, friendKeyPrefix+username, friend).Result()
		return err
	})
	if err != nil {
		return false, errors.Wrapf(ErrLookupFailed, "friendship %q/%q: %v", username, friend, err)
	}
	return ok, nil
}

// RedisMessageStore 提供了基于 redis list 的 MessageStore 实现。
//
// 数据布局：messages:<recipient> -> list of JSON 编码的 MessageRecord。
// 按接收方组织，历史拉取接口直接按用户名读取整个列表。
type RedisMessageStore struct {
	client redis.UniversalClient
}

// 确保 RedisMessageStore 实现了 MessageStore 接口。
var _ MessageStore = (*RedisMessageStore)(nil)

// NewRedisMessageStore 创建一个基于给定 redis 客户端的 MessageStore。
func NewRedisMessageStore(client redis.UniversalClient) *RedisMessageStore {
	return &RedisMessageStore{client: client}
}

// Save 实现 MessageStore.Save。
func (s *RedisMessageStore) Save(ctx context.Context, rec MessageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(ErrSaveFailed, "marshal message %q: %v", rec.ID, err)
	}

	err = retryDo(ctx, func() error {
		return s.client.RPush(ctx, messageKeyPrefix+rec.Recipient, data).Err()
	})
	if err != nil {
		return errors.Wrapf(ErrSaveFailed, "save message %q: %v", rec.ID, err)
	}
	return nil
}

// History 返回发送给指定用户的全部消息记录，按落库顺序排列。
func (s *RedisMessageStore) History(ctx context.Context, username string) ([]MessageRecord, error) {
	var raw []string
	err := retryDo(ctx, func() error {
		var err error
		raw, err = s.client.LRange(ctx, messageKeyPrefix+username, 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(ErrLookupFailed, "history of %q: %v", username, err)
	}

	records := make([]MessageRecord, 0, len(raw))
	for _, item := range raw {
		var rec MessageRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, errors.Wrapf(ErrLookupFailed, "decode history of %q: %v", username, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// retryDo 以指数退避的方式执行 redis 操作。
//
// 上下文取消时立即放弃重试，将取消错误返回给调用方。
func retryDo(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = defaultInitialInterval
	return backoff.Retry(fn, backoff.WithContext(backoff.WithMaxRetries(bo, defaultMaxRetries), ctx))
}
