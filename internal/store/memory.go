package store

import (
	"context"
	"sync"

	"github.com/samber/lo"
)

// MemoryFriendStore 提供了基于内存 map 的 FriendStore 实现。
//
// 主要面向单元测试和本地开发场景；好友关系按双向写入。
type MemoryFriendStore struct {
	mu      sync.RWMutex
	friends map[string]map[string]struct{}
}

// 确保 MemoryFriendStore 实现了 FriendStore 接口。
var _ FriendStore = (*MemoryFriendStore)(nil)

// NewMemoryFriendStore 创建一个空的 MemoryFriendStore。
func NewMemoryFriendStore() *MemoryFriendStore {
	return &MemoryFriendStore{
		friends: make(map[string]map[string]struct{}),
	}
}

// AddFriendship 建立 a 与 b 的双向好友关系。
func (s *MemoryFriendStore) AddFriendship(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.friends[a] == nil {
		s.friends[a] = make(map[string]struct{})
	}
	if s.friends[b] == nil {
		s.friends[b] = make(map[string]struct{})
	}
	s.friends[a][b] = struct{}{}
	s.friends[b][a] = struct{}{}
}

// FriendsOf 实现 FriendStore.FriendsOf。
func (s *MemoryFriendStore) FriendsOf(_ context.Context, username string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Keys(s.friends[username]), nil
}

// AreFriends 实现 FriendStore.AreFriends。
func (s *MemoryFriendStore) AreFriends(_ context.Context, username, friend string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.friends[username][friend]
	return ok, nil
}

// MemoryMessageStore 提供了基于内存切片的 MessageStore 实现。
//
// 主要面向单元测试；Records 返回已保存记录的副本供断言使用。
type MemoryMessageStore struct {
	mu      sync.Mutex
	records []MessageRecord

	// failNext 为 true 时，下一次 Save 返回 ErrSaveFailed。
	// 用于测试落库失败路径。
	failNext bool
}

// 确保 MemoryMessageStore 实现了 MessageStore 接口。
var _ MessageStore = (*MemoryMessageStore)(nil)

// NewMemoryMessageStore 创建一个空的 MemoryMessageStore。
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{}
}

// Save 实现 MessageStore.Save。
func (s *MemoryMessageStore) Save(_ context.Context, rec MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext {
		s.failNext = false
		return ErrSaveFailed
	}
	s.records = append(s.records, rec)
	return nil
}

// FailNext 使下一次 Save 调用失败。
func (s *MemoryMessageStore) FailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

// Records 返回已保存消息记录的副本。
func (s *MemoryMessageStore) Records() []MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]MessageRecord, len(s.records))
	copy(out, s.records)
	return out
}
