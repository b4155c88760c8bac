package session

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/whisper-garden-go/pkg/metrics"
)

// ErrCodeNotFound 为会话不存在的稳定错误码。
const ErrCodeNotFound = "session:not_found"

// ErrNotFound 表示指定用户当前没有在线会话。
//
// 注意：这是一个正常的业务结果（重复登出、会话已过期等），
// 调用方应将其视为非致命并继续执行。
var ErrNotFound = errors.New(ErrCodeNotFound)

// Registry 维护当前所有在线用户会话的索引。
//
// 职责说明：
//   - 键的存在与否是“该用户是否在线”在整个进程内的唯一事实来源；
//   - 只负责会话的插入、查询和移除，不创建也不关闭底层连接；
//   - 好友感知的上线/下线通知由 Presence 基于本接口实现。
type Registry interface {
	// Insert 以 sess.Username() 为键存入会话。
	//
	// 同名键已存在时直接替换（replace-wins）：旧会话对仍持有引用的
	// 组件依旧有效，但无法再按用户名查到。
	Insert(sess *Session)

	// Remove 原子地移除并返回指定用户的会话。
	// 用户没有在线会话时返回 ErrNotFound，绝不 panic。
	Remove(username string) (*Session, error)

	// Lookup 只读探测指定用户的会话，不做任何修改。
	Lookup(username string) (*Session, bool)

	// Snapshot 返回整个映射的浅拷贝。
	//
	// 需要遍历注册表的操作（好友解析、过期扫描）必须基于快照进行，
	// 避免在遍历期间持有写锁造成锁序倒置。
	Snapshot() map[string]*Session

	// Count 返回当前在线会话数量。
	Count() int
}

// BaseRegistry 提供了基于内存 map 的 Registry 实现。
//
// 特性：
//   - 使用读写锁保证并发安全，map 是核心中唯一的共享可变状态；
//   - 任何会话级 Send 或外部存储调用都不允许在持锁状态下进行，
//     遍历类操作一律先 Snapshot 再迭代副本。
type BaseRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// 确保 BaseRegistry 实现了 Registry 接口。
var _ Registry = (*BaseRegistry)(nil)

// NewRegistry 创建一个空的 BaseRegistry。
func NewRegistry() *BaseRegistry {
	return &BaseRegistry{
		sessions: make(map[string]*Session),
	}
}

// Insert 实现 Registry.Insert。
func (r *BaseRegistry) Insert(sess *Session) {
	if sess == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[sess.Username()] = sess
	metrics.OnlineSessions.Set(float64(len(r.sessions)))
}

// Remove 实现 Registry.Remove。
func (r *BaseRegistry) Remove(username string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[username]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "user %q", username)
	}
	delete(r.sessions, username)
	metrics.OnlineSessions.Set(float64(len(r.sessions)))
	return sess, nil
}

// Lookup 实现 Registry.Lookup。
func (r *BaseRegistry) Lookup(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[username]
	return sess, ok
}

// Snapshot 实现 Registry.Snapshot。
func (r *BaseRegistry) Snapshot() map[string]*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]*Session, len(r.sessions))
	for username, sess := range r.sessions {
		snapshot[username] = sess
	}
	return snapshot
}

// Count 实现 Registry.Count。
func (r *BaseRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
