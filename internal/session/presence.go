package session

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/lk2023060901/whisper-garden-go/internal/protocol"
	"github.com/lk2023060901/whisper-garden-go/internal/store"
	"github.com/lk2023060901/whisper-garden-go/pkg/log"
)

// defaultFanoutWorkers 为好友通知扇出协程池的容量。
const defaultFanoutWorkers = 32

// Presence 基于注册表和好友存储实现好友感知的在线状态解析与通知扇出。
type Presence struct {
	registry Registry
	friends  store.FriendStore
	pool     *ants.Pool
}

// NewPresence 创建一个 Presence 实例。
func NewPresence(registry Registry, friends store.FriendStore) (*Presence, error) {
	pool, err := ants.NewPool(defaultFanoutWorkers)
	if err != nil {
		return nil, errors.Wrap(err, "presence: create fanout pool")
	}
	return &Presence{
		registry: registry,
		friends:  friends,
		pool:     pool,
	}, nil
}

// Close 释放扇出协程池。
func (p *Presence) Close() {
	p.pool.Release()
}

// OnlineFriends 返回指定用户当前在线的好友会话。
//
// 算法：
//  1. 从好友存储取出持久化的好友列表；
//  2. 对注册表取一次快照，逐个好友在快照中探测在线会话；
//  3. 只保留命中的条目。
//
// 整个结果反映注册表在单一时刻的一致状态：只做一次快照，
// 绝不按好友逐次加锁，避免读到被并发修改撕裂的视图。
// 没有好友在线时返回空映射，不是错误。
func (p *Presence) OnlineFriends(ctx context.Context, username string) (map[string]*Session, error) {
	friends, err := p.friends.FriendsOf(ctx, username)
	if err != nil {
		return nil, errors.Wrapf(err, "presence: friends of %q", username)
	}

	snapshot := p.registry.Snapshot()

	online := make(map[string]*Session)
	for _, friend := range friends {
		// 自环保护：即使好友列表中出现自己，也不把自己算作在线好友。
		if friend == username {
			continue
		}
		if sess, ok := snapshot[friend]; ok {
			online[friend] = sess
		}
	}
	return online, nil
}

// OnlineFriendNames 返回当前在线好友的用户名列表，用于连接建立时的快照推送。
func (p *Presence) OnlineFriendNames(ctx context.Context, username string) ([]string, error) {
	online, err := p.OnlineFriends(ctx, username)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(online))
	for name := range online {
		names = append(names, name)
	}
	return names, nil
}

// NotifyOnline 向指定用户的所有在线好友扇出上线事件。
func (p *Presence) NotifyOnline(ctx context.Context, username string) error {
	return p.fanout(ctx, username, protocol.NewStatusChange(protocol.EventOnline, username))
}

// NotifyOffline 向指定用户的所有在线好友扇出下线事件。
func (p *Presence) NotifyOffline(ctx context.Context, username string) error {
	return p.fanout(ctx, username, protocol.NewStatusChange(protocol.EventOffline, username))
}

// Disconnect 处理一次连接断开：移除会话并在确实移除时通知好友下线。
//
// 幂等性：用户已经不在注册表中（重复断开、已被过期扫描清理）时
// 直接返回 false，不做第二次下线扇出。
func (p *Presence) Disconnect(ctx context.Context, username string) bool {
	if _, err := p.registry.Remove(username); err != nil {
		// 生命周期竞态，属于预期结果，不按错误记录。
		log.Debug("disconnect for user without live session",
			log.FieldComponent("presence"),
			log.FieldUser(username))
		return false
	}

	if err := p.NotifyOffline(ctx, username); err != nil {
		log.Warn("offline notification failed",
			log.FieldComponent("presence"),
			log.FieldUser(username),
			zap.Error(err))
	}
	return true
}

// fanout 将一条消息发送给 username 的每个在线好友会话。
//
// 锁序纪律：好友集合来自一次注册表快照，进入扇出时注册表锁早已释放；
// 单个好友的 Send 永远不会在持有注册表锁的情况下执行。
// 扇出通过协程池并行进行，本函数在全部投递完成后才返回。
func (p *Presence) fanout(ctx context.Context, username string, msg protocol.Message) error {
	online, err := p.OnlineFriends(ctx, username)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, sess := range online {
		sess := sess
		wg.Add(1)
		task := func() {
			defer wg.Done()
			sess.Send(msg)
		}
		if err := p.pool.Submit(task); err != nil {
			// 协程池不可用时退化为同步发送，扇出本身不允许失败。
			task()
		}
	}
	wg.Wait()
	return nil
}
