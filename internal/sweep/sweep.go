package sweep

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/whisper-garden-go/internal/protocol"
	"github.com/lk2023060901/whisper-garden-go/internal/session"
	"github.com/lk2023060901/whisper-garden-go/pkg/log"
	"github.com/lk2023060901/whisper-garden-go/pkg/metrics"
)

// DefaultInterval 为过期扫描的默认执行间隔。
const DefaultInterval = 15 * time.Second

// Sweeper 是周期性的后台过期扫描器。
//
// 约定：
//   - 独立于任何单条连接运行，是注册表唯一一个非客户端动作触发的写入方；
//   - 同一时刻最多只有一轮扫描在执行；
//   - 单个用户的清理失败不会中断整轮扫描（部分失败隔离）。
type Sweeper struct {
	registry session.Registry
	presence *session.Presence
	interval time.Duration

	running *atomic.Bool

	// now 可在测试中替换以固定时间。
	now func() time.Time
}

// New 创建一个过期扫描器。interval 不为正时使用 DefaultInterval。
func New(registry session.Registry, presence *session.Presence, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		registry: registry,
		presence: presence,
		interval: interval,
		running:  atomic.NewBool(false),
		now:      time.Now,
	}
}

// Run 以固定间隔循环执行扫描，直到上下文被取消。
// 通常作为进程级后台协程启动：go sweeper.Run(ctx)。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info("expiration sweep started",
		log.FieldComponent("sweep"),
		zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			log.Info("expiration sweep stopped", log.FieldComponent("sweep"))
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce 执行一轮扫描，返回本轮清理掉的会话数量。
//
// 行为：
//   - 基于一次注册表快照遍历，持锁窗口只覆盖快照本身；
//   - 凭证严格晚于过期时刻才被清理，恰好到期仍然有效；
//   - 每个被清理的会话收到一条过期通知，其好友收到一次下线扇出；
//   - 已有一轮扫描在执行时直接返回 0，不做重入。
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	if !s.running.CompareAndSwap(false, true) {
		return 0
	}
	defer s.running.Store(false)

	start := s.now()
	evicted := 0

	for username, sess := range s.registry.Snapshot() {
		if !sess.Credential().Expired(s.now()) {
			continue
		}
		if s.evict(ctx, username, sess) {
			evicted++
		}
	}

	metrics.SweepDuration.Observe(float64(time.Since(start).Milliseconds()))
	if evicted > 0 {
		log.Info("expiration sweep evicted sessions",
			log.FieldComponent("sweep"),
			zap.Int("evicted", evicted))
	}
	return evicted
}

// evict 清理单个过期会话：移除、推送过期通知、扇出下线事件。
//
// 与显式登出走同一套移除加通知序列。任何一步失败都只影响当前用户。
func (s *Sweeper) evict(ctx context.Context, username string, sess *session.Session) bool {
	if _, err := s.registry.Remove(username); err != nil {
		// 快照之后已被其他路径移除（用户主动登出等），视为正常竞态。
		return false
	}

	metrics.SweepEvictions.Inc()
	log.Info("session expired, evicting",
		log.FieldComponent("sweep"),
		log.FieldUser(username),
		zap.Time("expires_at", sess.Credential().ExpiresAt))

	// 先告知被清理的连接本身，再通知其好友。
	sess.Send(protocol.NewNotification("error", "Session expired", "Your session expired, please log in again"))

	if err := s.presence.NotifyOffline(ctx, username); err != nil {
		log.Warn("offline fanout failed during sweep",
			log.FieldComponent("sweep"),
			log.FieldUser(username),
			zap.Error(err))
	}
	return true
}
