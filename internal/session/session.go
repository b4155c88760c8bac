package session

import (
	"sync"

	"github.com/lk2023060901/whisper-garden-go/internal/auth"
	"github.com/lk2023060901/whisper-garden-go/internal/protocol"
	"github.com/lk2023060901/whisper-garden-go/pkg/log"
	"github.com/lk2023060901/whisper-garden-go/pkg/metrics"
	"go.uber.org/zap"
)

// Session 表示一个已认证且在线的用户连接状态。
//
// 约定：
//   - 用户名在会话生命周期内不可变，是注册表中的唯一键；
//   - 除凭证续期（整体替换）外，会话创建后不再被修改，可安全地按引用共享；
//   - 出站通道为多订阅者广播：连接的写协程订阅后能收到发布的每条消息。
type Session struct {
	username string

	// credMu 仅保护 credential 的整体替换与读取。
	credMu     sync.RWMutex
	credential auth.Credential

	outbound *broadcaster
}

// New 创建一个新的会话并分配独立的出站广播通道。不会失败。
func New(username string, credential auth.Credential) *Session {
	return &Session{
		username:   username,
		credential: credential,
		outbound:   newBroadcaster(),
	}
}

// Username 返回会话归属的用户名。
func (s *Session) Username() string {
	return s.username
}

// Credential 返回当前凭证的副本。
func (s *Session) Credential() auth.Credential {
	s.credMu.RLock()
	defer s.credMu.RUnlock()
	return s.credential
}

// RenewCredential 以新凭证整体替换旧凭证。
func (s *Session) RenewCredential(credential auth.Credential) {
	s.credMu.Lock()
	defer s.credMu.Unlock()
	s.credential = credential
}

// Send 将消息尽力发布到出站通道。
//
// 行为：
//   - 没有订阅者时不报错也不阻塞，消息被静默丢弃（仅打 debug 日志）；
//   - 调用方永远不会因 Send 而失败，序列化问题在连接写侧处理。
func (s *Session) Send(msg protocol.Message) {
	delivered := s.outbound.publish(msg)
	if delivered == 0 {
		metrics.MessagesDropped.WithLabelValues(msg.Kind()).Inc()
		log.Debug("session has no listeners, message dropped",
			log.FieldComponent("session"),
			log.FieldUser(s.username),
			zap.String("kind", msg.Kind()))
		return
	}
	metrics.MessagesDelivered.WithLabelValues(msg.Kind()).Add(float64(delivered))
}

// Subscribe 注册出站通道的一个订阅者，通常由连接的写协程调用。
//
// 返回的取消函数可安全地重复调用；取消后 channel 被关闭。
func (s *Session) Subscribe() (<-chan protocol.Message, func()) {
	return s.outbound.subscribe()
}

// SubscriberCount 返回当前出站通道的订阅者数量，主要用于测试与诊断。
func (s *Session) SubscriberCount() int {
	return s.outbound.subscriberCount()
}
