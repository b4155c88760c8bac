package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/whisper-garden-go/internal/protocol"
	"github.com/lk2023060901/whisper-garden-go/internal/session"
	"github.com/lk2023060901/whisper-garden-go/internal/store"
	"github.com/lk2023060901/whisper-garden-go/pkg/log"
	"github.com/lk2023060901/whisper-garden-go/pkg/metrics"
)

// 分发结果标签取值，用于监控。
const (
	resultOK       = "ok"
	resultRejected = "rejected"
	resultError    = "error"
	resultIgnored  = "ignored"
)

// Handler 消费某个会话的入站协议消息，并将其路由到对应的业务动作。
//
// 约定：
//   - 返回值为 nil 表示处理成功或消息被忽略；
//   - 返回非 nil 的 *protocol.Error 表示需要回发给当前连接的类型化错误；
//   - 协作方的原始错误绝不透传到线上，一律包装成协议错误并记录日志。
type Handler struct {
	registry session.Registry
	friends  store.FriendStore
	messages store.MessageStore

	// now 可在测试中替换以固定时间。
	now func() time.Time
}

// New 创建一个分发处理器。
func New(registry session.Registry, friends store.FriendStore, messages store.MessageStore) *Handler {
	return &Handler{
		registry: registry,
		friends:  friends,
		messages: messages,
		now:      time.Now,
	}
}

// Handle 处理一条入站消息。sender 为当前连接已认证的用户名。
//
// 目前唯一的入站路由是点对点消息；其余消息类型从服务端视角都是
// 仅出站的，入站时直接接受并忽略。
func (h *Handler) Handle(ctx context.Context, msg protocol.Message, sender string) *protocol.Error {
	switch m := msg.(type) {
	case *protocol.Direct:
		return h.handleDirect(ctx, m, sender)
	default:
		metrics.DispatchResults.WithLabelValues(msg.Kind(), resultIgnored).Inc()
		return nil
	}
}

// handleDirect 处理一条点对点消息。
//
// 流程：
//  1. 校验接收方；
//  2. 校验好友关系；
//  3. 从注册表重新查找发送方自己的会话（连接建立后可能已被重新登录替换）；
//  4. 构造服务端权威消息（sender 取认证身份，id 重新生成，端到端字段透传）；
//  5. 落库，失败转为领域错误；
//  6. 回显给发送方自己的会话，接收方在线则同样投递，离线则静默跳过。
func (h *Handler) handleDirect(ctx context.Context, m *protocol.Direct, sender string) *protocol.Error {
	if m.Recipient == "" {
		metrics.DispatchResults.WithLabelValues(m.Kind(), resultRejected).Inc()
		return protocol.NewError("No recipient specified")
	}
	recipient := m.Recipient

	areFriends, err := h.friends.AreFriends(ctx, sender, recipient)
	if err != nil {
		log.Warn("friendship lookup failed",
			log.FieldComponent("dispatch"),
			log.FieldUser(sender),
			zap.Error(err))
		metrics.DispatchResults.WithLabelValues(m.Kind(), resultError).Inc()
		return protocol.NewError("Could not verify friendship")
	}
	if !areFriends {
		metrics.DispatchResults.WithLabelValues(m.Kind(), resultRejected).Inc()
		return protocol.NewError("You are not friends with " + recipient)
	}

	// 重新查找而不是沿用连接建立时缓存的引用：
	// 并发重登录会替换注册表中的会话，回显必须落在最新的会话上。
	clientSess, clientOnline := h.registry.Lookup(sender)

	out := protocol.NewDirect(sender, recipient, *m)

	rec := store.MessageRecord{
		ID:                            out.ID,
		Sender:                        out.Sender,
		Recipient:                     out.Recipient,
		Content:                       out.Body,
		ContentSignature:              out.Signature,
		ContentSelfEncrypted:          out.SelfEncrypted,
		ContentSelfEncryptedSignature: out.SelfEncryptedSignature,
		SentAt:                        h.now(),
	}
	if err := h.messages.Save(ctx, rec); err != nil {
		log.Warn("message persistence failed",
			log.FieldComponent("dispatch"),
			log.FieldUser(sender),
			zap.String("message_id", out.ID),
			zap.Error(err))
		metrics.DispatchResults.WithLabelValues(m.Kind(), resultError).Inc()
		return protocol.NewError("message could not be saved")
	}

	// 回显给发送方自己的所有订阅端（其他标签页/设备）。
	if clientOnline {
		clientSess.Send(out)
	}

	// 接收方在线则投递，离线不是错误：消息已经落库，
	// 等对方拉取历史时可见。
	if recipientSess, ok := h.registry.Lookup(recipient); ok {
		recipientSess.Send(out)
	}

	metrics.DispatchResults.WithLabelValues(m.Kind(), resultOK).Inc()
	return nil
}

// PushFriendRequest 将好友请求提醒推送给接收方的在线会话。
//
// 接收方不在线时静默跳过，由 HTTP 侧的持久化保证请求不丢失。
func (h *Handler) PushFriendRequest(recipient, friendRequestID, senderUsername string) {
	sess, ok := h.registry.Lookup(recipient)
	if !ok {
		return
	}
	sess.Send(protocol.NewFriendRequest(friendRequestID, senderUsername))
}
