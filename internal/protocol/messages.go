package protocol

import (
	"github.com/google/uuid"
)

// 协议消息的类型判别符。
//
// 注意：这些字符串是对外线上协议的一部分，客户端依赖它们区分消息种类，
// 不允许随意改动。
const (
	TypeDirect        = "SOCKET_MESSAGE_DIRECT"
	TypeNotification  = "SOCKET_MESSAGE_NOTIFICATION"
	TypeStatusChange  = "SOCKET_MESSAGE_STATUS_CHANGE"
	TypeOnlineUsers   = "SOCKET_MESSAGE_ONLINE_USERS"
	TypeFriendRequest = "SOCKET_MESSAGE_FRIEND_REQUEST"
	TypeError         = "SOCKET_MESSAGE_ERROR"
)

// 在线状态事件取值。
const (
	EventOnline  = "ONLINE"
	EventOffline = "OFFLINE"
)

// Message 抽象了一条协议消息。
//
// 约定：
//   - 协议消息集合是封闭的：本包内的几种结构体即全部合法实现；
//   - 每种消息都携带 TYPE 判别符字段，接收方按 TYPE 区分，不依赖结构形状；
//   - 消息构造完成后即视为不可变，序列化后发送一次。
type Message interface {
	// Kind 返回该消息的类型判别符。
	Kind() string
}

// Direct 为好友之间的点对点消息。
//
// 说明：
//   - Body 及三个签名/自加密伴随字段是端到端的真实性产物，
//     服务端仅透传，不生成也不校验其内容；
//   - ID 在服务端重新构造消息时生成，入站时客户端携带的 ID 不被信任。
type Direct struct {
	Sender                 string `json:"sender,omitempty"`
	Recipient              string `json:"recipient,omitempty"`
	ID                     string `json:"id,omitempty"`
	Body                   string `json:"message"`
	Signature              string `json:"message_signature"`
	SelfEncrypted          string `json:"message_self_encrypted"`
	SelfEncryptedSignature string `json:"message_self_encrypted_signature"`
	Type                   string `json:"TYPE"`
}

// NewDirect 构造一条服务端权威的点对点消息。
//
// sender 取自已认证身份，id 为新生成的 uuid；
// 其余字段从客户端载荷中原样透传。
func NewDirect(sender, recipient string, payload Direct) *Direct {
	return &Direct{
		Sender:                 sender,
		Recipient:              recipient,
		ID:                     uuid.NewString(),
		Body:                   payload.Body,
		Signature:              payload.Signature,
		SelfEncrypted:          payload.SelfEncrypted,
		SelfEncryptedSignature: payload.SelfEncryptedSignature,
		Type:                   TypeDirect,
	}
}

func (m *Direct) Kind() string { return TypeDirect }

// Notification 为服务端推送的通知条目（例如会话过期提示）。
type Notification struct {
	Status string `json:"status"`
	Title  string `json:"title"`
	Body   string `json:"message"`
	Type   string `json:"TYPE"`
}

// NewNotification 构造一条通知消息。
func NewNotification(status, title, body string) *Notification {
	return &Notification{
		Status: status,
		Title:  title,
		Body:   body,
		Type:   TypeNotification,
	}
}

func (m *Notification) Kind() string { return TypeNotification }

// StatusChange 表示某个用户的在线状态发生了变化。
type StatusChange struct {
	Status string `json:"status"`
	UserID string `json:"user_id"`
	Type   string `json:"TYPE"`
}

// NewStatusChange 构造一条状态变更消息。status 取 EventOnline/EventOffline。
func NewStatusChange(status, userID string) *StatusChange {
	return &StatusChange{
		Status: status,
		UserID: userID,
		Type:   TypeStatusChange,
	}
}

func (m *StatusChange) Kind() string { return TypeStatusChange }

// OnlineUsers 为连接建立后推送的在线好友快照。
type OnlineUsers struct {
	OnlineUsers []string `json:"online_users"`
	Type        string   `json:"TYPE"`
}

// NewOnlineUsers 构造一条在线好友快照消息。
func NewOnlineUsers(users []string) *OnlineUsers {
	if users == nil {
		users = []string{}
	}
	return &OnlineUsers{
		OnlineUsers: users,
		Type:        TypeOnlineUsers,
	}
}

func (m *OnlineUsers) Kind() string { return TypeOnlineUsers }

// FriendRequest 为好友请求到达时推送给接收方的提醒。
type FriendRequest struct {
	SenderUsername  string `json:"sender_username"`
	FriendRequestID string `json:"friend_request_id"`
	Type            string `json:"TYPE"`
}

// NewFriendRequest 构造一条好友请求提醒。
func NewFriendRequest(friendRequestID, senderUsername string) *FriendRequest {
	return &FriendRequest{
		SenderUsername:  senderUsername,
		FriendRequestID: friendRequestID,
		Type:            TypeFriendRequest,
	}
}

func (m *FriendRequest) Kind() string { return TypeFriendRequest }

// Error 为反馈给当前连接的协议级错误。
type Error struct {
	Body string `json:"message"`
	Type string `json:"TYPE"`
}

// NewError 构造一条错误消息。
func NewError(message string) *Error {
	return &Error{
		Body: message,
		Type: TypeError,
	}
}

func (m *Error) Kind() string { return TypeError }
func (m *Error) Error() string { return m.Body }

// 编译期断言：确保所有消息类型实现了 Message 接口。
var (
	_ Message = (*Direct)(nil)
	_ Message = (*Notification)(nil)
	_ Message = (*StatusChange)(nil)
	_ Message = (*OnlineUsers)(nil)
	_ Message = (*FriendRequest)(nil)
	_ Message = (*Error)(nil)
)
