package protocol

import (
	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"

	"github.com/lk2023060901/whisper-garden-go/internal/json"
)

// 统一的协议错误码常量。
//
// 注意：这些是用于日志/监控的稳定字符串，真正的 error 对象在下面通过 errors.New 构造。
const (
	ErrCodeMissingType  = "protocol:missing_type"
	ErrCodeUnknownType  = "protocol:unknown_type"
	ErrCodeMissingField = "protocol:missing_field"
	ErrCodeDecodeFailed = "protocol:decode_failed"
)

var (
	// ErrMissingType 表示入站帧缺少 TYPE 判别符字段。
	ErrMissingType = errors.New(ErrCodeMissingType)

	// ErrUnknownType 表示 TYPE 判别符不在协议消息集合内。
	ErrUnknownType = errors.New(ErrCodeUnknownType)

	// ErrMissingField 表示消息缺少必填字段。
	ErrMissingField = errors.New(ErrCodeMissingField)

	// ErrDecodeFailed 表示帧内容无法解析为对应的消息结构。
	ErrDecodeFailed = errors.New(ErrCodeDecodeFailed)
)

// Marshal 将一条协议消息编码为 JSON 字节序列。
func Marshal(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode 将一帧原始字节解析为具体的协议消息。
//
// 行为：
//   - 先通过 gjson 探测 TYPE 判别符，再按判别符反序列化到具体结构；
//   - TYPE 缺失、未知或必填字段缺失时显式报错，绝不做静默的结构猜测。
func Decode(data []byte) (Message, error) {
	t := gjson.GetBytes(data, "TYPE")
	if !t.Exists() || t.String() == "" {
		return nil, errors.Wrapf(ErrMissingType, "frame %.64q", data)
	}

	var msg Message
	switch t.String() {
	case TypeDirect:
		msg = &Direct{}
	case TypeNotification:
		msg = &Notification{}
	case TypeStatusChange:
		msg = &StatusChange{}
	case TypeOnlineUsers:
		msg = &OnlineUsers{}
	case TypeFriendRequest:
		msg = &FriendRequest{}
	case TypeError:
		msg = &Error{}
	default:
		return nil, errors.Wrapf(ErrUnknownType, "type %q", t.String())
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrapf(ErrDecodeFailed, "type %q: %v", t.String(), err)
	}
	if err := validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// validate 检查各消息类型的必填字段。
//
// 可选字段（例如 Direct 的 recipient/sender/id）在这里不做校验，
// 由具体业务路由决定如何处理缺失值。
func validate(m Message) error {
	switch v := m.(type) {
	case *Direct:
		if v.Body == "" || v.Signature == "" || v.SelfEncrypted == "" || v.SelfEncryptedSignature == "" {
			return errors.Wrapf(ErrMissingField, "direct message requires body and signature fields")
		}
	case *StatusChange:
		if v.Status == "" || v.UserID == "" {
			return errors.Wrapf(ErrMissingField, "status change requires status and user_id")
		}
	case *Error:
		if v.Body == "" {
			return errors.Wrapf(ErrMissingField, "error message requires message")
		}
	}
	return nil
}
