package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// 统一的存储错误码常量。
const (
	ErrCodeSaveFailed   = "store:save_failed"
	ErrCodeLookupFailed = "store:lookup_failed"
)

var (
	// ErrSaveFailed 表示一次消息落库失败。
	ErrSaveFailed = errors.New(ErrCodeSaveFailed)

	// ErrLookupFailed 表示一次好友关系查询失败。
	ErrLookupFailed = errors.New(ErrCodeLookupFailed)
)

// MessageRecord 为一条持久化的点对点消息记录。
type MessageRecord struct {
	ID                            string    `json:"id"`
	Sender                        string    `json:"sender"`
	Recipient                     string    `json:"recipient"`
	Content                       string    `json:"content"`
	ContentSignature              string    `json:"content_signature"`
	ContentSelfEncrypted          string    `json:"content_self_encrypted"`
	ContentSelfEncryptedSignature string    `json:"content_self_encrypted_signature"`
	SentAt                        time.Time `json:"sent_at"`
}

// FriendStore 抽象了只读的好友关系存储。
//
// 约定：
//   - 核心逻辑只读取好友关系，写入由外部系统负责；
//   - 实现需要可被并发调用。
type FriendStore interface {
	// FriendsOf 返回指定用户的全部好友用户名。
	// 没有好友时返回空切片，不视为错误。
	FriendsOf(ctx context.Context, username string) ([]string, error)

	// AreFriends 判断两个用户之间是否存在好友关系。
	AreFriends(ctx context.Context, username, friend string) (bool, error)
}

// MessageStore 抽象了点对点消息的持久化存储。
type MessageStore interface {
	// Save 持久化一条消息记录。
	Save(ctx context.Context, rec MessageRecord) error
}
