package auth

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

// 统一的凭证错误码常量。
const (
	ErrCodeInvalidToken = "auth:invalid_token"
	ErrCodeExpiredToken = "auth:expired_token"
)

var (
	// ErrInvalidToken 表示令牌签名非法或结构不完整。
	ErrInvalidToken = errors.New(ErrCodeInvalidToken)

	// ErrExpiredToken 表示令牌本身合法但已过期。
	ErrExpiredToken = errors.New(ErrCodeExpiredToken)
)

// Status 表示一次令牌校验的结果。
type Status int

const (
	// StatusOK 表示令牌合法且未过期。
	StatusOK Status = iota
	// StatusExpired 表示令牌合法但已过期。
	StatusExpired
	// StatusInvalid 表示令牌签名非法或无法解析。
	StatusInvalid
)

// Credential 为解码后的类型化用户凭证。
//
// 约定：
//   - 凭证是值类型，续期时整体替换，不做逐字段修改；
//   - PublicKey 为用户端到端加密公钥的 base64 形式，服务端只透传。
type Credential struct {
	// Subject 为凭证归属的用户名。
	Subject string
	// PublicKey 为用户公钥。
	PublicKey string
	// ExpiresAt 为凭证过期时刻。
	ExpiresAt time.Time
}

// Expired 判断凭证在给定时刻是否已过期。
//
// 边界规则：仅当 now 严格晚于 ExpiresAt 时视为过期，恰好等于过期时刻仍然有效。
func (c Credential) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// claims 为令牌中携带的自定义声明。
type claims struct {
	PublicKey string `json:"public_key"`
	jwt.RegisteredClaims
}

// Manager 负责凭证令牌的签发、校验与解码。
//
// 实例在初始化后不可变，可以被并发使用。
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager 创建一个基于 HS256 的凭证管理器。
//
// 参数：
//   - secret：HMAC 签名密钥，不能为空；
//   - ttl   ：新签发令牌的有效期，必须为正。
func NewManager(secret []byte, ttl time.Duration) (*Manager, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: secret must not be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: ttl must be positive")
	}
	return &Manager{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue 为指定用户签发新令牌，返回类型化凭证和序列化后的令牌字符串。
func (m *Manager) Issue(username, publicKey string) (Credential, string, error) {
	expiresAt := m.now().Add(m.ttl)

	c := claims{
		PublicKey: publicKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
	if err != nil {
		return Credential{}, "", errors.Wrap(err, "auth: sign token")
	}

	return Credential{
		Subject:   username,
		PublicKey: publicKey,
		ExpiresAt: expiresAt.Truncate(time.Second),
	}, token, nil
}

// Validate 校验令牌并返回三态结果。
//
// 区别于 Decode，Validate 不向调用方暴露凭证内容，
// 适合只需要做通行判断的入口（例如连接握手）。
func (m *Manager) Validate(token string) Status {
	c, err := m.Decode(token)
	if err != nil {
		return StatusInvalid
	}
	if c.Expired(m.now()) {
		return StatusExpired
	}
	return StatusOK
}

// Decode 解析令牌并返回类型化凭证。
//
// 说明：
//   - 过期校验不在这里进行，由调用方按需结合 Credential.Expired 判断；
//     这样注册表的过期扫描才能对已过期但签名合法的凭证做出区分。
func (m *Manager) Decode(token string) (Credential, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("auth: unexpected signing method %q", t.Method.Alg())
		}
		return m.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return Credential{}, errors.Wrapf(ErrInvalidToken, "parse: %v", err)
	}
	if c.Subject == "" || c.ExpiresAt == nil {
		return Credential{}, errors.Wrap(ErrInvalidToken, "missing sub or exp claim")
	}

	return Credential{
		Subject:   c.Subject,
		PublicKey: c.PublicKey,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}
