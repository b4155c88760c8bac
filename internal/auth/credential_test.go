package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("unit-test-secret")

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(testSecret, ttl)
	require.NoError(t, err)
	return m
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	_, err := NewManager(nil, time.Hour)
	require.Error(t, err)

	_, err = NewManager(testSecret, 0)
	require.Error(t, err)
}

func TestIssueDecodeRoundTrip(t *testing.T) {
	m := newTestManager(t, time.Hour)

	cred, token, err := m.Issue("alice", "pubkey-base64")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	decoded, err := m.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", decoded.Subject)
	assert.Equal(t, "pubkey-base64", decoded.PublicKey)
	assert.WithinDuration(t, cred.ExpiresAt, decoded.ExpiresAt, time.Second)
}

func TestValidateStatuses(t *testing.T) {
	m := newTestManager(t, time.Hour)

	_, token, err := m.Issue("alice", "pk")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, m.Validate(token))

	// 已过期但签名合法的令牌。
	expired := newTestManager(t, time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	_, staleToken, err := expired.Issue("alice", "pk")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, m.Validate(staleToken))

	assert.Equal(t, StatusInvalid, m.Validate("not-a-token"))

	// 密钥不匹配时签名非法。
	other, err := NewManager([]byte("other-secret"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, other.Validate(token))
}

func TestExpiredBoundary(t *testing.T) {
	deadline := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cred := Credential{Subject: "alice", ExpiresAt: deadline}

	// 恰好到期仍然有效，严格晚于才算过期。
	assert.False(t, cred.Expired(deadline))
	assert.False(t, cred.Expired(deadline.Add(-time.Nanosecond)))
	assert.True(t, cred.Expired(deadline.Add(time.Nanosecond)))
}

func TestDecodeRejectsMissingClaims(t *testing.T) {
	m := newTestManager(t, time.Hour)

	// 用空 subject 签发的令牌在解码时被拒绝。
	_, token, err := m.Issue("", "pk")
	require.NoError(t, err)

	_, err = m.Decode(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
