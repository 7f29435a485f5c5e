package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestManager_IssueAndValidate(t *testing.T) {
	m := NewManager(testSecret, "pickup", time.Hour)

	token, err := m.IssueScoped("operator", ScopeAdmin)
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)

	claims, err := m.ValidateAdmin(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.Equal(t, ScopeAdmin, claims.Scope)
}

func TestManager_ValidateToken_Invalid(t *testing.T) {
	m := NewManager(testSecret, "pickup", time.Hour)

	tests := []struct {
		name  string
		token func(t *testing.T) string
		want  error
	}{
		{
			name:  "格式错误",
			token: func(*testing.T) string { return "not.a.token" },
			want:  ErrInvalidToken,
		},
		{
			name: "密钥不同",
			token: func(t *testing.T) string {
				tok, err := NewManager("another-secret-another-secret-xx", "pickup", time.Hour).IssueScoped("x", ScopeAdmin)
				require.NoError(t, err)
				return tok.AccessToken
			},
			want: ErrInvalidToken,
		},
		{
			name: "签发者不同",
			token: func(t *testing.T) string {
				tok, err := NewManager(testSecret, "someone-else", time.Hour).IssueScoped("x", ScopeAdmin)
				require.NoError(t, err)
				return tok.AccessToken
			},
			want: ErrInvalidToken,
		},
		{
			name: "已过期",
			token: func(t *testing.T) string {
				old := NewManager(testSecret, "pickup", time.Minute)
				old.now = func() time.Time { return time.Now().Add(-time.Hour) }
				tok, err := old.IssueScoped("x", ScopeAdmin)
				require.NoError(t, err)
				return tok.AccessToken
			},
			want: ErrExpiredToken,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ValidateToken(tt.token(t))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestManager_ValidateAdmin_Scope(t *testing.T) {
	m := NewManager(testSecret, "pickup", time.Hour)
	now := time.Now()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Scope: "read-only",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "pickup",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = m.ValidateAdmin(signed)
	assert.ErrorIs(t, err, ErrInsufficientScope)
}

func TestManager_ScopesAreNotInterchangeable(t *testing.T) {
	m := NewManager(testSecret, "pickup", time.Hour)

	admin, err := m.IssueScoped("ops", ScopeAdmin)
	require.NoError(t, err)
	ingress, err := m.IssueScoped("agent-runtime", ScopeIngress)
	require.NoError(t, err)

	claims, err := m.ValidateIngress(ingress.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "agent-runtime", claims.Subject)
	assert.Equal(t, ScopeIngress, claims.Scope)

	_, err = m.ValidateIngress(admin.AccessToken)
	assert.ErrorIs(t, err, ErrInsufficientScope)
	_, err = m.ValidateAdmin(ingress.AccessToken)
	assert.ErrorIs(t, err, ErrInsufficientScope)
}
