// Package jwt 签发和校验管理接口与协议入口使用的 HS256 令牌。
package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 访问范围
const (
	// ScopeAdmin 管理接口
	ScopeAdmin = "pickup:admin"
	// ScopeIngress 上游运行时提交解包后的协议消息，并代为声明发送方 verkey
	ScopeIngress = "pickup:ingress"
)

var (
	// ErrInvalidToken 无效的令牌
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken 令牌已过期
	ErrExpiredToken = errors.New("token expired")
	// ErrInsufficientScope 令牌缺少所需的访问范围
	ErrInsufficientScope = errors.New("insufficient scope")
)

// Claims JWT 自定义声明
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Token 签发结果
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Manager JWT 管理器
type Manager struct {
	secret []byte
	issuer string
	expiry time.Duration
	now    func() time.Time
}

// NewManager 创建 JWT 管理器
func NewManager(secret, issuer string, expiry time.Duration) *Manager {
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
		expiry: expiry,
		now:    time.Now,
	}
}

// IssueScoped 签发指定访问范围的令牌
func (m *Manager) IssueScoped(subject, scope string) (*Token, error) {
	now := m.now()
	expiresAt := now.Add(m.expiry)

	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s token: %w", scope, err)
	}

	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt.UTC(),
	}, nil
}

// ValidateToken 验证令牌并返回声明
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// 验证签名算法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// ValidateAdmin 验证令牌并要求管理范围
func (m *Manager) ValidateAdmin(tokenString string) (*Claims, error) {
	return m.ValidateScope(tokenString, ScopeAdmin)
}

// ValidateIngress 验证令牌并要求协议入口范围
func (m *Manager) ValidateIngress(tokenString string) (*Claims, error) {
	return m.ValidateScope(tokenString, ScopeIngress)
}

// ValidateScope 验证令牌并要求给定的访问范围
func (m *Manager) ValidateScope(tokenString, scope string) (*Claims, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Scope != scope {
		return nil, ErrInsufficientScope
	}
	return claims, nil
}
