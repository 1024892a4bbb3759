// Package token 提供了用于生成和验证 JSON Web Tokens (JWT) 的功能。
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTManager 负责流式会话令牌的生成和验证。
type JWTManager struct {
	secretKey      []byte        // secretKey 用于签名和验证 token 的密钥
	streamTokenDur time.Duration // streamTokenDur 定义了流式会话令牌的有效期
}

// StreamClaims 是流式会话令牌携带的数据。WebSocket 连接建立时
// 据此定位目标会话。嵌入 jwt.RegisteredClaims 以包含标准声明。
type StreamClaims struct {
	ConversationID string `json:"conversationId"`
	jwt.RegisteredClaims
}

// NewJWTManager 创建一个新的 JWTManager 实例。
// secret: 用于签名的密钥字符串。
// streamTokenExpireMinutes: 流式会话令牌的过期时间（分钟）。
func NewJWTManager(secret string, streamTokenExpireMinutes int) *JWTManager {
	if streamTokenExpireMinutes <= 0 {
		streamTokenExpireMinutes = 30
	}
	return &JWTManager{
		secretKey:      []byte(secret),
		streamTokenDur: time.Duration(streamTokenExpireMinutes) * time.Minute,
	}
}

// GenerateStreamToken 为指定会话签发一个流式会话令牌。
func (m *JWTManager) GenerateStreamToken(conversationID string) (string, error) {
	claims := StreamClaims{
		ConversationID: conversationID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.streamTokenDur)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}
	// 使用 HS256 签名方法创建新的 token 对象
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// VerifyStreamToken 验证给定的令牌字符串。
// 令牌有效时返回 StreamClaims，签名不匹配或已过期时返回错误。
func (m *JWTManager) VerifyStreamToken(tokenString string) (*StreamClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &StreamClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 检查签名方法是否为 HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*StreamClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// GenerateRandomString generates a random hex string of a given length.
func GenerateRandomString(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a less random string on error
		return fmt.Sprintf("fallback%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
