package api

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	userIDKey       = "userID"
	accessTokenName = "access_token"
)

// TokenVerifier 驗證 access token 並回傳使用者ID
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Ed25519Verifier 以固定的公鑰驗證 access token，token 由外部的身分服務簽發
type Ed25519Verifier struct {
	publicKey ed25519.PublicKey
	parser    *jwt.Parser
}

func NewEd25519Verifier(publicKey ed25519.PublicKey) *Ed25519Verifier {
	return &Ed25519Verifier{
		publicKey: publicKey,
		parser:    jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithExpirationRequired()),
	}
}

// Verify 驗證 token，回傳 sub 作為使用者ID
func (v *Ed25519Verifier) Verify(_ context.Context, tokenString string) (string, error) {
	const op = "Ed25519Verifier.Verify"
	claims := &jwt.RegisteredClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("[%s] %w", op, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("[%s] token is invalid", op)
	}
	return claims.Subject, nil
}

// Identity 解析請求帶的 access token
type Identity struct {
	verifier TokenVerifier
}

func NewIdentity(verifier TokenVerifier) *Identity {
	return &Identity{verifier: verifier}
}

// Middleware 解析請求的身分，無效或缺少 token 時不擋下請求，由各操作自行判斷是否需要登入
func (i *Identity) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearerToken(c); token != "" {
			if userID, err := i.verifier.Verify(c.Request.Context(), token); err == nil {
				c.Set(userIDKey, userID)
			}
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := c.Cookie(accessTokenName); err == nil {
		return cookie
	}
	return ""
}

// userID 取得目前請求的使用者，未登入時為空字串
func userID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
