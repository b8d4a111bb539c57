package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims 与认证服务签发的 access token 一致；sub 在这里是不透明的字符串 uid。
type Claims struct {
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

var ErrNotAccessToken = errors.New("access token required")

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	if secret == "" {
		secret = "dev-secret"
	}
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Sign issues an access token for uid, used by tests and local tooling.
func (v *Verifier) Sign(uid, username string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Username: username,
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(v.now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Parse returns the claims of a valid access token.
func (v *Verifier) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Type != "" && claims.Type != "access" {
		return nil, ErrNotAccessToken
	}
	return claims, nil
}

// AuthMiddleware 从 Authorization 或 ?token= 提取 token，校验后写入 uid / username。
// onReject 可为 nil，用于统计拒绝原因。
func AuthMiddleware(v *Verifier, onReject func(reason string)) gin.HandlerFunc {
	reject := func(c *gin.Context, reason, msg string) {
		if onReject != nil {
			onReject(reason)
		}
		c.AbortWithStatusJSON(401, gin.H{
			"code":    "UNAUTHENTICATED",
			"message": msg,
		})
	}
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			reject(c, "missing_token", "Authorization header is missing or invalid")
			return
		}

		claims, err := v.Parse(tokenString)
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			reject(c, "expired", "token expired")
			return
		case errors.Is(err, ErrNotAccessToken):
			reject(c, "wrong_type", err.Error())
			return
		case err != nil:
			reject(c, "invalid", "invalid token")
			return
		}

		c.Set("uid", claims.Subject)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
