package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/get-sltr/3musketeers-sub002/internal/config"
	"github.com/get-sltr/3musketeers-sub002/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func GenerateAccessToken(userID, secret string, ttlMinutes int) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// Identity 是校验通过后的权威身份。客户端自报的 userId 不被信任，
// 中继一律以这里返回的身份为准。
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier 将不透明的 bearer token 兑换成已验证身份。
// token 必须能解析为有效的访问令牌，且对应用户仍然存在。
type Verifier struct {
	db     *gorm.DB
	secret string
}

func NewVerifier(db *gorm.DB, secret string) *Verifier {
	return &Verifier{db: db, secret: secret}
}

func (v *Verifier) Verify(ctx context.Context, tokenStr string) (Identity, error) {
	claims, err := ParseAccessToken(tokenStr, v.secret)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	var user models.User
	if err := v.db.WithContext(ctx).First(&user, "id = ?", claims.UserID).Error; err != nil {
		return Identity{}, ErrInvalidToken
	}
	name := user.DisplayName
	if name == "" {
		name = user.Username
	}
	return Identity{UserID: user.ID, DisplayName: name}, nil
}

// AuthMiddleware 校验 Bearer Token 并把用户信息写入 gin context，供 REST 接口使用。
func AuthMiddleware(cfg config.Config, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		claims, err := ParseAccessToken(tokenStr, cfg.JWTSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		var user models.User
		if err := db.First(&user, "id = ?", claims.UserID).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		c.Set("userID", user.ID)
		c.Set("user", user)
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(string); ok2 {
			return id
		}
	}
	return ""
}
