package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Скоупы консоли оператора.
const (
	ScopeTasksRead = "tasks.read"
	ScopeAdmin     = "admin"
)

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true или "tasks.read": true
	jwt.RegisteredClaims
}

// Allows: admin перекрывает любой скоуп.
func (c *CustomClaims) Allows(scope string) bool {
	return c.Scopes[ScopeAdmin] || c.Scopes[scope]
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// User: оператор консоли, разбирающий зависшие задачи.
type User struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Role         string          `json:"role"`
	Scopes       map[string]bool `json:"scopes"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
