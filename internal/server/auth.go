package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ticketflow/internal/log"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

const (
	RoleUser       = "user"
	RoleTechnician = "technician"
	RoleAdmin      = "admin"
)

type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// IsStaff reports whether the caller may see and handle everyone's tickets.
func (c *Claims) IsStaff() bool {
	return c.Role == RoleTechnician || c.Role == RoleAdmin
}

type claimsKey struct{}

func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// IssueToken signs an HS256 token for email with the given role.
func IssueToken(secret, email, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("jwt secret is empty")
	}
	now := time.Now()
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Warn("Missing authorization token", zap.String("path", r.URL.Path))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid || claims.Email == "" {
				logger.Warn("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireRole admits callers holding any of roles. Admins are always admitted.
func requireRole(logger *log.Logger, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := claimsFrom(r.Context())
			if c != nil {
				if c.Role == RoleAdmin {
					next.ServeHTTP(w, r)
					return
				}
				for _, role := range roles {
					if c.Role == role {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			logger.Warn("Forbidden", zap.String("path", r.URL.Path), zap.String("role", roleOf(c)))
			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}

func roleOf(c *Claims) string {
	if c == nil {
		return ""
	}
	return c.Role
}
