package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyAccountID contextKey = "account_id"

// Claims 由主应用登录流程签发，这里只做验证
type Claims struct {
	AccountID int64  `json:"account_id"`
	Email     string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// jwtMiddleware JWT 验证中间件
func (s *Server) jwtMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.JWTSecretKey == "" {
			respondError(w, http.StatusServiceUnavailable, errors.New("JWT secret key not configured"))
			return
		}
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondError(w, http.StatusUnauthorized, errors.New("missing authorization header"))
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			respondError(w, http.StatusUnauthorized, errors.New("invalid authorization header format"))
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.cfg.JWTSecretKey), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			respondError(w, http.StatusUnauthorized, errors.New("invalid or expired token"))
			return
		}
		if claims.AccountID <= 0 {
			respondError(w, http.StatusUnauthorized, errors.New("token has no account"))
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyAccountID, claims.AccountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// internalAPIKeyMiddleware 内部服务 API Key 验证中间件
func (s *Server) internalAPIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.InternalAPIKey == "" {
			respondError(w, http.StatusServiceUnavailable, errors.New("internal API key not configured"))
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			respondError(w, http.StatusUnauthorized, errors.New("missing X-API-Key header"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.cfg.InternalAPIKey)) != 1 {
			respondError(w, http.StatusUnauthorized, errors.New("invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func accountIDFromContext(ctx context.Context) int64 {
	if id, ok := ctx.Value(contextKeyAccountID).(int64); ok {
		return id
	}
	return 0
}
