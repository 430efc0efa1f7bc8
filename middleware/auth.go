package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"docsync/internal/collab"
	"docsync/pkg/logger"
)

type contextKey string

const IdentityKey contextKey = "identity"

// IdentityFrom returns the authenticated identity stored by AuthMiddleware.
func IdentityFrom(ctx context.Context) (collab.Identity, bool) {
	who, ok := ctx.Value(IdentityKey).(collab.Identity)
	return who, ok
}

// WithIdentity returns a copy of ctx carrying who.
func WithIdentity(ctx context.Context, who collab.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, who)
}

// AuthMiddleware validates an HMAC-signed JWT and stores the caller's identity
// in the request context. The token is read from the token query parameter,
// since browsers cannot set headers on websocket requests, or from a Bearer
// Authorization header.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.URL.Query().Get("token")
			if tokenString == "" {
				tokenString = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if tokenString == "" {
				http.Error(w, "Unauthorized: No token provided", http.StatusUnauthorized)
				return
			}

			who, err := ParseToken(tokenString, secret)
			if err != nil {
				logger.Log.Info("invalid token", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, "Unauthorized: Invalid or expired token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), who)))
		})
	}
}

// ParseToken validates tokenString and resolves the identity from its sub,
// email and name claims.
func ParseToken(tokenString, secret string) (collab.Identity, error) {
	if secret == "" {
		return collab.Identity{}, fmt.Errorf("server is not configured to validate JWTs")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return collab.Identity{}, err
	}
	if !token.Valid {
		return collab.Identity{}, fmt.Errorf("token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return collab.Identity{}, fmt.Errorf("could not parse token claims")
	}
	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return collab.Identity{}, fmt.Errorf("sub claim is missing or invalid")
	}
	who := collab.Identity{UserID: userID}
	who.Email, _ = claims["email"].(string)
	who.DisplayName, _ = claims["name"].(string)
	if who.DisplayName == "" {
		// Supabase puts profile fields under user_metadata
		if meta, ok := claims["user_metadata"].(map[string]interface{}); ok {
			who.DisplayName, _ = meta["full_name"].(string)
		}
	}
	return who, nil
}
