// Package auth implements the Auth Gate contract: every core
// entry point receives an authenticated (kind, id) identity or is rejected
// before the core is invoked.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind is the identity's role, one of passenger or driver.
type Kind string

const (
	Passenger Kind = "passenger"
	Driver    Kind = "driver"
)

// Claims carries the authenticated identity. The core never inspects
// credentials beyond this: Kind and Subject (the entity id) are all it
// needs.
type Claims struct {
	Kind Kind `json:"kind"`
	jwt.RegisteredClaims
}

// ID parses the JWT subject as the caller's passenger/driver id.
func (c *Claims) ID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// Middleware validates the bearer token and injects Claims into context,
// rejecting the request before any handler runs. When kinds is
// non-empty, the caller's Kind must be one of them.
func Middleware(secret string, kinds ...Kind) func(http.Handler) http.Handler {
	allowed := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		allowed[k] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := tokenFromHeader(r.Header.Get("Authorization"))
			if tokenString == "" {
				http.Error(w, "missing token", http.StatusUnauthorized)
				return
			}
			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if _, err := claims.ID(); err != nil {
				http.Error(w, "invalid subject", http.StatusUnauthorized)
				return
			}
			if len(allowed) > 0 {
				if _, ok := allowed[claims.Kind]; !ok {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves the authenticated identity from context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func tokenFromHeader(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
