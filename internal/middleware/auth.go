package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"codelab/internal/models"
	"codelab/internal/utils"
)

// AuthUser is the identity extracted from a validated token. The core trusts
// these claims once the token checks out; issuing tokens is someone else's
// job.
type AuthUser struct {
	ID    string
	Name  string
	Email string
	Role  string
}

type ctxKey int

const userKey ctxKey = 0

// UserFromContext returns the authenticated user placed by Auth.
func UserFromContext(ctx context.Context) (AuthUser, bool) {
	u, ok := ctx.Value(userKey).(AuthUser)
	return u, ok
}

// Auth validates a JWT from the Authorization header or the authToken cookie
// and stores the claims on the request context.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := tokenFromRequest(r)
			if tokenStr == "" {
				utils.JSON(w, http.StatusUnauthorized, models.ErrorResponse{
					Code: "unauthorized", Message: "No token provided",
				})
				return
			}

			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenUnverifiable
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				utils.JSON(w, http.StatusUnauthorized, models.ErrorResponse{
					Code: "unauthorized", Message: "Invalid token",
				})
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				utils.JSON(w, http.StatusUnauthorized, models.ErrorResponse{
					Code: "unauthorized", Message: "Invalid token claims",
				})
				return
			}

			user := AuthUser{
				ID:    stringClaim(claims, "id"),
				Name:  stringClaim(claims, "name"),
				Email: stringClaim(claims, "email"),
				Role:  stringClaim(claims, "role"),
			}
			if user.ID == "" {
				utils.JSON(w, http.StatusUnauthorized, models.ErrorResponse{
					Code: "unauthorized", Message: "Invalid token claims",
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
		})
	}
}

// RequireRole guards a route behind a single role. Must run after Auth.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok || user.Role != role {
				utils.JSON(w, http.StatusForbidden, models.ErrorResponse{
					Code: "forbidden", Message: "Access denied",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	if cookie, err := r.Cookie("authToken"); err == nil {
		return cookie.Value
	}
	return ""
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
