package api

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
)

// Identity is the caller as asserted by a verified bearer token.
type Identity struct {
	UserID string
	Role   string
}

func (i Identity) IsAdmin() bool {
	return i.Role == domain.RoleAdmin
}

// Claims are the token claims this service reads. Tokens are issued elsewhere.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by Authenticate.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authenticate verifies the HS256 bearer token and stores the caller's identity
// in the request context.
func Authenticate(secret []byte) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("authorization token required")))
			return
		}

		var claims Claims
		_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil {
			abort(c, errors.New(errors.CodeUnauthenticated, errors.WithCause(err), errors.WithMessagef("invalid token")))
			return
		}

		if claims.Subject == "" {
			abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid token: missing subject")))
			return
		}

		role := claims.Role
		if role == "" {
			role = domain.RoleUser
		}

		ctx := WithIdentity(c.Request.Context(), Identity{UserID: claims.Subject, Role: role})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// AdminOnly rejects callers whose role is not admin. It must run after Authenticate.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c.Request.Context())
		if !ok || !id.IsAdmin() {
			abort(c, errors.New(errors.CodePermissionDenied, errors.WithMessagef("admin access required")))
			return
		}
		c.Next()
	}
}
