package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
)

// Principal is the identity resolved by the upstream auth gateway. This
// service trusts the gateway's headers and never verifies credentials itself.
type Principal struct {
	UserID string
	Roles  []string
}

const (
	HeaderUserID = "X-User-Id"
	HeaderRoles  = "X-User-Roles"
)

type principalKey struct{}

// Auth extracts the caller identity from gateway headers into the request
// context. Routes decide themselves whether an anonymous caller is allowed.
func Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		if userID == "" {
			c.Next()
			return
		}

		var roles []string
		if raw := c.GetHeader(HeaderRoles); raw != "" {
			for _, r := range strings.Split(raw, ",") {
				if r = strings.TrimSpace(r); r != "" {
					roles = append(roles, r)
				}
			}
		}

		ctx := context.WithValue(c.Request.Context(), principalKey{}, &Principal{
			UserID: userID,
			Roles:  roles,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// PrincipalFrom returns the authenticated caller, or nil for anonymous.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// WithPrincipal injects a principal into ctx. Used by tests and internal
// callers that bypass the HTTP layer.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}
