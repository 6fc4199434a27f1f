package middleware

import (
	"context"
	"strconv"
	"strings"

	"cpjudge/internal/common/auth"
	pkgerrors "cpjudge/pkg/errors"
	"cpjudge/pkg/utils/contextkey"
	"cpjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// RequireRole enforces a bearer token whose role is one of roles.
// An empty roles list accepts any authenticated caller.
func RequireRole(verifier *auth.Verifier, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth unavailable")
			return
		}
		principal, err := verifier.Authenticate(extractBearerToken(c.GetHeader("Authorization")))
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		if len(roles) > 0 && !hasRole(principal.Role, roles) {
			response.AbortWithErrorCode(c, pkgerrors.Forbidden, "insufficient role")
			return
		}

		userID := strconv.FormatInt(principal.UserID, 10)
		c.Set(userIDContextKey, userID)
		c.Set("user_role", principal.Role)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.UserID, userID))
		c.Next()
	}
}

func extractBearerToken(authHeader string) string {
	parts := strings.SplitN(strings.TrimSpace(authHeader), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hasRole(role string, allowed []string) bool {
	for _, item := range allowed {
		if strings.EqualFold(role, item) {
			return true
		}
	}
	return false
}
