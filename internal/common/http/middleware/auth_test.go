package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cpjudge/internal/common/auth"
	commonmw "cpjudge/internal/common/http/middleware"
	"cpjudge/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	verifier := auth.NewVerifier("secret", "")
	router := gin.New()
	router.Use(commonmw.TraceContextMiddleware())
	router.POST("/admin", commonmw.RequireRole(verifier, auth.RoleAdmin), func(c *gin.Context) {
		uid, _ := c.Request.Context().Value(contextkey.UserID).(string)
		c.String(http.StatusOK, uid)
	})

	admin, _ := auth.Sign("secret", "", 1, auth.RoleAdmin, time.Minute)
	user, _ := auth.Sign("secret", "", 2, auth.RoleUser, time.Minute)
	expired, _ := auth.Sign("secret", "", 1, auth.RoleAdmin, -time.Minute)

	cases := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{name: "admin", header: "Bearer " + admin, status: http.StatusOK, body: "1"},
		{name: "lowercase scheme", header: "bearer " + admin, status: http.StatusOK, body: "1"},
		{name: "non admin", header: "Bearer " + user, status: http.StatusForbidden},
		{name: "expired", header: "Bearer " + expired, status: http.StatusUnauthorized},
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + admin, status: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/admin", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			router.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d body=%s", rec.Code, tc.status, rec.Body.String())
			}
			if tc.body != "" && rec.Body.String() != tc.body {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tc.body)
			}
		})
	}
}
