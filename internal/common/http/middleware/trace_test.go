package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	commonmw "cpjudge/internal/common/http/middleware"
	"cpjudge/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

type traceResponse struct {
	TraceID         string `json:"trace_id"`
	RequestID       string `json:"request_id"`
	CtxTraceID      string `json:"ctx_trace_id"`
	CtxRequestID    string `json:"ctx_request_id"`
	CtxUserSet      bool   `json:"ctx_user_set"`
	CtxSubmissionID int64  `json:"ctx_submission_id"`
}

func newTraceRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(commonmw.TraceContextMiddleware())
	echo := func(c *gin.Context) {
		traceID, _ := c.Get("trace_id")
		requestID, _ := c.Get("request_id")
		ctx := c.Request.Context()
		submissionID, _ := ctx.Value(contextkey.SubmissionID).(int64)
		c.JSON(http.StatusOK, traceResponse{
			TraceID:         toString(traceID),
			RequestID:       toString(requestID),
			CtxTraceID:      toString(ctx.Value(contextkey.TraceID)),
			CtxRequestID:    toString(ctx.Value(contextkey.RequestID)),
			CtxUserSet:      ctx.Value(contextkey.UserID) != nil,
			CtxSubmissionID: submissionID,
		})
	}
	router.GET("/api/v1/ranking", echo)
	router.GET("/api/v1/judge/submissions/:id", echo)
	router.POST("/api/v1/codeforces/users/:id/sync", echo)
	return router
}

func TestTraceContextMiddleware(t *testing.T) {
	router := newTraceRouter()

	cases := []struct {
		name              string
		method            string
		path              string
		headers           map[string]string
		expectedTraceID   string
		expectedRequestID string
		expectedSubmit    int64
	}{
		{name: "generate trace and request id", method: http.MethodGet, path: "/api/v1/ranking"},
		{
			name:   "preserve trace and request id",
			method: http.MethodGet,
			path:   "/api/v1/ranking",
			headers: map[string]string{
				"X-Trace-Id":   "trace-123",
				"X-Request-Id": "req-123",
			},
			expectedTraceID:   "trace-123",
			expectedRequestID: "req-123",
		},
		{
			name:    "oversized trace id is replaced",
			method:  http.MethodGet,
			path:    "/api/v1/ranking",
			headers: map[string]string{"X-Trace-Id": strings.Repeat("t", 500)},
		},
		{name: "submission route tags submission id", method: http.MethodGet, path: "/api/v1/judge/submissions/77", expectedSubmit: 77},
		{name: "malformed submission id is not tagged", method: http.MethodGet, path: "/api/v1/judge/submissions/abc"},
		{name: "user route is not a submission", method: http.MethodPost, path: "/api/v1/codeforces/users/5/sync"},
		{
			name:    "user id header is ignored",
			method:  http.MethodGet,
			path:    "/api/v1/ranking",
			headers: map[string]string{"X-User-Id": "42"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tc.method, tc.path, nil)
			for key, value := range tc.headers {
				req.Header.Set(key, value)
			}
			router.ServeHTTP(rec, req)

			var resp traceResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response failed: %v", err)
			}

			if resp.TraceID == "" || resp.RequestID == "" {
				t.Fatalf("expected trace and request id, got %+v", resp)
			}
			if len(resp.TraceID) > 128 {
				t.Fatalf("trace id was not bounded: %d bytes", len(resp.TraceID))
			}
			if resp.CtxTraceID != resp.TraceID || resp.CtxRequestID != resp.RequestID {
				t.Fatalf("request context ids differ from gin keys: %+v", resp)
			}
			if rec.Header().Get("X-Trace-Id") != resp.TraceID || rec.Header().Get("X-Request-Id") != resp.RequestID {
				t.Fatalf("response headers differ from request ids")
			}
			if tc.expectedTraceID != "" && resp.TraceID != tc.expectedTraceID {
				t.Fatalf("expected trace id %s, got %s", tc.expectedTraceID, resp.TraceID)
			}
			if tc.expectedRequestID != "" && resp.RequestID != tc.expectedRequestID {
				t.Fatalf("expected request id %s, got %s", tc.expectedRequestID, resp.RequestID)
			}
			if resp.CtxSubmissionID != tc.expectedSubmit {
				t.Fatalf("expected submission id %d in context, got %d", tc.expectedSubmit, resp.CtxSubmissionID)
			}
			if resp.CtxUserSet {
				t.Fatalf("user id must come from the token, not from headers")
			}
			if rec.Header().Get("X-User-Id") != "" {
				t.Fatalf("user id header must not be echoed")
			}
		})
	}
}

func toString(value interface{}) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	default:
		return ""
	}
}
