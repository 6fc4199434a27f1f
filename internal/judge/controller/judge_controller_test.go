package controller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cpjudge/internal/judge/controller"
	"cpjudge/internal/judge/model"
	"cpjudge/internal/testutil"
	appErr "cpjudge/pkg/errors"
	"cpjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptedStatus returns the scripted views in order and repeats the last one.
type scriptedStatus struct {
	mu    sync.Mutex
	views []model.StatusView
	err   error
	calls int
}

func (s *scriptedStatus) Get(ctx context.Context, submissionID int64) (model.StatusView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return model.StatusView{}, s.err
	}
	i := s.calls
	if i >= len(s.views) {
		i = len(s.views) - 1
	}
	s.calls++
	view := s.views[i]
	view.SubmissionID = submissionID
	return view, nil
}

type recordingEnqueuer struct {
	ids []int64
	err error
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, submissionID int64) error {
	r.ids = append(r.ids, submissionID)
	return r.err
}

type staticLinker struct{}

func (staticLinker) PresignURL(ctx context.Context, submissionID int64, ttl time.Duration) (string, error) {
	return "https://objects.local/transcripts/1.json.zst", nil
}

func newRouter(h *controller.JudgeController) *gin.Engine {
	r := gin.New()
	r.GET("/submissions/:id", h.GetStatus)
	r.GET("/submissions/:id/watch", h.Watch)
	r.GET("/submissions/:id/transcript", h.Transcript)
	r.POST("/submissions/:id/enqueue", h.Enqueue)
	return r
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var resp response.Response
	testutil.MustUnmarshalJSON(t, rec.Body.Bytes(), &resp)
	return resp
}

func TestGetStatus(t *testing.T) {
	t.Parallel()
	status := &scriptedStatus{views: []model.StatusView{{Status: "Accepted", Terminal: true}}}
	h := controller.NewJudgeController(status, &recordingEnqueuer{}, nil, controller.WatchConfig{})
	r := newRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/submissions/12", nil))
	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	testutil.AssertTrue(t, strings.Contains(rec.Body.String(), `"status":"Accepted"`), "body should carry the status")
	testutil.AssertTrue(t, strings.Contains(rec.Body.String(), `"submission_id":12`), "body should carry the id")
}

func TestGetStatusErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		path     string
		err      error
		wantHTTP int
		wantCode appErr.ErrorCode
	}{
		{name: "bad id", path: "/submissions/abc", wantHTTP: http.StatusBadRequest, wantCode: appErr.InvalidParams},
		{name: "zero id", path: "/submissions/0", wantHTTP: http.StatusBadRequest, wantCode: appErr.InvalidParams},
		{name: "missing", path: "/submissions/5", err: appErr.New(appErr.SubmissionNotFound), wantHTTP: http.StatusNotFound, wantCode: appErr.SubmissionNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			status := &scriptedStatus{views: []model.StatusView{{}}, err: tt.err}
			r := newRouter(controller.NewJudgeController(status, &recordingEnqueuer{}, nil, controller.WatchConfig{}))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			testutil.AssertEqual(t, rec.Code, tt.wantHTTP)
			testutil.AssertEqual(t, decode(t, rec).Code, tt.wantCode)
		})
	}
}

func TestEnqueue(t *testing.T) {
	t.Parallel()
	jobs := &recordingEnqueuer{}
	r := newRouter(controller.NewJudgeController(&scriptedStatus{}, jobs, nil, controller.WatchConfig{}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submissions/44/enqueue", nil))
	testutil.AssertEqual(t, rec.Code, http.StatusAccepted)
	testutil.AssertEqual(t, len(jobs.ids), 1)
	testutil.AssertEqual(t, jobs.ids[0], int64(44))
}

func TestTranscript(t *testing.T) {
	t.Parallel()
	r := newRouter(controller.NewJudgeController(&scriptedStatus{}, &recordingEnqueuer{}, staticLinker{}, controller.WatchConfig{}))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/submissions/1/transcript", nil))
	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	testutil.AssertTrue(t, strings.Contains(rec.Body.String(), "1.json.zst"), "body should carry the link")

	r = newRouter(controller.NewJudgeController(&scriptedStatus{}, &recordingEnqueuer{}, nil, controller.WatchConfig{}))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/submissions/1/transcript", nil))
	testutil.AssertEqual(t, rec.Code, http.StatusServiceUnavailable)
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	status := &scriptedStatus{views: []model.StatusView{
		{Status: model.StatusPending, UpdatedAt: base},
		{Status: model.StatusPending, UpdatedAt: base},
		{Status: "Wrong Answer", Terminal: true, UpdatedAt: base.Add(time.Second)},
	}}
	h := controller.NewJudgeController(status, &recordingEnqueuer{}, nil, controller.WatchConfig{Interval: 10 * time.Millisecond, Timeout: 5 * time.Second})
	srv := httptest.NewServer(newRouter(h))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/submissions/9/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	testutil.AssertNoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			testutil.AssertTrue(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "stream should end with a normal close")
			break
		}
		var view model.StatusView
		testutil.AssertNoError(t, json.Unmarshal(data, &view))
		testutil.AssertEqual(t, view.SubmissionID, int64(9))
		got = append(got, view.Status)
	}
	testutil.AssertEqual(t, len(got), 2)
	testutil.AssertEqual(t, got[0], model.StatusPending)
	testutil.AssertEqual(t, got[1], "Wrong Answer")
}

func TestWatchMissingSubmissionFailsBeforeUpgrade(t *testing.T) {
	t.Parallel()
	status := &scriptedStatus{err: appErr.New(appErr.SubmissionNotFound)}
	srv := httptest.NewServer(newRouter(controller.NewJudgeController(status, &recordingEnqueuer{}, nil, controller.WatchConfig{})))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/submissions/9/watch"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	testutil.AssertTrue(t, err != nil, "dial should fail for a missing submission")
	testutil.AssertEqual(t, resp.StatusCode, http.StatusNotFound)
}
