package controller

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"cpjudge/internal/judge/model"
	appErr "cpjudge/pkg/errors"
	"cpjudge/pkg/utils/logger"
	"cpjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWatchInterval = time.Second
	defaultWatchTimeout  = 10 * time.Minute
	defaultTranscriptTTL = 15 * time.Minute
	writeWait            = 5 * time.Second
)

// StatusReader serves cached submission status.
type StatusReader interface {
	Get(ctx context.Context, submissionID int64) (model.StatusView, error)
}

// Enqueuer publishes judge jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, submissionID int64) error
}

// TranscriptLinker issues download links for archived judge output.
type TranscriptLinker interface {
	PresignURL(ctx context.Context, submissionID int64, ttl time.Duration) (string, error)
}

// WatchConfig bounds the websocket status stream.
type WatchConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// JudgeController handles judge status requests.
type JudgeController struct {
	status      StatusReader
	jobs        Enqueuer
	transcripts TranscriptLinker
	watch       WatchConfig
	upgrader    websocket.Upgrader
}

// NewJudgeController creates a new controller. transcripts may be nil.
func NewJudgeController(status StatusReader, jobs Enqueuer, transcripts TranscriptLinker, watch WatchConfig) *JudgeController {
	if watch.Interval <= 0 {
		watch.Interval = defaultWatchInterval
	}
	if watch.Timeout <= 0 {
		watch.Timeout = defaultWatchTimeout
	}
	return &JudgeController{
		status:      status,
		jobs:        jobs,
		transcripts: transcripts,
		watch:       watch,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// GetStatus returns status for one submission.
func (h *JudgeController) GetStatus(c *gin.Context) {
	submissionID, ok := submissionParam(c)
	if !ok {
		return
	}
	view, err := h.status.Get(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, view)
}

// Enqueue hands a submission to the judge workers.
func (h *JudgeController) Enqueue(c *gin.Context) {
	submissionID, ok := submissionParam(c)
	if !ok {
		return
	}
	if err := h.jobs.Enqueue(c.Request.Context(), submissionID); err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, gin.H{"submission_id": submissionID})
}

// Transcript returns a short-lived link to the judge client output.
func (h *JudgeController) Transcript(c *gin.Context) {
	submissionID, ok := submissionParam(c)
	if !ok {
		return
	}
	if h.transcripts == nil {
		response.ErrorWithCode(c, appErr.ServiceUnavailable, "transcript archive is not configured")
		return
	}
	url, err := h.transcripts.PresignURL(c.Request.Context(), submissionID, defaultTranscriptTTL)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"submission_id": submissionID, "url": url, "expires_in": int(defaultTranscriptTTL.Seconds())})
}

// Watch streams status views over a websocket until the submission reaches a terminal
// status, the client goes away or the watch times out. A frame is sent on every change.
func (h *JudgeController) Watch(c *gin.Context) {
	submissionID, ok := submissionParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	first, err := h.status.Get(ctx, submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reads only surface close frames; the stream is one-way.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.watch.Timeout)
	defer cancel()

	last := first
	if err := writeView(conn, last); err != nil || last.Terminal {
		closeStream(conn, "done")
		return
	}

	ticker := time.NewTicker(h.watch.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			closeStream(conn, "watch timed out")
			return
		case <-ticker.C:
		}
		view, err := h.status.Get(ctx, submissionID)
		if err != nil {
			logger.Warn(ctx, "watch status poll failed", zap.Int64("submission_id", submissionID), zap.Error(err))
			continue
		}
		if view.Status == last.Status && view.UpdatedAt.Equal(last.UpdatedAt) {
			continue
		}
		last = view
		if err := writeView(conn, view); err != nil {
			return
		}
		if view.Terminal {
			closeStream(conn, "done")
			return
		}
	}
}

func writeView(conn *websocket.Conn, view model.StatusView) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(view)
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func submissionParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid submission id")
		return 0, false
	}
	return id, true
}
