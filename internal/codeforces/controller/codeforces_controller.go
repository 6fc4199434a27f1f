// Package controller exposes Codeforces linking and sync over HTTP.
package controller

import (
	"context"
	"strconv"

	"cpjudge/internal/codeforces/model"
	"cpjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Syncer links handles and runs syncs.
type Syncer interface {
	LinkHandle(ctx context.Context, userID int64, handle string) (model.UserInfo, error)
	Sync(ctx context.Context, userID int64) (model.SyncReport, error)
}

// LinkRequest is the body of a link call.
type LinkRequest struct {
	Handle string `json:"handle" binding:"required"`
}

// CodeforcesController handles Codeforces admin requests.
type CodeforcesController struct {
	sync Syncer
}

// NewCodeforcesController creates a new controller.
func NewCodeforcesController(sync Syncer) *CodeforcesController {
	return &CodeforcesController{sync: sync}
}

// Link validates a handle and stores it on the user.
func (h *CodeforcesController) Link(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	info, err := h.sync.LinkHandle(c.Request.Context(), userID, req.Handle)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, info)
}

// Sync imports the user's solves now.
func (h *CodeforcesController) Sync(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	report, err := h.sync.Sync(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, report)
}

func userParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid user id")
		return 0, false
	}
	return id, true
}
