// Package controller exposes the scoreboard and the scoring admin operations over HTTP.
package controller

import (
	"context"
	"strconv"

	"cpjudge/internal/scoring/model"
	"cpjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Ranker reads the scoreboard and repairs denormalized counters.
type Ranker interface {
	Ranking(ctx context.Context, limit int) ([]model.RankingEntry, error)
	BackfillSolversCounts(ctx context.Context) (int64, error)
}

// Replayer re-runs score awards.
type Replayer interface {
	Replay(ctx context.Context, submissionID int64) (model.AwardResult, error)
}

// ScoringController handles ranking and scoring admin requests.
type ScoringController struct {
	ranking Ranker
	ledger  Replayer
}

// NewScoringController creates a new controller.
func NewScoringController(ranking Ranker, ledger Replayer) *ScoringController {
	return &ScoringController{ranking: ranking, ledger: ledger}
}

// Ranking returns the top users by total score.
func (h *ScoringController) Ranking(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			response.BadRequest(c, "Invalid limit")
			return
		}
		limit = v
	}
	entries, err := h.ranking.Ranking(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, entries)
}

// BackfillSolvers recomputes every problem's solvers_count.
func (h *ScoringController) BackfillSolvers(c *gin.Context) {
	updated, err := h.ranking.BackfillSolversCounts(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"problems_updated": updated})
}

// Replay re-runs the award for one submission.
func (h *ScoringController) Replay(c *gin.Context) {
	submissionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || submissionID <= 0 {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	result, err := h.ledger.Replay(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"submission_id": submissionID, "result": result})
}
