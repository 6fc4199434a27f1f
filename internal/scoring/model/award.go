package model

import (
	"strings"
	"time"
)

// AcceptedToken is the canonical acceptance verdict, compared case-insensitively.
const AcceptedToken = "accepted"

// IsAccepted reports whether status is an acceptance verdict.
func IsAccepted(status string) bool {
	return strings.ToLower(strings.TrimSpace(status)) == AcceptedToken
}

// Award is a ledger row: one credited (user, problem) pair.
type Award struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	ProblemID    int64     `json:"problem_id"`
	SubmissionID int64     `json:"submission_id"`
	Points       int64     `json:"points"`
	CreatedAt    time.Time `json:"created_at"`
}

// AwardResult is the outcome of one award attempt.
type AwardResult string

const (
	// AwardGranted means score and solvers_count were incremented.
	AwardGranted AwardResult = "granted"
	// AwardAlreadyCredited means the user already held credit for the problem.
	AwardAlreadyCredited AwardResult = "already_credited"
	// AwardNotAccepted means the submission was no longer accepted when re-checked.
	AwardNotAccepted AwardResult = "not_accepted"
	// AwardFailed means a database error rolled the award back. It can be replayed.
	AwardFailed AwardResult = "failed"
)

// Retryable reports whether a replay could still change the outcome.
func (r AwardResult) Retryable() bool {
	return r == AwardFailed
}

// RankingEntry is one row of the combined leaderboard.
type RankingEntry struct {
	Rank            int    `json:"rank"`
	UserID          int64  `json:"user_id"`
	Name            string `json:"name"`
	Score           int64  `json:"score"`
	CodeforcesScore int64  `json:"codeforces_score"`
	Total           int64  `json:"total"`
	SolvedCount     int64  `json:"solved_count"`
}
