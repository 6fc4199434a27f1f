package model

import "time"

// JudgeMessage is the kafka payload for judge jobs. It only names the submission;
// consumers reload the row.
type JudgeMessage struct {
	SubmissionID int64 `json:"submission_id"`
}

// AwardRetryMessage asks the ledger to replay the award for a submission.
type AwardRetryMessage struct {
	SubmissionID int64  `json:"submission_id"`
	Reason       string `json:"reason,omitempty"`
}

// JudgedEvent is published after a terminal outcome commits.
type JudgedEvent struct {
	SubmissionID  int64     `json:"submission_id"`
	UserID        int64     `json:"user_id"`
	ProblemID     int64     `json:"problem_id"`
	Status        string    `json:"status"`
	ExecutionTime *float64  `json:"execution_time,omitempty"`
	Awarded       bool      `json:"awarded"`
	FinishedAt    time.Time `json:"finished_at"`
}

// StatusView is the cached, externally visible slice of a submission.
type StatusView struct {
	SubmissionID          int64     `json:"submission_id"`
	Status                string    `json:"status"`
	Terminal              bool      `json:"terminal"`
	ExecutionTime         *float64  `json:"execution_time,omitempty"`
	ExternalSubmissionID  *int64    `json:"external_submission_id,omitempty"`
	ExternalSubmissionURL *string   `json:"external_submission_url,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// NewStatusView projects a submission onto its public status.
func NewStatusView(s *Submission) StatusView {
	return StatusView{
		SubmissionID:          s.ID,
		Status:                s.Status,
		Terminal:              IsTerminal(s.Status),
		ExecutionTime:         s.ExecutionTime,
		ExternalSubmissionID:  s.ExternalSubmissionID,
		ExternalSubmissionURL: s.ExternalSubmissionURL,
		UpdatedAt:             s.UpdatedAt,
	}
}
