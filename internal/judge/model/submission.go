package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Submission statuses written by the judging pipeline. Judge verdicts are stored as
// reported ("Accepted", "Wrong Answer", ...) and are not listed here.
const (
	StatusPending          = "pending"
	StatusProcessing       = "processing"
	StatusSubmitted        = "submitted"
	StatusSubmissionFailed = "submission failed"
	StatusExecutionError   = "execution error"
)

// MaxStatusLength is the width of submissions.status in characters.
const MaxStatusLength = 255

// ClampStatus cuts status to MaxStatusLength characters.
func ClampStatus(status string) string {
	if utf8.RuneCountInString(status) <= MaxStatusLength {
		return status
	}
	return string([]rune(status)[:MaxStatusLength])
}

// Submission is one attempt by one user on one problem.
type Submission struct {
	ID                    int64     `json:"id"`
	UserID                int64     `json:"user_id"`
	ProblemID             int64     `json:"problem_id"`
	Language              string    `json:"language"`
	Code                  string    `json:"-"`
	Status                string    `json:"status"`
	ExternalSubmissionID  *int64    `json:"external_submission_id,omitempty"`
	ExternalSubmissionURL *string   `json:"external_submission_url,omitempty"`
	ExecutionTime         *float64  `json:"execution_time,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// IsTerminal reports whether status is a final judging outcome.
// Unsupported platforms park submissions in pending, which is also where they start,
// so pending counts as non-terminal for watchers.
func IsTerminal(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", StatusPending, StatusProcessing:
		return false
	}
	return true
}

// Problem is a judged task.
type Problem struct {
	ID              int64   `json:"id"`
	Title           string  `json:"title"`
	Points          int64   `json:"points"`
	Judge           string  `json:"judge"`
	JudgeIdentifier *string `json:"judge_identifier,omitempty"`
	SolversCount    int64   `json:"solvers_count"`
}

// Identifier is the platform-specific problem id, falling back to the title when
// the identifier is unset or blank.
func (p *Problem) Identifier() string {
	if p.JudgeIdentifier != nil && strings.TrimSpace(*p.JudgeIdentifier) != "" {
		return *p.JudgeIdentifier
	}
	return p.Title
}

// Outcome is the terminal result of judging one submission.
type Outcome struct {
	Status                string
	ExternalSubmissionID  *int64
	ExternalSubmissionURL *string
	ExecutionTime         *float64

	// Transcript is the raw judge client output, archived after commit when present.
	Transcript *Transcript
}

// StatusOnly builds an outcome that only sets the status column.
func StatusOnly(status string) Outcome {
	return Outcome{Status: status}
}

// Transcript is the captured output of one judge client run.
type Transcript struct {
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	ExitSuccess bool   `json:"exit_success"`
	Backend     string `json:"backend"`
}
