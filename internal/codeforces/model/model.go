// Package model holds the Codeforces API payloads and the rows imported from them.
package model

import "time"

// AcceptedVerdict is the API verdict of a solved submission.
const AcceptedVerdict = "OK"

// UserInfo is the subset of user.info the profile keeps.
type UserInfo struct {
	Handle     string `json:"handle"`
	Rating     *int   `json:"rating,omitempty"`
	Rank       string `json:"rank,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	TitlePhoto string `json:"titlePhoto,omitempty"`
}

// Problem is a problem as embedded in a user.status record.
type Problem struct {
	ContestID int      `json:"contestId"`
	Index     string   `json:"index"`
	Name      string   `json:"name"`
	Rating    *int     `json:"rating,omitempty"`
	Tags      []string `json:"tags"`
}

// Submission is one user.status record.
type Submission struct {
	ID                  int64   `json:"id"`
	CreationTimeSeconds int64   `json:"creationTimeSeconds"`
	Verdict             string  `json:"verdict"`
	Problem             Problem `json:"problem"`
}

// Scoreable reports whether the record counts toward the derived score.
func (s Submission) Scoreable() bool {
	return s.Verdict == AcceptedVerdict && s.Problem.Rating != nil
}

// SubmittedAt converts the API timestamp.
func (s Submission) SubmittedAt() time.Time {
	return time.Unix(s.CreationTimeSeconds, 0).UTC()
}

// LinkedUser is a local user with an optional Codeforces handle.
type LinkedUser struct {
	ID           int64
	Handle       string
	LastSyncedAt *time.Time
}

// SyncReport summarises one sync run.
type SyncReport struct {
	UserID   int64     `json:"user_id"`
	Handle   string    `json:"handle"`
	Fetched  int       `json:"fetched"`
	Imported int       `json:"imported"`
	Skipped  int       `json:"skipped"`
	Score    int64     `json:"codeforces_score"`
	SyncedAt time.Time `json:"synced_at"`
}
