package models

import (
	"encoding/json"
	"time"

	"github.com/metacog-lab/backend/internal/staircase"
)

// ── Session Types ────────────────────────────────────────

type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionFinished SessionStatus = "finished"
)

// Session is one participant's run of the dot-counting task.
type Session struct {
	ID         string             `json:"id"`
	SubjectID  string             `json:"subject_id"`
	Task       string             `json:"task"`
	Method     staircase.Method   `json:"method"`
	Config     staircase.Config   `json:"config"`
	Status     SessionStatus      `json:"status"`
	Summary    *staircase.Summary `json:"summary,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// Trial is one stored response. Trials are numbered from 1 within a session
// and replayed in that order to rebuild the estimator.
type Trial struct {
	ID          int64               `json:"id"`
	SessionID   string              `json:"session_id"`
	TrialNumber int                 `json:"trial_number"`
	Condition   staircase.Condition `json:"condition"`
	IsPractice  bool                `json:"is_practice"`
	Presented   int                 `json:"dot_difference"`
	Correct     bool                `json:"correct"`
	Response    string              `json:"response,omitempty"`
	MoreSide    string              `json:"more_side,omitempty"`
	RTMs        *float64            `json:"rt,omitempty"`
	Confidence  *int                `json:"confidence_rating,omitempty"`
	NextValue   int                 `json:"new_dot_difference"`
	Log         *staircase.TrialLog `json:"staircase,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// ── Request Types ────────────────────────────────────────

type StartSessionRequest struct {
	SubjectID string            `json:"subject_id"`
	Task      string            `json:"task"`
	Config    *staircase.Config `json:"config,omitempty"`
}

type RecordResponseRequest struct {
	Condition  string   `json:"condition"`
	IsPractice bool     `json:"is_practice"`
	Correct    *bool    `json:"correct"`
	Response   string   `json:"response,omitempty"`
	MoreSide   string   `json:"more_side,omitempty"`
	RTMs       *float64 `json:"rt,omitempty"`
	Confidence *int     `json:"confidence_rating,omitempty"`
}

// SubmitDataRequest is the payload the browser task posts when it saves its
// raw data.
type SubmitDataRequest struct {
	Task      string          `json:"task"`
	ID        string          `json:"id"`
	Session   string          `json:"session"`
	WriteMode string          `json:"write_mode"`
	Data      json.RawMessage `json:"data"`

	// ConsolidateData stores one row per trial instead of the raw
	// per-component rows.
	ConsolidateData bool `json:"consolidate_data,omitempty"`
}

const (
	WriteOverwrite = "overwrite"
	WriteAppend    = "append"
)

type SessionFilter struct {
	Status *SessionStatus
	Limit  int
	Offset int
}

// ── Response Types ───────────────────────────────────────

type NextValueResponse struct {
	SessionID  string              `json:"session_id"`
	Condition  staircase.Condition `json:"condition"`
	IsPractice bool                `json:"is_practice"`
	Value      int                 `json:"dot_difference"`
}

type RecordResponseResponse struct {
	TrialNumber int                `json:"trial_number"`
	NextValue   int                `json:"new_dot_difference"`
	Log         staircase.TrialLog `json:"staircase"`
}

type SubmitDataResponse struct {
	Status  string `json:"status"`
	Records int    `json:"records"`
}

type SessionListResponse struct {
	Sessions []Session `json:"sessions"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}

// LiveEvent is pushed to experimenters watching a session.
type LiveEvent struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id"`
	Trial     *Trial             `json:"trial,omitempty"`
	Summary   *staircase.Summary `json:"summary,omitempty"`
}

const (
	EventSubscribed = "subscribed"
	EventTrial      = "trial"
	EventFinished   = "finished"
)
