package rca

import (
	"errors"
	"fmt"
	"time"
)

// Package rca drives long-running root cause analysis investigations against
// the backend: a thin REST client plus the orchestrator state machine that
// takes one investigation from creation through polling to its terminal
// result.

// Priority ranks an investigation request.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Status is the backend-reported lifecycle status of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RequestInput is the payload for creating an investigation request.
type RequestInput struct {
	ClientID           string                 `json:"client_id"`
	ProblemDescription string                 `json:"problem_description"`
	DataSources        []string               `json:"data_sources"`
	ContextInfo        string                 `json:"context_info,omitempty"`
	Priority           Priority               `json:"priority,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks the input before submission.
func (in *RequestInput) Validate() error {
	if in.ProblemDescription == "" {
		return errors.New("problem description is required")
	}
	if in.Priority != "" && !in.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", in.Priority)
	}
	return nil
}

// Request is one investigation request as the backend reports it.
type Request struct {
	ID                 string                 `json:"id"`
	ClientID           string                 `json:"client_id"`
	ProblemDescription string                 `json:"problem_description"`
	DataSources        []string               `json:"data_sources"`
	ContextInfo        string                 `json:"context_info"`
	Priority           Priority               `json:"priority"`
	Status             Status                 `json:"status"`
	Error              string                 `json:"error,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	StartedAt          *time.Time             `json:"started_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
	DurationMinutes    *float64               `json:"duration_minutes,omitempty"`
}

// Validate rejects a request payload missing its identity. A payload that
// fails here is treated as a parse error by callers, never as a panic.
func (r *Request) Validate() error {
	if r.ID == "" {
		return errors.New("request payload missing id")
	}
	if r.Status != "" && !r.Status.Valid() {
		return fmt.Errorf("request %s has unknown status %q", r.ID, r.Status)
	}
	return nil
}

// Session is the backend's per-investigation working session, used for
// progress detail while polling.
type Session struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Request        string    `json:"request"`
	Phase          string    `json:"phase"`
	IterationCount int       `json:"iteration_count"`
	ToolsUsed      []string  `json:"tools_used"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate rejects a session payload missing its identity.
func (s *Session) Validate() error {
	if s.SessionID == "" && s.ID == "" {
		return errors.New("session payload missing id")
	}
	return nil
}

// Result is the terminal outcome of a completed investigation.
type Result struct {
	ID                   string        `json:"id"`
	Request              string        `json:"request"`
	Session              string        `json:"session"`
	RootCause            string        `json:"root_cause"`
	Confidence           float64       `json:"confidence"`
	ConfidencePercentage string        `json:"confidence_percentage"`
	Findings             []interface{} `json:"findings"`
	Recommendations      []interface{} `json:"recommendations"`
	Report               string        `json:"report"`
	DurationMinutes      *float64      `json:"duration_minutes,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
}

// Validate rejects a result payload missing its identity.
func (r *Result) Validate() error {
	if r.ID == "" && r.Request == "" {
		return errors.New("result payload missing id")
	}
	return nil
}

// Pagination accompanies list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
	TotalCount int `json:"total_count"`
}

// ProgressUpdate is the payload of events.InvestigationProgress.
type ProgressUpdate struct {
	RequestID          string
	SessionID          string
	Phase              string
	Iteration          int
	ProgressPercentage float64
	StatusMessage      string
}

// Outcome is the payload of events.InvestigationCompleted.
type Outcome struct {
	RequestID          string
	ProblemDescription string
	Result             *Result
	Elapsed            time.Duration
}

// Failure is the payload of events.InvestigationFailed.
type Failure struct {
	RequestID string
	Err       error
}
