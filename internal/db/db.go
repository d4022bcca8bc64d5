package db

import (
	"context"
	"time"
)

// Package db provides local persistence for the client: the bearer
// credential pair written by the authentication flow, and the history of
// investigations the user has run.

// CredentialRecord is one stored key-value credential entry.
type CredentialRecord struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// InvestigationRecord is one row of investigation history.
type InvestigationRecord struct {
	RequestID   string
	SessionID   string
	ClientID    string
	Description string
	Priority    string
	Status      string
	RootCause   string
	Confidence  float64
	Error       string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// CredentialStore reads and writes the local credential key-value table.
type CredentialStore interface {
	// GetCredential returns the stored value for key, or ErrNotFound.
	GetCredential(ctx context.Context, key string) (string, error)

	// SetCredential stores value under key, replacing any previous value.
	SetCredential(ctx context.Context, key, value string) error

	// DeleteCredential removes key. Deleting a missing key is a no-op.
	DeleteCredential(ctx context.Context, key string) error
}

// InvestigationHistoryStore persists investigation outcomes.
type InvestigationHistoryStore interface {
	// SaveInvestigation inserts or replaces a history row.
	SaveInvestigation(ctx context.Context, rec *InvestigationRecord) error

	// GetInvestigation returns one history row, or ErrNotFound.
	GetInvestigation(ctx context.Context, requestID string) (*InvestigationRecord, error)

	// ListInvestigations returns history rows newest first.
	ListInvestigations(ctx context.Context, limit, offset int) ([]*InvestigationRecord, error)
}

// Store is the main persistence interface for the client.
type Store interface {
	CredentialStore
	InvestigationHistoryStore

	Ping(ctx context.Context) error
	Close() error
}
