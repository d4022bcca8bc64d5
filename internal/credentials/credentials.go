package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/insightloop/insight-client/internal/db"
)

// Package credentials exposes the bearer token pair the authentication flow
// persists locally. The realtime transport and the RCA API client only read
// from here; writing happens in the (out of scope) login flow, so a missing
// token is an expected condition, not a crash.

// Storage keys, matching the names the authentication flow writes.
const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
)

// ErrNoCredentials indicates no access token is available.
var ErrNoCredentials = errors.New("credentials: no access token available")

// TokenPair is the bearer credential pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Store reads the credential pair from local persistence.
type Store struct {
	kv db.CredentialStore
}

// NewStore wraps the given key-value store.
func NewStore(kv db.CredentialStore) *Store {
	return &Store{kv: kv}
}

// Tokens returns the stored token pair. The refresh token is optional; a
// missing access token yields ErrNoCredentials.
func (s *Store) Tokens(ctx context.Context) (TokenPair, error) {
	access, err := s.kv.GetCredential(ctx, keyAccessToken)
	if errors.Is(err, db.ErrNotFound) || (err == nil && access == "") {
		return TokenPair{}, ErrNoCredentials
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("read access token: %w", err)
	}

	refresh, err := s.kv.GetCredential(ctx, keyRefreshToken)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return TokenPair{}, fmt.Errorf("read refresh token: %w", err)
	}

	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Save persists a token pair. Used by tests and the login flow.
func (s *Store) Save(ctx context.Context, pair TokenPair) error {
	if err := s.kv.SetCredential(ctx, keyAccessToken, pair.AccessToken); err != nil {
		return err
	}
	if pair.RefreshToken == "" {
		return s.kv.DeleteCredential(ctx, keyRefreshToken)
	}
	return s.kv.SetCredential(ctx, keyRefreshToken, pair.RefreshToken)
}

// Clear removes the stored pair.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.DeleteCredential(ctx, keyAccessToken); err != nil {
		return err
	}
	return s.kv.DeleteCredential(ctx, keyRefreshToken)
}
