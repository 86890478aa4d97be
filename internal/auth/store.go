package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go-asset-vault/internal/api"
	"go-asset-vault/internal/models"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Custom Auth Errors
var (
	// ErrUnauthenticated means there is no usable credential: nothing cached,
	// or the refresh token was rejected. Callers should prompt a re-login,
	// not retry.
	ErrUnauthenticated = errors.New("not authenticated")
	// ErrExchangeFailed means the one-time login code was invalid or expired.
	ErrExchangeFailed = errors.New("login code exchange failed")
)

// refreshThreshold is how much remaining lifetime a token needs before we
// proactively refresh it.
const refreshThreshold = 5 * time.Minute

// Store owns the credential lifecycle: code exchange, on-disk caching, and
// single-flighted refresh. It is safe for concurrent use.
type Store struct {
	api  *api.Client
	path string

	mu   sync.Mutex
	cred *models.Credential

	refreshGroup singleflight.Group
}

// NewStore creates a token store persisting its credential at path.
func NewStore(apiClient *api.Client, path string) *Store {
	return &Store{
		api:  apiClient,
		path: path,
	}
}

// StartAuth returns the external URL where the user authenticates out-of-band.
func (s *Store) StartAuth() string {
	return s.api.LoginUrl()
}

// CompleteAuth exchanges a one-time login code for a credential and persists
// it with owner-only permissions.
func (s *Store) CompleteAuth(ctx context.Context, code string) error {
	tok, err := s.api.ExchangeCode(ctx, code)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) || errors.Is(err, api.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrExchangeFailed, err)
		}
		return fmt.Errorf("exchanging login code: %w", err)
	}

	cred := credentialFromToken(tok)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &cred
	if err := s.saveLocked(); err != nil {
		return err
	}
	log.WithField("account", cred.AccountName).Info("Login complete, credential stored")
	return nil
}

// ValidAccessToken returns an access token with at least refreshThreshold of
// remaining lifetime, refreshing if needed. Concurrent callers during a
// refresh share a single in-flight refresh call.
func (s *Store) ValidAccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.cred == nil {
		if err := s.loadLocked(); err != nil {
			s.mu.Unlock()
			return "", ErrUnauthenticated
		}
	}
	cred := *s.cred
	s.mu.Unlock()

	if time.Until(cred.ExpiresAt) > refreshThreshold {
		return cred.AccessToken, nil
	}

	// Parallel refreshes can race and invalidate each other server-side,
	// so everyone waits on the same flight.
	token, err, _ := s.refreshGroup.Do("refresh", func() (any, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// refresh performs one token refresh. An earlier flight may already have
// renewed the credential, in which case it is reused as-is.
func (s *Store) refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.cred == nil {
		s.mu.Unlock()
		return "", ErrUnauthenticated
	}
	if time.Until(s.cred.ExpiresAt) > refreshThreshold {
		token := s.cred.AccessToken
		s.mu.Unlock()
		return token, nil
	}
	refreshToken := s.cred.RefreshToken
	s.mu.Unlock()

	log.Debug("Access token near expiry, refreshing...")
	tok, err := s.api.RefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) || errors.Is(err, api.ErrNotFound) {
			// Refresh token rejected: the credential is dead. Drop it so the
			// next caller is told to re-login rather than retrying.
			log.WithError(err).Warn("Refresh token rejected, discarding credential")
			s.invalidate()
			return "", ErrUnauthenticated
		}
		return "", fmt.Errorf("refreshing access token: %w", err)
	}

	cred := credentialFromToken(tok)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Keep account identity if the refresh response omits it.
	if cred.AccountID == "" && s.cred != nil {
		cred.AccountID = s.cred.AccountID
		cred.AccountName = s.cred.AccountName
	}
	s.cred = &cred
	if err := s.saveLocked(); err != nil {
		log.WithError(err).Warn("Failed to persist refreshed credential")
	}
	return cred.AccessToken, nil
}

// Credential returns a copy of the current credential, if any.
func (s *Store) Credential() (models.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		if err := s.loadLocked(); err != nil {
			return models.Credential{}, false
		}
	}
	return *s.cred, true
}

// Logout discards the cached credential and removes the credential file.
func (s *Store) Logout() error {
	s.invalidate()
	log.Info("Logged out, credential removed")
	return nil
}

func (s *Store) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warnf("Failed to remove credential file %s", s.path)
	}
}

func (s *Store) loadLocked() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var cred models.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return fmt.Errorf("error unmarshalling credential file %s: %w", s.path, err)
	}
	s.cred = &cred
	return nil
}

func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create credential directory %s: %w", dir, err)
	}
	raw, err := json.Marshal(s.cred)
	if err != nil {
		return fmt.Errorf("error marshalling credential: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0600); err != nil {
		return fmt.Errorf("error writing credential file %s: %w", s.path, err)
	}
	return nil
}

func credentialFromToken(tok models.TokenResponse) models.Credential {
	return models.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
		AccountID:    tok.AccountID,
		AccountName:  tok.AccountName,
	}
}
