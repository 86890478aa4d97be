package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go-asset-vault/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited  = errors.New("API rate limit exceeded")
	ErrUnauthorized = errors.New("API request unauthorized")
	ErrNotFound     = errors.New("API resource not found")
	ErrServerError  = errors.New("API server error")
)

const DefaultBaseUrl = "https://store.assetvault.dev/api/v1"

const maxRetries = 3

// Client talks to the storefront API. All methods take the bearer token
// explicitly; token lifecycle is the auth store's business.
type Client struct {
	BaseUrl    string
	HttpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseUrl string, httpClient *http.Client) *Client {
	if baseUrl == "" {
		baseUrl = DefaultBaseUrl
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		BaseUrl:    baseUrl,
		HttpClient: httpClient,
	}
}

// LoginUrl returns the external URL where the user authenticates out-of-band.
func (c *Client) LoginUrl() string {
	return c.BaseUrl + "/auth/login"
}

// ExchangeCode exchanges a one-time login code for a token pair.
// Auth endpoints are never retried; a rejected code stays rejected.
func (c *Client) ExchangeCode(ctx context.Context, code string) (models.TokenResponse, error) {
	return c.postToken(ctx, "/auth/token", map[string]string{"code": code})
}

// RefreshToken trades a refresh token for a fresh token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (models.TokenResponse, error) {
	return c.postToken(ctx, "/auth/refresh", map[string]string{"refresh_token": refreshToken})
}

func (c *Client) postToken(ctx context.Context, path string, payload map[string]string) (models.TokenResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.TokenResponse{}, fmt.Errorf("error marshalling token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseUrl+path, bytes.NewReader(body))
	if err != nil {
		return models.TokenResponse{}, fmt.Errorf("error creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return models.TokenResponse{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := statusToError(resp.StatusCode); err != nil {
		log.WithField("status", resp.StatusCode).Debugf("Token endpoint %s rejected request", path)
		return models.TokenResponse{}, err
	}

	var tok models.TokenResponse
	if err := decodeJSON(resp.Body, &tok); err != nil {
		return models.TokenResponse{}, err
	}
	return tok, nil
}

// ListAssets fetches the full owned-asset listing for the account.
func (c *Client) ListAssets(ctx context.Context, token string) ([]models.AssetRecord, error) {
	var listing models.CatalogResponse
	if err := c.getJSON(ctx, "/assets", token, &listing); err != nil {
		return nil, err
	}
	return listing.Results, nil
}

// GetManifest fetches the chunk-layout manifest for one asset version.
func (c *Client) GetManifest(ctx context.Context, token, namespace, assetID, artifactID string) (models.Manifest, error) {
	path := fmt.Sprintf("/assets/%s/%s/manifest/%s",
		url.PathEscape(namespace), url.PathEscape(assetID), url.PathEscape(artifactID))

	var manifest models.Manifest
	if err := c.getJSON(ctx, path, token, &manifest); err != nil {
		return models.Manifest{}, err
	}
	return manifest, nil
}

// getJSON performs an authenticated GET with bounded retries on transient
// failures. Auth and not-found errors are returned immediately.
func (c *Client) getJSON(ctx context.Context, path, token string, out any) error {
	reqURL := c.BaseUrl + path

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("error creating request for %s: %w", reqURL, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.HttpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("http request failed (attempt %d/%d): %w", attempt+1, maxRetries, err)
			if attempt < maxRetries-1 {
				log.WithError(err).Warnf("Retrying %s (%d/%d)...", path, attempt+1, maxRetries)
				sleepWithContext(ctx, backoffDelay(attempt, 2*time.Second))
				continue
			}
			break
		}

		statusErr := statusToError(resp.StatusCode)
		switch {
		case statusErr == nil:
			err = decodeJSON(resp.Body, out)
			resp.Body.Close()
			return err
		case errors.Is(statusErr, ErrUnauthorized), errors.Is(statusErr, ErrNotFound):
			// Non-retryable; surface immediately so the caller can react.
			resp.Body.Close()
			return statusErr
		default:
			resp.Body.Close()
			lastErr = statusErr
			if attempt < maxRetries-1 {
				var sleepDuration time.Duration
				if errors.Is(statusErr, ErrRateLimited) {
					sleepDuration = backoffDelay(attempt, 5*time.Second)
					log.WithError(statusErr).Warnf("Rate limited. Retrying (%d/%d) after %s...", attempt+1, maxRetries, sleepDuration)
				} else {
					sleepDuration = backoffDelay(attempt, 3*time.Second)
					log.WithError(statusErr).Warnf("Server error. Retrying (%d/%d) after %s...", attempt+1, maxRetries, sleepDuration)
				}
				sleepWithContext(ctx, sleepDuration)
			} else {
				log.WithError(statusErr).Errorf("Request for %s failed after %d attempts", path, maxRetries)
			}
		}
	}

	return lastErr
}

// statusToError maps an HTTP status to one of the package sentinel errors,
// or nil for 200.
func statusToError(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 500:
		return fmt.Errorf("%w (status code %d)", ErrServerError, status)
	default:
		return fmt.Errorf("API request failed with status %d", status)
	}
}

func decodeJSON(r io.Reader, out any) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		log.Debugf("Response body causing unmarshal error: %s", string(body))
		return fmt.Errorf("error unmarshalling response JSON: %w", err)
	}
	return nil
}

// backoffDelay grows linearly with the attempt number, capped at the
// documented few-seconds ceiling.
func backoffDelay(attempt int, step time.Duration) time.Duration {
	d := time.Duration(attempt+1) * step
	if d > 15*time.Second {
		d = 15 * time.Second
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
