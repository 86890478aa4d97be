package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go-asset-vault/internal/api"
	"go-asset-vault/internal/auth"
	"go-asset-vault/internal/database"
	"go-asset-vault/internal/helpers"
	"go-asset-vault/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Catalog Errors
var (
	// ErrTransient covers network failures and 5xx responses; the caller may
	// retry. Token errors are never wrapped in this.
	ErrTransient = errors.New("transient catalog error")
	// ErrMalformed means the server response did not have the expected shape.
	ErrMalformed = errors.New("malformed catalog response")
)

// Client fetches and caches the owned-asset listing and overlays the
// locally-observed downloaded state onto it.
type Client struct {
	api           *api.Client
	tokens        *auth.Store
	db            *database.DB
	downloadsRoot string
}

// NewClient creates a catalog client. The database backs both the listing
// cache and the completed-download journal consulted by the overlay.
func NewClient(apiClient *api.Client, tokens *auth.Store, db *database.DB, downloadsRoot string) *Client {
	return &Client{
		api:           apiClient,
		tokens:        tokens,
		db:            db,
		downloadsRoot: downloadsRoot,
	}
}

// ListAssets returns the owned-asset listing. The cached listing is used
// unless forceRefresh is set or no cache exists. The downloaded overlay is
// recomputed on every call; it is a heuristic, never persisted as truth.
func (c *Client) ListAssets(ctx context.Context, forceRefresh bool) ([]models.AssetRecord, error) {
	if !forceRefresh {
		cached, err := c.db.GetCatalogCache()
		if err == nil {
			log.Debugf("Returning cached catalog listing (%d assets)", len(cached))
			c.applyDownloadedOverlay(cached)
			return cached, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			log.WithError(err).Warn("Catalog cache unreadable, fetching fresh listing")
		}
	}

	token, err := c.tokens.ValidAccessToken(ctx)
	if err != nil {
		// Token errors propagate untouched so the caller can trigger re-login.
		return nil, err
	}

	assets, err := c.api.ListAssets(ctx, token)
	if err != nil {
		return nil, classifyFetchError(err)
	}
	log.Infof("Fetched catalog listing: %d assets", len(assets))

	if err := c.db.SetCatalogCache(assets); err != nil {
		log.WithError(err).Warn("Failed to write catalog cache")
	}

	c.applyDownloadedOverlay(assets)
	return assets, nil
}

// LoginUrl exposes the login URL so unauthenticated listing responses can
// carry a re-login target.
func (c *Client) LoginUrl() string {
	return c.tokens.StartAuth()
}

// applyDownloadedOverlay marks versions whose artifacts appear present
// locally, via the downloads-directory naming convention or the
// completed-download journal.
func (c *Client) applyDownloadedOverlay(assets []models.AssetRecord) {
	for i := range assets {
		asset := &assets[i]
		titleDir := filepath.Join(c.downloadsRoot, helpers.ConvertToSlug(asset.Title))
		titlePresent := dirExists(titleDir)

		for j := range asset.Versions {
			version := &asset.Versions[j]
			artifactDir := filepath.Join(c.downloadsRoot, asset.Namespace, asset.AssetID, version.ArtifactID)
			version.Downloaded = dirExists(artifactDir) ||
				titlePresent ||
				c.db.HasDownload(asset.Namespace, asset.AssetID, version.ArtifactID)
		}
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// classifyFetchError maps API client failures onto the catalog taxonomy.
func classifyFetchError(err error) error {
	if errors.Is(err, api.ErrUnauthorized) {
		// The server no longer accepts our token; same remedy as having none.
		return auth.ErrUnauthenticated
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return fmt.Errorf("%w: %v", ErrTransient, err)
}
