package manifest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go-asset-vault/internal/api"
	"go-asset-vault/internal/auth"
	"go-asset-vault/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Manifest Errors
var (
	// ErrNotFound means the asset version does not exist for this account.
	ErrNotFound = errors.New("asset version not found")
	// ErrMalformed means the manifest failed structural validation.
	ErrMalformed = errors.New("malformed manifest")
)

// Resolver turns an asset/version identity into a validated chunk-level
// file manifest.
type Resolver struct {
	api    *api.Client
	tokens *auth.Store
}

// NewResolver creates a manifest resolver.
func NewResolver(apiClient *api.Client, tokens *auth.Store) *Resolver {
	return &Resolver{api: apiClient, tokens: tokens}
}

// Resolve fetches and validates the manifest for one asset version.
func (r *Resolver) Resolve(ctx context.Context, namespace, assetID, artifactID string) (models.Manifest, error) {
	token, err := r.tokens.ValidAccessToken(ctx)
	if err != nil {
		return models.Manifest{}, err
	}

	m, err := r.api.GetManifest(ctx, token, namespace, assetID, artifactID)
	if err != nil {
		switch {
		case errors.Is(err, api.ErrNotFound):
			return models.Manifest{}, fmt.Errorf("%w: %s/%s@%s", ErrNotFound, namespace, assetID, artifactID)
		case errors.Is(err, api.ErrUnauthorized):
			return models.Manifest{}, auth.ErrUnauthenticated
		default:
			return models.Manifest{}, fmt.Errorf("fetching manifest for %s/%s@%s: %w", namespace, assetID, artifactID, err)
		}
	}

	if err := Validate(m); err != nil {
		return models.Manifest{}, err
	}

	log.WithField("files", len(m.Files)).Debugf("Resolved manifest for %s/%s@%s", namespace, assetID, artifactID)
	return m, nil
}

// Validate checks the structural invariants of a manifest: at least one file,
// positive sizes, at least one chunk per file, chunk sizes summing to the
// declared file size, and safe relative paths.
func Validate(m models.Manifest) error {
	if len(m.Files) == 0 {
		return fmt.Errorf("%w: no file entries", ErrMalformed)
	}

	for _, f := range m.Files {
		if f.Path == "" {
			return fmt.Errorf("%w: file entry with empty path", ErrMalformed)
		}
		if !isSafeRelativePath(f.Path) {
			return fmt.Errorf("%w: unsafe file path %q", ErrMalformed, f.Path)
		}
		if f.Size <= 0 {
			return fmt.Errorf("%w: file %s has non-positive size %d", ErrMalformed, f.Path, f.Size)
		}
		if len(f.Chunks) == 0 {
			return fmt.Errorf("%w: file %s has no chunk parts", ErrMalformed, f.Path)
		}

		var chunkTotal int64
		for i, chunk := range f.Chunks {
			if chunk.Size <= 0 {
				return fmt.Errorf("%w: file %s chunk %d has non-positive size %d", ErrMalformed, f.Path, i, chunk.Size)
			}
			if chunk.URL == "" {
				return fmt.Errorf("%w: file %s chunk %d has no locator", ErrMalformed, f.Path, i)
			}
			chunkTotal += chunk.Size
		}
		if chunkTotal != f.Size {
			return fmt.Errorf("%w: file %s chunk sizes sum to %d, declared size %d", ErrMalformed, f.Path, chunkTotal, f.Size)
		}
	}

	return nil
}

// isSafeRelativePath rejects absolute paths and any path escaping the
// install root.
func isSafeRelativePath(p string) bool {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return false
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	return clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}
