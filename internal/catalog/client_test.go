package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-asset-vault/internal/api"
	"go-asset-vault/internal/auth"
	"go-asset-vault/internal/database"
	"go-asset-vault/internal/models"
)

type catalogFixture struct {
	client    *Client
	db        *database.DB
	downloads string
	listCalls *atomic.Int64
}

// newCatalogFixture wires a catalog client against a fake storefront that
// serves the given listing. The credential is written straight to disk.
func newCatalogFixture(t *testing.T, listing []models.AssetRecord, status int) *catalogFixture {
	t.Helper()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.CatalogResponse{Results: listing})
	}))
	t.Cleanup(server.Close)

	apiClient := api.NewClient(server.URL, server.Client())

	credPath := filepath.Join(t.TempDir(), "credential.json")
	raw, err := json.Marshal(models.Credential{
		AccessToken:  "tok",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(credPath, raw, 0600))
	tokens := auth.NewStore(apiClient, credPath)

	db, err := database.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	downloads := t.TempDir()
	return &catalogFixture{
		client:    NewClient(apiClient, tokens, db, downloads),
		db:        db,
		downloads: downloads,
		listCalls: &calls,
	}
}

func sampleListing() []models.AssetRecord {
	return []models.AssetRecord{
		{
			Namespace: "ue",
			AssetID:   "a1",
			Title:     "Rocky Cliffs",
			Versions: []models.VersionEntry{
				{ArtifactID: "v1"},
				{ArtifactID: "v2"},
			},
		},
		{
			Namespace: "ue",
			AssetID:   "a2",
			Title:     "Pine Forest",
			Versions:  []models.VersionEntry{{ArtifactID: "v1"}},
		},
	}
}

func TestListAssetsFetchesAndCaches(t *testing.T) {
	f := newCatalogFixture(t, sampleListing(), http.StatusOK)

	assets, err := f.client.ListAssets(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, int64(1), f.listCalls.Load(), "empty cache forces a fetch")

	// Second call is served from cache.
	assets, err = f.client.ListAssets(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, int64(1), f.listCalls.Load(), "cached listing must not hit the API")

	// A forced refresh goes back to the server.
	_, err = f.client.ListAssets(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.listCalls.Load())
}

func TestDownloadedOverlayFromDirectory(t *testing.T) {
	f := newCatalogFixture(t, sampleListing(), http.StatusOK)

	require.NoError(t, os.MkdirAll(filepath.Join(f.downloads, "ue", "a1", "v2"), 0700))

	assets, err := f.client.ListAssets(context.Background(), false)
	require.NoError(t, err)

	assert.False(t, assets[0].Versions[0].Downloaded)
	assert.True(t, assets[0].Versions[1].Downloaded, "artifact directory marks the version downloaded")
	assert.False(t, assets[1].Versions[0].Downloaded)
}

func TestDownloadedOverlayFromTitleDirectory(t *testing.T) {
	f := newCatalogFixture(t, sampleListing(), http.StatusOK)

	// Legacy layout: a directory named after the asset title slug.
	require.NoError(t, os.MkdirAll(filepath.Join(f.downloads, "pine_forest"), 0700))

	assets, err := f.client.ListAssets(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, assets[1].Versions[0].Downloaded)
	assert.False(t, assets[0].Versions[0].Downloaded)
}

func TestDownloadedOverlayFromJournal(t *testing.T) {
	f := newCatalogFixture(t, sampleListing(), http.StatusOK)

	require.NoError(t, f.db.RecordDownload(models.JournalEntry{
		Namespace: "ue", AssetID: "a1", ArtifactID: "v1",
	}))

	assets, err := f.client.ListAssets(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, assets[0].Versions[0].Downloaded, "journalled download marks the version downloaded")
	assert.False(t, assets[0].Versions[1].Downloaded)
}

func TestOverlayRecomputedOnCachedReads(t *testing.T) {
	f := newCatalogFixture(t, sampleListing(), http.StatusOK)

	assets, err := f.client.ListAssets(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, assets[0].Versions[0].Downloaded)

	// A download completes between two cached reads.
	require.NoError(t, os.MkdirAll(filepath.Join(f.downloads, "ue", "a1", "v1"), 0700))

	assets, err = f.client.ListAssets(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, assets[0].Versions[0].Downloaded, "overlay must reflect current local state even on cache hits")
	assert.Equal(t, int64(1), f.listCalls.Load())
}

func TestListAssetsUnauthenticated(t *testing.T) {
	f := newCatalogFixture(t, sampleListing(), http.StatusOK)

	// A store with no credential behind it.
	apiClient := api.NewClient(f.client.api.BaseUrl, f.client.api.HttpClient)
	tokens := auth.NewStore(apiClient, filepath.Join(t.TempDir(), "credential.json"))
	client := NewClient(apiClient, tokens, f.db, f.downloads)

	_, err := client.ListAssets(context.Background(), false)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	assert.NotEmpty(t, client.LoginUrl(), "an unauthenticated listing response carries a re-login target")
	assert.Zero(t, f.listCalls.Load())
}

func TestListAssetsTokenRejected(t *testing.T) {
	f := newCatalogFixture(t, nil, http.StatusUnauthorized)

	_, err := f.client.ListAssets(context.Background(), false)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated, "a rejected token reads the same as having none")
}

func TestListAssetsMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": "not-a-list"`))
	}))
	t.Cleanup(server.Close)

	apiClient := api.NewClient(server.URL, server.Client())
	credPath := filepath.Join(t.TempDir(), "credential.json")
	raw, err := json.Marshal(models.Credential{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(credPath, raw, 0600))

	db, err := database.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	client := NewClient(apiClient, auth.NewStore(apiClient, credPath), db, t.TempDir())
	_, err = client.ListAssets(context.Background(), false)
	assert.ErrorIs(t, err, ErrMalformed)
}
