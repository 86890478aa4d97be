package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-asset-vault/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t)

	key := []byte("some_key")
	value := []byte("some value that should round-trip through gzip")

	_, err := db.Get(key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, db.Has(key))

	require.NoError(t, db.Put(key, value))
	assert.True(t, db.Has(key))

	got, err := db.Get(key)
	require.NoError(t, err)
	assert.Equal(t, value, got)

	require.NoError(t, db.Delete(key))
	assert.False(t, db.Has(key))
	assert.ErrorIs(t, db.Delete(key), ErrNotFound)
}

func TestCatalogCacheRoundTrip(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetCatalogCache()
	assert.ErrorIs(t, err, ErrNotFound)

	listing := []models.AssetRecord{
		{
			Namespace: "ue",
			AssetID:   "a1",
			Title:     "Rocky Cliffs",
			Versions: []models.VersionEntry{
				{ArtifactID: "v1", EngineVersions: []string{"5.3"}, Platforms: []string{"Windows"}},
			},
		},
		{Namespace: "ue", AssetID: "a2", Title: "Pine Forest"},
	}
	require.NoError(t, db.SetCatalogCache(listing))

	got, err := db.GetCatalogCache()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Rocky Cliffs", got[0].Title)
	assert.Equal(t, "v1", got[0].Versions[0].ArtifactID)

	// Overwrite replaces the listing wholesale.
	require.NoError(t, db.SetCatalogCache(listing[:1]))
	got, err = db.GetCatalogCache()
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDownloadJournal(t *testing.T) {
	db := openTestDB(t)

	assert.False(t, db.HasDownload("ue", "a1", "v1"))

	entry := models.JournalEntry{
		Namespace:  "ue",
		AssetID:    "a1",
		ArtifactID: "v1",
		Title:      "Rocky Cliffs",
		InstallDir: "/downloads/ue/a1/v1",
		Timestamp:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, db.RecordDownload(entry))

	assert.True(t, db.HasDownload("ue", "a1", "v1"))
	assert.False(t, db.HasDownload("ue", "a1", "v2"), "journal keys are per artifact")

	// The catalog cache key must not leak into the journal listing.
	require.NoError(t, db.SetCatalogCache([]models.AssetRecord{{AssetID: "a1"}}))

	entries, err := db.ListDownloads()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.InstallDir, entries[0].InstallDir)
	assert.Equal(t, entry.Timestamp.Unix(), entries[0].Timestamp.Unix())
}

func TestDataPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.RecordDownload(models.JournalEntry{Namespace: "ue", AssetID: "a1", ArtifactID: "v1"}))
	require.NoError(t, db.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.HasDownload("ue", "a1", "v1"))
}
