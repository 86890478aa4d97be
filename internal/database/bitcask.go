package database

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go-asset-vault/internal/models"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

// gzipMagicBytes are the first two bytes of a gzip file.
var gzipMagicBytes = []byte{0x1f, 0x8b}

const (
	catalogCacheKey  = "catalog_listing"
	journalKeyPrefix = "journal_"
)

// DB wraps the bitcask database instance and provides helper methods.
// Values are gzip-compressed at rest; catalog listings compress well.
type DB struct {
	db           *bitcask.Bitcask
	sync.RWMutex // Embed mutex for concurrent access control
}

// Open initializes and returns a DB instance.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	dbInstance, err := bitcask.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bitcask database at %s: %w", path, err)
	}
	log.Debugf("Database opened at %s", path)
	return &DB{db: dbInstance}, nil
}

// Close safely closes the database connection.
func (d *DB) Close() error {
	d.Lock()
	defer d.Unlock()
	return d.db.Close()
}

// Has checks if a key exists in the database.
func (d *DB) Has(key []byte) bool {
	d.RLock()
	defer d.RUnlock()
	return d.db.Has(key)
}

// Get retrieves the value associated with a key and decompresses it if necessary.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.RLock()
	value, err := d.db.Get(key)
	d.RUnlock()

	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting key %s: %w", string(key), err)
	}

	return decompressIfGzipped(value)
}

// Put compresses and stores a key-value pair in the database.
func (d *DB) Put(key []byte, value []byte) error {
	compressedValue, err := compressGzip(value, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("error compressing value for key %s: %w", string(key), err)
	}

	d.Lock()
	err = d.db.Put(key, compressedValue)
	d.Unlock()
	if err != nil {
		return fmt.Errorf("error putting compressed key %s: %w", string(key), err)
	}
	return nil
}

// Delete removes a key from the database. Deleting an absent key returns
// ErrNotFound; bitcask itself treats that as a no-op.
func (d *DB) Delete(key []byte) error {
	d.Lock()
	defer d.Unlock()
	if !d.db.Has(key) {
		return ErrNotFound
	}
	if err := d.db.Delete(key); err != nil {
		return fmt.Errorf("error deleting key %s: %w", string(key), err)
	}
	return nil
}

// Fold iterates over all key-value pairs, decompresses each value,
// and calls the provided function.
func (d *DB) Fold(fn func(key []byte, value []byte) error) error {
	d.RLock()
	defer d.RUnlock()

	return d.db.Fold(func(key []byte) error {
		rawValue, err := d.db.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Fold: Error getting value for key %s", string(key))
			return nil
		}

		value, err := decompressIfGzipped(rawValue)
		if err != nil {
			log.WithError(err).Warnf("Fold: Error decompressing value for key %s", string(key))
			return nil
		}

		return fn(key, value)
	})
}

// --- Catalog Cache Helpers ---

// GetCatalogCache returns the cached owned-asset listing, or ErrNotFound
// when no listing has been cached yet.
func (d *DB) GetCatalogCache() ([]models.AssetRecord, error) {
	raw, err := d.Get([]byte(catalogCacheKey))
	if err != nil {
		return nil, err
	}

	var assets []models.AssetRecord
	if err := json.Unmarshal(raw, &assets); err != nil {
		return nil, fmt.Errorf("error unmarshalling cached catalog: %w", err)
	}
	return assets, nil
}

// SetCatalogCache overwrites the cached owned-asset listing.
func (d *DB) SetCatalogCache(assets []models.AssetRecord) error {
	raw, err := json.Marshal(assets)
	if err != nil {
		return fmt.Errorf("error marshalling catalog for cache: %w", err)
	}
	if err := d.Put([]byte(catalogCacheKey), raw); err != nil {
		return err
	}
	log.Debugf("Cached catalog listing (%d assets)", len(assets))
	return nil
}

// --- Completed-Download Journal Helpers ---

func journalKey(namespace, assetID, artifactID string) []byte {
	return []byte(journalKeyPrefix + namespace + "/" + assetID + "/" + artifactID)
}

// RecordDownload journals a completed download of one asset version.
func (d *DB) RecordDownload(entry models.JournalEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("error marshalling journal entry for %s/%s: %w", entry.Namespace, entry.AssetID, err)
	}
	return d.Put(journalKey(entry.Namespace, entry.AssetID, entry.ArtifactID), raw)
}

// HasDownload reports whether a completed download is journalled for the
// given asset version.
func (d *DB) HasDownload(namespace, assetID, artifactID string) bool {
	return d.Has(journalKey(namespace, assetID, artifactID))
}

// ListDownloads returns all journalled downloads.
func (d *DB) ListDownloads() ([]models.JournalEntry, error) {
	var entries []models.JournalEntry
	err := d.Fold(func(key []byte, value []byte) error {
		if !strings.HasPrefix(string(key), journalKeyPrefix) {
			return nil
		}
		var entry models.JournalEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			log.WithError(err).Warnf("Skipping malformed journal entry %s", string(key))
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error listing journal entries: %w", err)
	}
	return entries, nil
}

// --- Compression Helpers ---

// decompressIfGzipped decompresses the value if it is gzipped.
func decompressIfGzipped(value []byte) ([]byte, error) {
	if bytes.HasPrefix(value, gzipMagicBytes) {
		bReader := bytes.NewReader(value)
		gReader, err := gzip.NewReader(bReader)
		if err != nil {
			log.WithError(err).Warnf("Error creating gzip reader for value, returning raw data.")
			return value, nil
		}
		defer gReader.Close()

		decompressedValue, err := io.ReadAll(gReader)
		if err != nil {
			log.WithError(err).Warnf("Error decompressing value, returning raw data.")
			return value, nil
		}
		return decompressedValue, nil
	}

	return value, nil
}

// compressGzip compresses the value using gzip with the specified compression level.
func compressGzip(value []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gWriter, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("error creating gzip writer for value: %w", err)
	}
	_, err = gWriter.Write(value)
	if err != nil {
		_ = gWriter.Close()
		return nil, fmt.Errorf("error writing compressed data for value: %w", err)
	}
	// Close must be called to flush buffers
	if err := gWriter.Close(); err != nil {
		return nil, fmt.Errorf("error closing gzip writer for value: %w", err)
	}

	return buf.Bytes(), nil
}
