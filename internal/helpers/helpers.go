package helpers

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"strings"

	"go-asset-vault/internal/models"

	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

// CheckHash verifies a file against the provided hashes (SHA256, BLAKE3,
// CRC32). It returns true if any provided hash matches.
func CheckHash(filepath string, hashes models.FileHashes) bool {
	if _, err := os.Stat(filepath); err == nil {
		file, err := os.ReadFile(filepath)
		if err != nil {
			log.WithError(err).Errorf("Error reading file %s for hash check", filepath)
			return false
		}

		if hashes.SHA256 != "" {
			sha256Hasher := sha256.New()
			sha256Hasher.Write(file)
			calculatedSha256 := hex.EncodeToString(sha256Hasher.Sum(nil))
			wantSha256 := strings.ToLower(strings.TrimSpace(hashes.SHA256))
			if wantSha256 == calculatedSha256 {
				log.WithField("hash", "SHA256").Debugf("Hash match for %s", filepath)
				return true
			}
		}

		if hashes.BLAKE3 != "" {
			blake3Hash := blake3.Sum256(file)
			calculatedBlake3 := strings.ToUpper(hex.EncodeToString(blake3Hash[:]))
			wantBlake3 := strings.ToUpper(strings.TrimSpace(hashes.BLAKE3))
			if calculatedBlake3 == wantBlake3 {
				log.WithField("hash", "BLAKE3").Debugf("Hash match for %s", filepath)
				return true
			}
		}

		if hashes.CRC32 != "" {
			crc32Hasher := crc32.NewIEEE()
			if _, err := io.Copy(crc32Hasher, bytes.NewReader(file)); err != nil {
				log.WithError(err).Warnf("Error calculating CRC32 hash for %s", filepath)
			} else {
				calculatedCrc32 := fmt.Sprintf("%x", crc32Hasher.Sum32())
				wantCrc32 := strings.ToLower(strings.TrimSpace(hashes.CRC32))
				if wantCrc32 == calculatedCrc32 {
					log.WithField("hash", "CRC32").Debugf("Hash match for %s", filepath)
					return true
				}
			}
		}
	} else if !os.IsNotExist(err) {
		log.WithError(err).Warnf("Error stating file %s during hash check", filepath)
	}

	return false
}

// HashesProvided reports whether at least one expected hash is present.
func HashesProvided(hashes models.FileHashes) bool {
	return hashes.SHA256 != "" || hashes.BLAKE3 != "" || hashes.CRC32 != ""
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

// ConvertToSlug converts a string into a filesystem-friendly slug.
func ConvertToSlug(str string) string {
	str = strings.ReplaceAll(str, " ", "_")
	str = strings.ReplaceAll(str, ":", "-")
	str = strings.ToLower(str)

	allowedChars := "0123456789abcdefghijklmnopqrstuvwxyz._-"

	var filtered strings.Builder
	for _, ch := range str {
		if strings.ContainsRune(allowedChars, ch) {
			filtered.WriteRune(ch)
		}
	}
	str = filtered.String()

	// Simplify repeated separators
	str = strings.ReplaceAll(str, "-_", "-")
	str = strings.ReplaceAll(str, "_-", "-")
	for strings.Contains(str, "--") {
		str = strings.ReplaceAll(str, "--", "-")
	}
	for strings.Contains(str, "__") {
		str = strings.ReplaceAll(str, "__", "_")
	}

	str = strings.Trim(str, "_-")

	return str
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
// Uses restrictive directory permissions (0700).
func CheckAndMakeDir(dir string) bool {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}
