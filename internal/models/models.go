package models

import "time"

type (
	Config struct {
		// Connection/Auth
		ApiBaseUrl     string `toml:"ApiBaseUrl"`
		CredentialPath string `toml:"CredentialPath"`

		// Paths
		DownloadsPath  string `toml:"DownloadsPath"`
		DatabasePath   string `toml:"DatabasePath"`
		BleveIndexPath string `toml:"BleveIndexPath"`

		// Downloader Behavior
		Concurrency     int `toml:"Concurrency"`
		ChunkTimeoutSec int `toml:"ChunkTimeoutSec"`
		ChunkRetries    int `toml:"ChunkRetries"`

		// API Behavior
		ApiClientTimeoutSec int  `toml:"ApiClientTimeoutSec"`
		LogApiRequests      bool `toml:"LogApiRequests"`
	}

	// Credential is the persisted result of a completed login. The token
	// store owns the only mutable copy; everyone else sees access tokens.
	Credential struct {
		AccessToken  string    `json:"accessToken"`
		RefreshToken string    `json:"refreshToken"`
		ExpiresAt    time.Time `json:"expiresAt"`
		AccountID    string    `json:"accountId"`
		AccountName  string    `json:"accountName"`
	}

	// TokenResponse is returned by the storefront's code-exchange and
	// refresh endpoints.
	TokenResponse struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		AccountID    string `json:"account_id"`
		AccountName  string `json:"account_name"`
	}

	// AssetRecord describes one owned asset in the storefront catalog.
	AssetRecord struct {
		Namespace        string         `json:"namespace"`
		AssetID          string         `json:"assetId"`
		Title            string         `json:"title"`
		Description      string         `json:"description"`
		DistributionKind string         `json:"distributionKind"` // e.g. COMPLETE_PROJECT, ASSET_PACK
		Images           []AssetImage   `json:"images"`
		Versions         []VersionEntry `json:"versions"`
	}

	AssetImage struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	}

	// VersionEntry identifies one downloadable build of an asset. Downloaded
	// is a locally-computed overlay, never sent by the server.
	VersionEntry struct {
		ArtifactID     string   `json:"artifactId"`
		EngineVersions []string `json:"engineVersions"`
		Platforms      []string `json:"platforms"`
		Downloaded     bool     `json:"downloaded"`
	}

	// CatalogResponse is the wire shape of the owned-assets listing.
	CatalogResponse struct {
		Results []AssetRecord `json:"results"`
	}

	// Manifest is the chunk-level layout of one asset version.
	Manifest struct {
		Namespace  string      `json:"namespace"`
		AssetID    string      `json:"assetId"`
		ArtifactID string      `json:"artifactId"`
		Files      []FileEntry `json:"files"`
	}

	FileEntry struct {
		Path   string      `json:"path"` // relative to the install root
		Size   int64       `json:"size"`
		Hashes FileHashes  `json:"hashes"`
		Chunks []ChunkPart `json:"chunks"` // concatenation order
	}

	FileHashes struct {
		SHA256 string `json:"sha256,omitempty"`
		BLAKE3 string `json:"blake3,omitempty"`
		CRC32  string `json:"crc32,omitempty"`
	}

	// ChunkPart is one independently-fetchable byte range of a file.
	ChunkPart struct {
		Offset int64  `json:"offset"`
		Size   int64  `json:"size"`
		URL    string `json:"url"`
	}

	// ProgressEvent is a single status update for a job. Progress runs
	// 0-100; normalizing to 0-1 is the consumer's business.
	ProgressEvent struct {
		JobID    string         `json:"job_id"`
		Phase    string         `json:"phase"`
		Message  string         `json:"message"`
		Progress float64        `json:"progress"`
		Details  map[string]any `json:"details,omitempty"`
	}

	// JobProgress is the latest counters snapshot kept by the registry so
	// late subscribers have something to render before the next event.
	JobProgress struct {
		BytesDone  int64 `json:"bytesDone"`
		BytesTotal int64 `json:"bytesTotal"`
		FilesDone  int   `json:"filesDone"`
		FilesTotal int   `json:"filesTotal"`
	}

	// JournalEntry records a completed download in the local database. It
	// backs the catalog's downloaded overlay alongside the directory scan.
	JournalEntry struct {
		Namespace  string    `json:"namespace"`
		AssetID    string    `json:"assetId"`
		ArtifactID string    `json:"artifactId"`
		Title      string    `json:"title"`
		InstallDir string    `json:"installDir"`
		Timestamp  time.Time `json:"timestamp"`
	}
)

// Progress event phases, in the order a successful job emits them.
const (
	PhaseQueued      = "queued"
	PhaseStarting    = "starting"
	PhaseDownloading = "downloading"
	PhaseVerifying   = "verifying"
	PhaseDone        = "done"
	PhaseFailed      = "failed"
	PhaseCancelled   = "cancelled"
)

// Detail keys carried by download progress events.
const (
	DetailDownloadedFiles = "downloaded_files"
	DetailTotalFiles      = "total_files"
	DetailBytesDone       = "bytes_done"
	DetailBytesTotal      = "bytes_total"
	DetailBytesPerSec     = "bytes_per_sec"
	DetailCategory        = "category"
)

// IsTerminalPhase reports whether a phase ends the job's event stream.
func IsTerminalPhase(phase string) bool {
	return phase == PhaseDone || phase == PhaseFailed || phase == PhaseCancelled
}

// TotalBytes sums the declared sizes of all files in the manifest.
func (m Manifest) TotalBytes() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}
