package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-asset-vault/internal/auth"
	"go-asset-vault/internal/database"
	"go-asset-vault/internal/engine"
	"go-asset-vault/internal/events"
	"go-asset-vault/internal/helpers"
	"go-asset-vault/internal/jobs"
	"go-asset-vault/internal/manifest"
	"go-asset-vault/internal/models"
)

// downloadCmd downloads one asset version into the downloads directory.
var downloadCmd = &cobra.Command{
	Use:   "download <namespace> <assetId> <artifactId>",
	Short: "Download an owned asset version",
	Long: `Resolves the chunk manifest for one asset version and downloads it with
bounded concurrency, verifying file hashes and placing files atomically.
Ctrl-C requests cooperative cancellation; in-flight chunk fetches finish
or time out, staged partial files are discarded.`,
	Args: cobra.ExactArgs(3),
	RunE: runDownload,
}

func init() {
	downloadCmd.Flags().Int("concurrency", 0, "Chunk-fetch fan-out limit (overrides config)")
	if err := viper.BindPFlag("concurrency", downloadCmd.Flags().Lookup("concurrency")); err != nil {
		log.WithError(err).Warn("Failed to bind concurrency flag")
	}
	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, args []string) error {
	namespace, assetID, artifactID := args[0], args[1], args[2]

	if globalConfig.DownloadsPath == "" {
		return fmt.Errorf("DownloadsPath is required in the config file")
	}
	if globalConfig.DatabasePath == "" {
		return fmt.Errorf("DatabasePath is required in the config file")
	}

	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("Error closing database")
		}
	}()

	apiClient := newApiClient()
	tokens := newTokenStore(apiClient)
	resolver := manifest.NewResolver(apiClient, tokens)

	ctx := cmd.Context()
	m, err := resolver.Resolve(ctx, namespace, assetID, artifactID)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthenticated):
			fmt.Printf("Not logged in. Sign in at:\n\n  %s\n", tokens.StartAuth())
			return nil
		case errors.Is(err, manifest.ErrNotFound):
			return fmt.Errorf("asset version %s/%s@%s not found for this account", namespace, assetID, artifactID)
		default:
			return fmt.Errorf("resolving manifest: %w", err)
		}
	}

	token, err := tokens.ValidAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("getting access token: %w", err)
	}

	concurrency := viper.GetInt("concurrency")
	if concurrency <= 0 {
		concurrency = globalConfig.Concurrency
	}

	registry := jobs.NewRegistry()
	bus := events.NewBus()
	eng := engine.New(
		&http.Client{Transport: globalHttpTransport},
		bus, registry, token,
		engine.Options{
			Concurrency:  concurrency,
			ChunkTimeout: time.Duration(globalConfig.ChunkTimeoutSec) * time.Second,
			ChunkRetries: globalConfig.ChunkRetries,
		})

	job := registry.Create(jobs.KindDownload)
	eventCh, unsubscribe := bus.Subscribe(job.ID)
	defer unsubscribe()

	// Ctrl-C requests cooperative cancellation rather than killing the
	// process mid-write.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			log.Warn("Interrupt received, cancelling download...")
			registry.Cancel(job.ID)
		}
	}()

	destDir := filepath.Join(globalConfig.DownloadsPath, namespace, assetID, artifactID)
	fmt.Printf("Downloading %s/%s@%s -> %s (job %s)\n", namespace, assetID, artifactID, destDir, job.ID)

	type result struct {
		state jobs.State
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		state, execErr := eng.Execute(ctx, job, m, destDir)
		resultCh <- result{state, execErr}
	}()

	renderEvents(eventCh)
	res := <-resultCh

	switch res.state {
	case jobs.StateDone:
		entry := models.JournalEntry{
			Namespace:  namespace,
			AssetID:    assetID,
			ArtifactID: artifactID,
			InstallDir: destDir,
			Timestamp:  time.Now(),
		}
		if err := db.RecordDownload(entry); err != nil {
			log.WithError(err).Warn("Failed to journal completed download")
		}
		fmt.Printf("Done: %d files, %s\n", len(m.Files), helpers.BytesToSize(uint64(m.TotalBytes())))
		return nil
	case jobs.StateCancelled:
		fmt.Println("Download cancelled.")
		return nil
	default:
		return fmt.Errorf("download failed: %w", res.err)
	}
}

// renderEvents drains one job's event stream onto a live-updating terminal
// line until the stream ends at the terminal event.
func renderEvents(eventCh <-chan models.ProgressEvent) {
	writer := uilive.New()
	writer.Start()
	defer writer.Stop()

	for ev := range eventCh {
		files := ev.Details[models.DetailDownloadedFiles]
		totalFiles := ev.Details[models.DetailTotalFiles]
		bytesDone, _ := ev.Details[models.DetailBytesDone].(int64)
		bytesTotal, _ := ev.Details[models.DetailBytesTotal].(int64)
		rate, _ := ev.Details[models.DetailBytesPerSec].(int64)

		line := fmt.Sprintf("[%s] %5.1f%%  files %v/%v  %s / %s",
			ev.Phase, ev.Progress, files, totalFiles,
			helpers.BytesToSize(uint64(bytesDone)), helpers.BytesToSize(uint64(bytesTotal)))
		if rate > 0 {
			line += fmt.Sprintf("  %s/s", helpers.BytesToSize(uint64(rate)))
		}
		if ev.Message != "" {
			line += "  " + ev.Message
		}
		fmt.Fprintln(writer, line)
	}
}
