package cmd

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-asset-vault/index"
	"go-asset-vault/internal/auth"
	"go-asset-vault/internal/catalog"
	"go-asset-vault/internal/database"
	"go-asset-vault/internal/models"
)

var assetsRefreshFlag bool

// assetsCmd lists the owned-asset catalog.
var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "List owned assets",
	Long: `Lists the assets owned by the logged-in account. The listing is served
from the local cache unless --refresh is given. A forced refresh also
rebuilds the local search index.`,
	RunE: runAssets,
}

func init() {
	assetsCmd.Flags().BoolVar(&assetsRefreshFlag, "refresh", false, "Fetch a fresh listing from the storefront")
	rootCmd.AddCommand(assetsCmd)
}

func runAssets(cmd *cobra.Command, args []string) error {
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
	catalogClient := catalog.NewClient(apiClient, tokens, db, globalConfig.DownloadsPath)

	assets, err := catalogClient.ListAssets(cmd.Context(), assetsRefreshFlag)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			fmt.Printf("Not logged in. Sign in at:\n\n  %s\n\nThen run: asset-vault login --code <code>\n", catalogClient.LoginUrl())
			return nil
		}
		return fmt.Errorf("listing assets: %w", err)
	}

	for _, asset := range assets {
		fmt.Printf("%s/%s  %s  [%s]\n", asset.Namespace, asset.AssetID, asset.Title, asset.DistributionKind)
		for _, version := range asset.Versions {
			marker := " "
			if version.Downloaded {
				marker = "*"
			}
			fmt.Printf("  %s %s  engines: %s  platforms: %s\n",
				marker, version.ArtifactID,
				strings.Join(version.EngineVersions, ","),
				strings.Join(version.Platforms, ","))
		}
	}
	fmt.Printf("\n%d assets (* = downloaded)\n", len(assets))

	if assetsRefreshFlag {
		if err := rebuildSearchIndex(assets); err != nil {
			log.WithError(err).Warn("Failed to rebuild search index")
		}
	}
	return nil
}

func rebuildSearchIndex(assets []models.AssetRecord) error {
	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		return fmt.Errorf("opening search index: %w", err)
	}
	defer idx.Close()

	if err := index.IndexAssets(idx, assets); err != nil {
		return err
	}
	log.Infof("Search index rebuilt (%d assets)", len(assets))
	return nil
}
