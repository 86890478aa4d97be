package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-asset-vault/internal/api"
	"go-asset-vault/internal/auth"
	"go-asset-vault/internal/config"
	"go-asset-vault/internal/models"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

// logApiFlag holds the value of the --log-api flag
var logApiFlag bool

// downloadsPathFlag holds the value of the --downloads-path flag
var downloadsPathFlag string

// apiTimeoutFlag holds the value of the --api-timeout flag
var apiTimeoutFlag int

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport holds the globally configured HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "asset-vault",
	Short: "A tool to browse and download owned storefront assets",
	Long: `Asset Vault authenticates against a digital-asset storefront, lists
the assets you own, and downloads verified multi-file asset bundles.`,
	PersistentPreRunE: loadGlobalConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	defer func() {
		if loggingTransport, ok := globalHttpTransport.(*api.LoggingTransport); ok && loggingTransport != nil {
			if err := loggingTransport.Close(); err != nil {
				log.WithError(err).Error("Error closing API log file")
			}
		}
	}()

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&downloadsPathFlag, "downloads-path", "", "Directory to download assets into (overrides config)")
	rootCmd.PersistentFlags().IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for API HTTP client in seconds (overrides config, -1 uses config default)")
}

// loadGlobalConfig attempts to load the configuration and applies flag overrides.
// It also sets up the global HTTP transport based on logging settings.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		// Commands check the fields they need; a missing config file is only
		// fatal once a required path turns out empty.
		log.WithError(err).Warnf("Failed to load configuration from %s", cfgFile)
	}

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
		log.Debugf("Overriding LogApiRequests based on --log-api flag: %t", logApiFlag)
	}

	if cmd.Flags().Changed("downloads-path") {
		if downloadsPathFlag != "" {
			globalConfig.DownloadsPath = downloadsPathFlag
			log.Debugf("Overriding DownloadsPath based on --downloads-path flag: %s", downloadsPathFlag)
		} else {
			log.Warn("--downloads-path flag provided but value is empty, ignoring.")
		}
	}

	if cmd.Flags().Changed("api-timeout") {
		if apiTimeoutFlag > 0 {
			globalConfig.ApiClientTimeoutSec = apiTimeoutFlag
		} else {
			log.Warnf("--api-timeout flag provided with invalid value %d, using config value: %d sec", apiTimeoutFlag, globalConfig.ApiClientTimeoutSec)
		}
	}
	if globalConfig.ApiClientTimeoutSec <= 0 {
		globalConfig.ApiClientTimeoutSec = 60
	}

	// --- Setup Global HTTP Transport ---
	baseTransport := http.DefaultTransport
	globalHttpTransport = baseTransport
	if globalConfig.LogApiRequests {
		logFilePath := "api.log"
		if globalConfig.DownloadsPath != "" {
			if _, statErr := os.Stat(globalConfig.DownloadsPath); statErr == nil {
				logFilePath = filepath.Join(globalConfig.DownloadsPath, logFilePath)
			} else {
				log.Warnf("DownloadsPath '%s' not found, saving api.log to current directory.", globalConfig.DownloadsPath)
			}
		}
		log.Infof("API logging to file: %s", logFilePath)

		loggingTransport, err := api.NewLoggingTransport(baseTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			globalHttpTransport = loggingTransport
		}
	}

	return nil
}

// newApiClient builds the storefront API client with the configured
// transport and timeout.
func newApiClient() *api.Client {
	httpClient := &http.Client{
		Transport: globalHttpTransport,
		Timeout:   time.Duration(globalConfig.ApiClientTimeoutSec) * time.Second,
	}
	return api.NewClient(globalConfig.ApiBaseUrl, httpClient)
}

// newTokenStore builds the auth store over the configured credential path.
func newTokenStore(apiClient *api.Client) *auth.Store {
	credPath := globalConfig.CredentialPath
	if credPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			credPath = ".asset-vault-credential.json"
		} else {
			credPath = filepath.Join(home, ".asset-vault", "credential.json")
		}
	}
	return auth.NewStore(apiClient, credPath)
}
