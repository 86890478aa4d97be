package cmd

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-asset-vault/internal/auth"
)

var loginCodeFlag string

// loginCmd starts or completes the out-of-band login flow.
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate against the storefront",
	Long: `Without flags, prints the URL where you authenticate in a browser.
The storefront hands you a one-time code; pass it back with --code to
complete the login and store the credential locally.`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginCodeFlag, "code", "", "One-time code from the storefront login page")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	apiClient := newApiClient()
	tokens := newTokenStore(apiClient)

	if loginCodeFlag == "" {
		fmt.Printf("Open this URL in a browser to sign in:\n\n  %s\n\nThen run: asset-vault login --code <code>\n", tokens.StartAuth())
		return nil
	}

	if err := tokens.CompleteAuth(cmd.Context(), loginCodeFlag); err != nil {
		if errors.Is(err, auth.ErrExchangeFailed) {
			return fmt.Errorf("login code rejected (invalid or expired), request a fresh one at %s", tokens.StartAuth())
		}
		return fmt.Errorf("completing login: %w", err)
	}

	if cred, ok := tokens.Credential(); ok {
		log.Infof("Logged in as %s", cred.AccountName)
		fmt.Printf("Logged in as %s\n", cred.AccountName)
	}
	return nil
}
