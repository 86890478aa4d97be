package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// logoutCmd discards the stored credential.
var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored credential",
	RunE:  runLogout,
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}

func runLogout(cmd *cobra.Command, args []string) error {
	tokens := newTokenStore(newApiClient())
	if err := tokens.Logout(); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	fmt.Println("Logged out.")
	return nil
}
