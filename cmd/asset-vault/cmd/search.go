package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"go-asset-vault/index"
)

// searchCmd queries the local search index built from the cached catalog.
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the cached asset catalog",
	Long: `Searches the local index over asset titles and descriptions. Supports
bleve query syntax, e.g. 'environment', '+kind:ASSET_PACK trees', or
'+namespace:ue +title:rocks'. Run 'assets --refresh' first to build the index.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		return fmt.Errorf("opening search index: %w", err)
	}
	defer idx.Close()

	results, err := index.SearchIndex(idx, query)
	if err != nil {
		return fmt.Errorf("searching index: %w", err)
	}

	if results.Total == 0 {
		fmt.Println("No matches. (Has 'assets --refresh' been run?)")
		return nil
	}

	fmt.Printf("%d matches (%s):\n", results.Total, results.Took)
	for _, hit := range results.Hits {
		title, _ := hit.Fields["title"].(string)
		kind, _ := hit.Fields["kind"].(string)
		fmt.Printf("  %-40s %s  [%s]  score %.3f\n", hit.ID, title, kind, hit.Score)
	}
	return nil
}
