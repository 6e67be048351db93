package cmd

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go-sd-launcher/index"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search [QUERY...]",
	Short: "Search the index of downloaded assets",
	Long: `Runs a Bleve query-string search over everything downloaded so far.
Fields: name, category, modelName, versionName, baseModel, creator, modelType,
trainedWords, filePath, sourceUrl, magnetLink.`,
	Example: `  sd-launcher search detail
  sd-launcher search '+category:lora +baseModel:SDXL'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntP("limit", "n", 20, "Maximum number of hits")
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	limit, _ := cmd.Flags().GetInt("limit")

	// Open, not OpenOrCreate: searching must not create an empty index.
	idx, err := bleve.Open(globalConfig.BleveIndexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return fmt.Errorf("no index at %s; download something first", globalConfig.BleveIndexPath)
	}
	if err != nil {
		return fmt.Errorf("opening index %s: %w", globalConfig.BleveIndexPath, err)
	}
	defer closeIndex(idx)

	log.Debugf("Searching %s for %q", globalConfig.BleveIndexPath, query)
	res, err := index.SearchIndex(idx, query, limit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if res.Total == 0 {
		fmt.Println("No results found matching your query.")
		return nil
	}
	fmt.Printf("%d hit(s), showing %d (%s)\n", res.Total, len(res.Hits), res.Took)
	for i, hit := range res.Hits {
		fmt.Printf("[%d] %s (score %.2f)\n", i+1, hit.ID, hit.Score)
		fields := make([]string, 0, len(hit.Fields))
		for f := range hit.Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			fmt.Printf("  %s: %v\n", f, hit.Fields[f])
		}
	}
	return nil
}
