package cmd

import (
	"errors"
	"fmt"

	"go-sd-launcher/internal/catalog"
	"go-sd-launcher/internal/models"

	"github.com/spf13/cobra"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Browse the curated model catalog",
}

var catalogListCmd = &cobra.Command{
	Use:   "list [CATEGORY...]",
	Short: "List catalog entries, optionally only for the given categories",
	RunE:  runCatalogList,
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogListCmd)
	catalogCmd.PersistentFlags().String("catalog", "", "Catalog TOML file (overrides config CatalogPath)")
}

func runCatalogList(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("catalog")
	if path == "" {
		path = globalConfig.CatalogPath
	}
	if path == "" {
		return errors.New("no catalog: pass --catalog or set CatalogPath")
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return err
	}

	categories := models.Categories
	if len(args) > 0 {
		categories = nil
		for _, a := range args {
			c, err := models.ParseCategory(a)
			if err != nil {
				return err
			}
			categories = append(categories, c)
		}
	}

	for _, c := range categories {
		names := cat.Names(c)
		fmt.Printf("%s (%d)\n", c, len(names))
		for _, n := range names {
			entry, _ := cat.Lookup(c, n)
			fmt.Printf("  %s  [%d file(s)]\n", n, len(entry.Files))
		}
	}
	return nil
}
