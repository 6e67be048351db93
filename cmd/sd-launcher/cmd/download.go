package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go-sd-launcher/index"
	"go-sd-launcher/internal/api"
	"go-sd-launcher/internal/batch"
	"go-sd-launcher/internal/catalog"
	"go-sd-launcher/internal/database"
	"go-sd-launcher/internal/library"
	"go-sd-launcher/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
)

var downloadCmd = &cobra.Command{
	Use:   "download [URL...]",
	Short: "Download assets from CivitAI, HuggingFace or a catalog",
	Long: `Downloads one or more assets into the model tree. CivitAI model pages and
download links are resolved through the API; any other http(s) URL is fetched
as-is into the directory of --category. Catalog entries are picked with
--select (exact name, leading number, or ALL).`,
	Example: `  sd-launcher download https://civitai.com/models/4384
  sd-launcher download --category vae https://huggingface.co/x/y/resolve/main/vae.safetensors
  sd-launcher download --catalog data/catalog.toml --category checkpoint --select 1 --select 3`,
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	f := downloadCmd.Flags()
	f.String("category", string(models.CategoryCheckpoint), "Category for direct URLs and catalog selections (checkpoint, vae, lora, controlnet, embedding)")
	f.String("name", "", "File name for a single URL (defaults to the remote name)")
	f.String("catalog", "", "Catalog TOML file (overrides config CatalogPath)")
	f.StringArray("select", nil, "Catalog entry to download (repeatable)")
	f.IntP("concurrency", "c", 0, "Parallel downloads, capped at 3 (overrides config)")
	f.Bool("preview", false, "Save preview images (overrides config)")
	f.Bool("model-info", false, "Write <name>.json model info files (overrides config)")
	f.Bool("verify", false, "Verify SHA256 after download (overrides config)")
	f.Bool("no-db", false, "Do not record downloads in the history database")

	_ = viper.BindPFlag("download.concurrency", f.Lookup("concurrency"))
}

func runDownload(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f := cmd.Flags()
	category, err := models.ParseCategory(mustString(f.GetString("category")))
	if err != nil {
		return err
	}
	if f.Changed("preview") {
		globalConfig.SavePreview, _ = f.GetBool("preview")
	}
	if f.Changed("model-info") {
		globalConfig.SaveModelInfo, _ = f.GetBool("model-info")
	}
	if f.Changed("verify") {
		globalConfig.VerifyHashes, _ = f.GetBool("verify")
	}
	concurrency := globalConfig.Concurrency
	if n := viper.GetInt("download.concurrency"); n > 0 {
		concurrency = n
	}

	client := newAPIClient()
	descs, err := collectDescriptors(ctx, client, args, category, f.Changed("category"), mustString(f.GetString("name")),
		mustString(f.GetString("catalog")), mustStrings(f.GetStringArray("select")))
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		return errors.New("nothing to download: pass URLs or --catalog with --select")
	}

	lib := &library.Library{
		Root:          globalConfig.SavePath,
		Downloader:    newDownloader(),
		SavePreview:   globalConfig.SavePreview,
		SaveModelInfo: globalConfig.SaveModelInfo,
	}
	if noDB, _ := f.GetBool("no-db"); !noDB {
		db, err := database.Open(globalConfig.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()
		lib.DB = db

		idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
		if err != nil {
			log.WithError(err).Warn("Search index unavailable, downloads will not be indexed")
		} else {
			defer closeIndex(idx)
			lib.Index = idx
		}
	}

	items := make([]batch.Item, 0, len(descs))
	for _, d := range descs {
		items = append(items, batch.Item{Descriptor: d, Dest: lib.Dest(d)})
	}
	results := runBatch(ctx, lib, items, concurrency)

	failed := 0
	for _, ok := range results {
		if !ok {
			failed++
		}
	}
	log.Infof("Download finished: %d succeeded, %d failed", len(results)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(results))
	}
	return nil
}

// runBatch drives the coordinator with one progress bar per item.
func runBatch(ctx context.Context, streamer batch.Streamer, items []batch.Item, workers int) map[string]bool {
	progress := mpb.NewWithContext(ctx, mpb.WithWidth(60))
	bars := make(map[string]*mpb.Bar, len(items))
	for _, it := range items {
		name := it.Descriptor.Name
		if _, dup := bars[name]; dup {
			continue
		}
		bars[name] = progress.AddBar(100,
			mpb.PrependDecorators(
				decor.Name(name, decor.WC{W: 40, C: decor.DidentRight}),
			),
			mpb.AppendDecorators(
				decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done"),
			),
		)
	}

	c := batch.New(streamer, workers)
	c.ItemProgress = func(name string, pct float64, _ string) {
		if bar, ok := bars[name]; ok {
			bar.SetCurrent(int64(pct))
		}
	}
	results := c.DownloadMultiple(ctx, items, func(completed, total int, name string) {
		log.Debugf("[%d/%d] %s finished", completed, total, name)
	})

	for name, bar := range bars {
		if results[name] {
			bar.SetCurrent(100)
		} else {
			bar.Abort(false)
		}
	}
	progress.Wait()
	return results
}

// collectDescriptors turns URLs and catalog selections into descriptors.
// A URL that fails to resolve is logged and skipped so the rest can proceed.
// CivitAI assets keep the category of their model type unless the category
// was chosen explicitly or they come from a catalog section.
func collectDescriptors(ctx context.Context, client *api.Client, urls []string, category models.Category, forceCategory bool, name, catalogPath string, selections []string) ([]*models.Descriptor, error) {
	type source struct {
		url, name string
		force     bool
	}
	var sources []source

	if len(urls) == 1 {
		sources = append(sources, source{url: urls[0], name: name, force: forceCategory})
	} else {
		if name != "" {
			log.Warn("--name ignored with more than one URL")
		}
		for _, u := range urls {
			sources = append(sources, source{url: u, force: forceCategory})
		}
	}

	if len(selections) > 0 {
		if catalogPath == "" {
			catalogPath = globalConfig.CatalogPath
		}
		if catalogPath == "" {
			return nil, errors.New("--select needs --catalog or CatalogPath in config")
		}
		cat, err := catalog.Load(catalogPath)
		if err != nil {
			return nil, err
		}
		entries, err := cat.Select(category, selections)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			for _, file := range e.Files {
				sources = append(sources, source{url: file.URL, name: file.Name, force: true})
			}
		}
	}

	var descs []*models.Descriptor
	for _, s := range sources {
		var d *models.Descriptor
		var err error
		if api.IsCivitaiURL(s.url) {
			d, err = client.ValidateAndBuild(ctx, s.url, s.name)
			if d != nil && s.force {
				d.Category = category
			}
		} else {
			d, err = api.DescriptorFromDirect(s.url, s.name, category)
		}
		if err != nil {
			log.WithError(err).Errorf("Skipping %s", s.url)
			continue
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func closeIndex(idx bleve.Index) {
	if err := idx.Close(); err != nil {
		log.WithError(err).Error("Error closing search index")
	}
}

func mustString(s string, _ error) string { return s }

func mustStrings(s []string, _ error) []string { return s }
