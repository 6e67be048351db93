package cmd

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go-sd-launcher/index"
	"go-sd-launcher/internal/helpers"
	"go-sd-launcher/internal/models"
	"go-sd-launcher/internal/torrent"

	"github.com/gammazero/workerpool"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	announceURLs      []string
	torrentOutputDir  string
	overwriteTorrents bool
	writeMagnets      bool
	torrentWorkers    int
)

var torrentCmd = &cobra.Command{
	Use:   "torrent",
	Short: "Generate .torrent files for downloaded assets",
	Long: `Generates BitTorrent metainfo for every asset recorded as downloaded in the
history database. The torrent path and magnet link are written back to the record
and to the search index.`,
	RunE: runTorrent,
}

func init() {
	rootCmd.AddCommand(torrentCmd)

	f := torrentCmd.Flags()
	f.StringSliceVar(&announceURLs, "announce", nil, "Tracker announce URL (repeatable, required)")
	f.StringVarP(&torrentOutputDir, "output-dir", "o", "", "Directory for .torrent files (default: next to each asset)")
	f.BoolVarP(&overwriteTorrents, "overwrite", "f", false, "Regenerate existing .torrent files")
	f.BoolVar(&writeMagnets, "magnet-links", false, "Also write <name>-magnet.txt files")
	f.IntVarP(&torrentWorkers, "concurrency", "c", 4, "Parallel torrent builders")
}

func runTorrent(cmd *cobra.Command, args []string) error {
	if len(announceURLs) == 0 {
		return errors.New("at least one --announce URL is required")
	}
	if torrentWorkers <= 0 {
		log.Warnf("Invalid concurrency %d, using 4", torrentWorkers)
		torrentWorkers = 4
	}
	if torrentOutputDir != "" && !helpers.CheckAndMakeDir(torrentOutputDir) {
		return fmt.Errorf("cannot create output directory %s", torrentOutputDir)
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		log.WithError(err).Warn("Search index unavailable, torrent links will only be recorded in the database")
	} else {
		defer closeIndex(idx)
	}

	records, err := db.Records()
	if err != nil {
		return err
	}

	opts := torrent.Options{
		Trackers:  announceURLs,
		OutputDir: torrentOutputDir,
		Overwrite: overwriteTorrents,
		Magnet:    writeMagnets,
	}

	var succeeded, failed atomic.Int64
	var mu sync.Mutex // serializes record and index updates
	wp := workerpool.New(torrentWorkers)
	for _, rec := range records {
		if rec.Status != models.StatusDownloaded {
			continue
		}
		rec := rec
		wp.Submit(func() {
			logger := log.WithField("key", rec.Key)
			res, err := torrent.Generate(rec.FilePath, opts)
			if err != nil {
				logger.WithError(err).Errorf("Torrent for %s failed", rec.Name)
				failed.Add(1)
				return
			}
			if res.Skipped {
				logger.Infof("Reusing %s", res.TorrentPath)
			} else {
				logger.Infof("Wrote %s", res.TorrentPath)
			}
			succeeded.Add(1)

			rec.TorrentPath = res.TorrentPath
			rec.MagnetLink = res.MagnetURI
			mu.Lock()
			defer mu.Unlock()
			if err := db.PutRecord(rec); err != nil {
				logger.WithError(err).Warn("Failed to update record with torrent info")
			}
			if idx != nil {
				item := index.ItemFromRecord(rec)
				if err := index.IndexItem(idx, item); err != nil {
					logger.WithError(err).Warn("Failed to update index with torrent info")
				}
			}
		})
	}
	wp.StopWait()

	log.Infof("Torrent generation finished: %d ok, %d failed", succeeded.Load(), failed.Load())
	if failed.Load() > 0 {
		return fmt.Errorf("%d torrent(s) failed", failed.Load())
	}
	return nil
}
