package library

import (
	"context"
	"path/filepath"
	"time"

	"go-sd-launcher/index"
	"go-sd-launcher/internal/batch"
	"go-sd-launcher/internal/database"
	"go-sd-launcher/internal/downloader"
	"go-sd-launcher/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

// Library is the local asset tree. It wraps a Downloader so every transfer
// leaves a history record, optional sidecar files and a search entry.
type Library struct {
	Root          string
	Downloader    *downloader.Downloader
	DB            *database.DB // optional
	Index         bleve.Index  // optional
	SavePreview   bool
	SaveModelInfo bool
}

// Dest is where desc lands: <root>/<category dir>/<name>.
func (l *Library) Dest(desc *models.Descriptor) string {
	return filepath.Join(l.Root, desc.Category.Dir(), desc.Name)
}

// StreamToFile downloads desc and books the result. Sidecar failures are
// logged and never fail the asset itself.
func (l *Library) StreamToFile(ctx context.Context, desc *models.Descriptor, dest string, progress models.ProgressFunc) error {
	rec := l.newRecord(ctx, desc, dest)
	l.save(rec)

	err := l.Downloader.StreamToFile(ctx, desc, dest, progress)
	rec.Timestamp = time.Now().Unix()
	if err != nil {
		rec.Status = models.StatusError
		rec.ErrorDetails = err.Error()
		l.save(rec)
		return err
	}

	dir := filepath.Dir(dest)
	if l.SavePreview {
		if perr := l.Downloader.DownloadPreview(ctx, desc, dir); perr != nil {
			log.WithError(perr).Warnf("Preview for %s not saved", desc.Name)
		}
	}
	if l.SaveModelInfo && desc.VersionID > 0 {
		if ierr := downloader.SaveModelInfo(desc, dir); ierr != nil {
			log.WithError(ierr).Warnf("Model info for %s not saved", desc.Name)
		}
	}

	rec.Status = models.StatusDownloaded
	rec.SizeBytes = desc.State().Downloaded
	l.save(rec)

	if l.Index != nil {
		if ierr := index.IndexItem(l.Index, index.ItemFromDescriptor(rec.Key, desc, dest)); ierr != nil {
			log.WithError(ierr).Warnf("Failed to index %s", desc.Name)
		}
	}
	return nil
}

func (l *Library) newRecord(ctx context.Context, desc *models.Descriptor, dest string) models.DownloadRecord {
	folder, err := filepath.Rel(l.Root, filepath.Dir(dest))
	if err != nil {
		folder = filepath.Dir(dest)
	}
	return models.DownloadRecord{
		Key:         database.KeyFor(desc),
		Name:        desc.Name,
		Category:    desc.Category,
		ModelID:     desc.ModelID,
		VersionID:   desc.VersionID,
		ModelName:   desc.ModelName,
		VersionName: desc.VersionName,
		BaseModel:   desc.BaseModel,
		SourceURL:   desc.CleanURL,
		FilePath:    dest,
		Folder:      folder,
		SHA256:      desc.SHA256,
		Timestamp:   time.Now().Unix(),
		Status:      models.StatusPending,
		BatchID:     batch.RunIDFrom(ctx),
	}
}

func (l *Library) save(rec models.DownloadRecord) {
	if l.DB == nil {
		return
	}
	if err := l.DB.PutRecord(rec); err != nil {
		log.WithError(err).Errorf("Failed to record %s as %s", rec.Name, rec.Status)
	}
}
