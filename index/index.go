package index

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"go-sd-launcher/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "launcher.bleve"

// Item is one downloaded asset in the search index. Fields are searchable by
// their JSON names, e.g. '+category:lora +baseModel:SDXL'.
type Item struct {
	ID            string    `json:"id"`
	Category      string    `json:"category"`
	Name          string    `json:"name"`
	ModelName     string    `json:"modelName,omitempty"`
	VersionName   string    `json:"versionName,omitempty"`
	BaseModel     string    `json:"baseModel,omitempty"`
	Creator       string    `json:"creator,omitempty"`
	ModelType     string    `json:"modelType,omitempty"`
	TrainedWords  []string  `json:"trainedWords,omitempty"`
	FilePath      string    `json:"filePath"`
	DirectoryPath string    `json:"directoryPath"`
	SourceURL     string    `json:"sourceUrl"`
	SizeKB        float64   `json:"sizeKB,omitempty"`
	DownloadedAt  time.Time `json:"downloadedAt"`

	TorrentPath string `json:"torrentPath,omitempty"`
	MagnetLink  string `json:"magnetLink,omitempty"`
}

// ItemFromDescriptor builds the index entry for a finished download.
func ItemFromDescriptor(id string, desc *models.Descriptor, path string) Item {
	st := desc.State()
	at := st.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}
	return Item{
		ID:            id,
		Category:      string(desc.Category),
		Name:          desc.Name,
		ModelName:     desc.ModelName,
		VersionName:   desc.VersionName,
		BaseModel:     desc.BaseModel,
		Creator:       desc.Creator,
		ModelType:     desc.ModelType,
		TrainedWords:  append([]string(nil), desc.TrainedWords...),
		FilePath:      path,
		DirectoryPath: filepath.Dir(path),
		SourceURL:     desc.CleanURL,
		SizeKB:        float64(st.Size) / 1024,
		DownloadedAt:  at,
	}
}

// ItemFromRecord rebuilds an index entry from a history record.
func ItemFromRecord(rec models.DownloadRecord) Item {
	return Item{
		ID:            rec.Key,
		Category:      string(rec.Category),
		Name:          rec.Name,
		ModelName:     rec.ModelName,
		VersionName:   rec.VersionName,
		BaseModel:     rec.BaseModel,
		FilePath:      rec.FilePath,
		DirectoryPath: filepath.Dir(rec.FilePath),
		SourceURL:     rec.SourceURL,
		SizeKB:        float64(rec.SizeBytes) / 1024,
		DownloadedAt:  time.Unix(rec.Timestamp, 0),
		TorrentPath:   rec.TorrentPath,
		MagnetLink:    rec.MagnetLink,
	}
}

// OpenOrCreateIndex opens the index at indexPath, creating it on first use.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	idx, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("Creating new index at %s", indexPath)
		return bleve.New(indexPath, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, err
	}
	log.Debugf("Opened existing index at %s", indexPath)
	return idx, nil
}

// IndexItem adds or replaces an item.
func IndexItem(idx bleve.Index, item Item) error {
	return idx.Index(item.ID, item)
}

// SearchIndex runs a query-string search returning at most size hits with all stored fields.
func SearchIndex(idx bleve.Index, query string, size int) (*bleve.SearchResult, error) {
	req := bleve.NewSearchRequest(bleve.NewQueryStringQuery(query))
	if size > 0 {
		req.Size = size
	}
	req.Fields = []string{"*"}
	return idx.Search(req)
}

// DeleteIndex removes the index directory.
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Warnf("Deleting index at %s", indexPath)
	return os.RemoveAll(indexPath)
}
