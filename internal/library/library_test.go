package library

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go-sd-launcher/index"
	"go-sd-launcher/internal/batch"
	"go-sd-launcher/internal/database"
	"go-sd-launcher/internal/downloader"
	"go-sd-launcher/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func newServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/model.safetensors", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tensor-bytes"))
	})
	mux.HandleFunc("/preview.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngHeader)
	})
	mux.HandleFunc("/missing.safetensors", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newLibrary(t *testing.T) *Library {
	t.Helper()
	root := t.TempDir()
	db, err := database.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	idx, err := index.OpenOrCreateIndex(filepath.Join(t.TempDir(), "idx.bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	return &Library{
		Root:          root,
		Downloader:    downloader.NewDownloader(nil, ""),
		DB:            db,
		Index:         idx,
		SavePreview:   true,
		SaveModelInfo: true,
	}
}

func TestStreamToFileRecordsEverything(t *testing.T) {
	srv := newServer(t)
	lib := newLibrary(t)

	desc := &models.Descriptor{
		DownloadURL: srv.URL + "/model.safetensors",
		CleanURL:    srv.URL + "/model.safetensors",
		Name:        "MyLora.safetensors",
		Category:    models.CategoryLoRA,
		VersionID:   99,
		ModelID:     7,
		ModelType:   "LORA",
		BaseModel:   "SDXL 1.0",
		PreviewURL:  srv.URL + "/preview.png",
		PreviewName: "MyLora.preview.png",
	}
	dest := lib.Dest(desc)
	assert.Equal(t, filepath.Join(lib.Root, "Lora", "MyLora.safetensors"), dest)

	require.NoError(t, lib.StreamToFile(context.Background(), desc, dest, nil))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "tensor-bytes", string(data))
	assert.FileExists(t, filepath.Join(lib.Root, "Lora", "MyLora.preview.png"))
	assert.FileExists(t, filepath.Join(lib.Root, "Lora", "MyLora.json"))

	rec, err := lib.DB.GetRecord("v_99")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDownloaded, rec.Status)
	assert.Equal(t, "Lora", rec.Folder)
	assert.Equal(t, int64(len("tensor-bytes")), rec.SizeBytes)

	res, err := index.SearchIndex(lib.Index, "+category:lora", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Total)
}

func TestStreamToFileRecordsFailure(t *testing.T) {
	srv := newServer(t)
	lib := newLibrary(t)
	lib.Index = nil

	desc := &models.Descriptor{
		DownloadURL: srv.URL + "/missing.safetensors",
		CleanURL:    srv.URL + "/missing.safetensors",
		Name:        "missing.vae.safetensors",
		Category:    models.CategoryVAE,
	}
	err := lib.StreamToFile(context.Background(), desc, lib.Dest(desc), nil)
	require.ErrorIs(t, err, downloader.ErrHttpStatus)

	rec, err := lib.DB.GetRecord(database.KeyFor(desc))
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, rec.Status)
	assert.NotEmpty(t, rec.ErrorDetails)
	assert.NoFileExists(t, lib.Dest(desc))
}

func TestLibraryAsBatchStreamer(t *testing.T) {
	srv := newServer(t)
	lib := newLibrary(t)
	lib.SavePreview = false

	ok := &models.Descriptor{DownloadURL: srv.URL + "/model.safetensors", CleanURL: srv.URL + "/model.safetensors", Name: "a.safetensors", Category: models.CategoryCheckpoint}
	bad := &models.Descriptor{DownloadURL: srv.URL + "/missing.safetensors", CleanURL: srv.URL + "/missing.safetensors", Name: "b.safetensors", Category: models.CategoryCheckpoint}

	c := batch.New(lib, 2)
	results := c.DownloadMultiple(context.Background(), []batch.Item{
		{Descriptor: ok, Dest: lib.Dest(ok)},
		{Descriptor: bad, Dest: lib.Dest(bad)},
	}, nil)
	assert.Equal(t, map[string]bool{"a.safetensors": true, "b.safetensors": false}, results)

	rec, err := lib.DB.GetRecord(database.KeyFor(ok))
	require.NoError(t, err)
	assert.Equal(t, c.RunID(), rec.BatchID)
	assert.Equal(t, "Stable-diffusion", rec.Folder)
}
