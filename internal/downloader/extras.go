package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go-sd-launcher/internal/helpers"
	"go-sd-launcher/internal/models"

	"github.com/gabriel-vasile/mimetype"
	log "github.com/sirupsen/logrus"
)

var ErrNotImage = errors.New("preview response is not an image")

const maxPreviewBytes = 32 << 20

// DownloadPreview stores desc's preview image as dir/desc.PreviewName.
// Descriptors without a preview and already present files are no-ops.
func (d *Downloader) DownloadPreview(ctx context.Context, desc *models.Descriptor, dir string) error {
	if desc.PreviewURL == "" || desc.PreviewName == "" {
		return nil
	}
	dest := filepath.Join(dir, desc.PreviewName)
	if helpers.FileExists(dest) {
		return nil
	}
	if !helpers.CheckAndMakeDir(dir) {
		return fmt.Errorf("%w: failed to create %s", ErrFileSystem, dir)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.PreviewURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHttpRequest, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetching preview: %v", ErrHttpRequest, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: preview returned %d", ErrHttpStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPreviewBytes))
	if err != nil {
		return fmt.Errorf("%w: reading preview: %v", ErrHttpRequest, err)
	}
	mt := mimetype.Detect(body)
	if !strings.HasPrefix(mt.String(), "image/") {
		return fmt.Errorf("%w: got %s", ErrNotImage, mt.String())
	}

	if err := writeAtomic(dest, body); err != nil {
		return err
	}
	log.Infof("Saved preview %s (%s)", dest, mt.String())
	return nil
}

// ModelInfo is the sidecar JSON written next to a downloaded asset.
type ModelInfo struct {
	ModelType      string `json:"model_type"`
	SDVersion      string `json:"sd_version"`
	ModelID        int    `json:"modelId"`
	ModelVersionID int    `json:"modelVersionId"`
	ActivationText string `json:"activation_text"`
	SHA256         string `json:"sha256"`
}

var baseModelVersions = []struct{ marker, version string }{
	{"SD 1", "SD1"},
	{"SD 2", "SD2"},
	{"SD 3", "SD3"},
	{"SDXL", "SDXL"},
	{"Pony", "SDXL"},
	{"Illustrious", "SDXL"},
}

// SDVersion maps a CivitAI base model tag to the WebUI sd_version value.
func SDVersion(baseModel string) string {
	for _, m := range baseModelVersions {
		if strings.Contains(baseModel, m.marker) {
			return m.version
		}
	}
	return ""
}

// SaveModelInfo writes dir/<stem>.json for desc unless it already exists.
func SaveModelInfo(desc *models.Descriptor, dir string) error {
	dest := filepath.Join(dir, strings.TrimSuffix(desc.Name, filepath.Ext(desc.Name))+".json")
	if helpers.FileExists(dest) {
		return nil
	}
	if !helpers.CheckAndMakeDir(dir) {
		return fmt.Errorf("%w: failed to create %s", ErrFileSystem, dir)
	}
	info := ModelInfo{
		ModelType:      desc.ModelType,
		SDVersion:      SDVersion(desc.BaseModel),
		ModelID:        desc.ModelID,
		ModelVersionID: desc.VersionID,
		ActivationText: strings.Join(desc.TrainedWords, ", "),
		SHA256:         desc.SHA256,
	}
	data, err := json.MarshalIndent(info, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding model info: %w", err)
	}
	if err := writeAtomic(dest, data); err != nil {
		return err
	}
	log.Infof("Saved model info: %s", dest)
	return nil
}

func writeAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	return nil
}
