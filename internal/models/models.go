package models

import (
	"fmt"
	"strings"
)

type (
	Config struct {
		// Connection/Auth
		CivitaiToken     string `toml:"CivitaiToken"`
		HuggingFaceToken string `toml:"HuggingFaceToken"`

		// Paths
		SavePath       string `toml:"SavePath"`
		DatabasePath   string `toml:"DatabasePath"`
		BleveIndexPath string `toml:"BleveIndexPath"`
		SettingsPath   string `toml:"SettingsPath"`
		CatalogPath    string `toml:"CatalogPath"`

		// API client behaviour
		ApiBaseURL          string `toml:"ApiBaseURL"`
		ApiClientTimeoutSec int    `toml:"ApiClientTimeoutSec"`
		RetryAttempts       int    `toml:"RetryAttempts"`
		RetryDelayMs        int    `toml:"RetryDelayMs"`
		CacheTTLSec         int    `toml:"CacheTTLSec"`

		// Downloader behaviour
		Concurrency   int  `toml:"Concurrency"`
		SavePreview   bool `toml:"SavePreview"`
		PreviewWidth  int  `toml:"PreviewWidth"`
		SaveModelInfo bool `toml:"SaveModelInfo"`
		VerifyHashes  bool `toml:"VerifyHashes"`

		// Other
		LogApiRequests bool `toml:"LogApiRequests"`

		Tunnel TunnelConfig `toml:"Tunnel"`
	}

	// TunnelConfig holds the supervisor-wide defaults from config.toml.
	TunnelConfig struct {
		Port                   int      `toml:"Port"`
		CheckLocalPort         bool     `toml:"CheckLocalPort"`
		TimeoutSec             int      `toml:"TimeoutSec"`
		HealthCheckIntervalSec int      `toml:"HealthCheckIntervalSec"`
		MaxRetries             int      `toml:"MaxRetries"`
		SecurityMode           string   `toml:"SecurityMode"`
		LogDir                 string   `toml:"LogDir"`
		Presets                []string `toml:"Presets"`
	}

	Model struct {
		ID            int            `json:"id"`
		Name          string         `json:"name"`
		Description   string         `json:"description"`
		Type          string         `json:"type"`
		Nsfw          bool           `json:"nsfw"`
		Creator       Creator        `json:"creator"`
		Tags          []string       `json:"tags"`
		ModelVersions []ModelVersion `json:"modelVersions"`
	}

	Stats struct {
		DownloadCount int     `json:"downloadCount"`
		RatingCount   int     `json:"ratingCount"`
		Rating        float64 `json:"rating"`
	}

	Creator struct {
		Username string `json:"username"`
		Image    string `json:"image"`
	}

	// Nested 'model' field in the /model-versions/{id} response.
	BaseModelInfo struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Nsfw bool   `json:"nsfw"`
		Poi  bool   `json:"poi"`
	}

	ModelVersion struct {
		ID                int           `json:"id"`
		ModelId           int           `json:"modelId"`
		Name              string        `json:"name"`
		PublishedAt       string        `json:"publishedAt"`
		TrainedWords      []string      `json:"trainedWords"`
		BaseModel         string        `json:"baseModel"`
		Availability      string        `json:"availability"`
		EarlyAccessEndsAt string        `json:"earlyAccessEndsAt"`
		Description       string        `json:"description"`
		Stats             Stats         `json:"stats"`
		Files             []File        `json:"files"`
		Images            []ModelImage  `json:"images"`
		DownloadUrl       string        `json:"downloadUrl"`
		Model             BaseModelInfo `json:"model"`
	}

	File struct {
		Name        string   `json:"name"`
		ID          int      `json:"id"`
		SizeKB      float64  `json:"sizeKB"`
		Type        string   `json:"type"`
		Metadata    Metadata `json:"metadata"`
		Hashes      Hashes   `json:"hashes"`
		DownloadUrl string   `json:"downloadUrl"`
		Primary     bool     `json:"primary"`
	}

	Metadata struct {
		Fp     string `json:"fp"`
		Size   string `json:"size"`
		Format string `json:"format"`
	}

	Hashes struct {
		AutoV2 string `json:"AutoV2"`
		SHA256 string `json:"SHA256"`
		CRC32  string `json:"CRC32"`
		BLAKE3 string `json:"BLAKE3"`
	}

	ModelImage struct {
		ID        int         `json:"id"`
		URL       string      `json:"url"`
		Width     int         `json:"width"`
		Height    int         `json:"height"`
		NsfwLevel interface{} `json:"nsfwLevel"` // number or string depending on endpoint
		Type      string      `json:"type"`
	}

	// DownloadRecord is the history entry stored in the database for each asset.
	DownloadRecord struct {
		Key          string   `json:"key"`
		Name         string   `json:"name"`
		Category     Category `json:"category"`
		ModelID      int      `json:"modelId,omitempty"`
		VersionID    int      `json:"versionId,omitempty"`
		ModelName    string   `json:"modelName,omitempty"`
		VersionName  string   `json:"versionName,omitempty"`
		BaseModel    string   `json:"baseModel,omitempty"`
		SourceURL    string   `json:"sourceUrl"`
		FilePath     string   `json:"filePath"`
		Folder       string   `json:"folder"`
		SHA256       string   `json:"sha256,omitempty"`
		SizeBytes    int64    `json:"sizeBytes"`
		Timestamp    int64    `json:"timestamp"`
		Status       string   `json:"status"`
		ErrorDetails string   `json:"errorDetails,omitempty"`
		TorrentPath  string   `json:"torrentPath,omitempty"`
		MagnetLink   string   `json:"magnetLink,omitempty"`
		BatchID      string   `json:"batchId,omitempty"`
	}
)

// Database Status Constants
const (
	StatusPending    = "Pending"
	StatusDownloaded = "Downloaded"
	StatusError      = "Error"
)

// Category is the asset kind a descriptor belongs to.
type Category string

const (
	CategoryCheckpoint Category = "checkpoint"
	CategoryVAE        Category = "vae"
	CategoryLoRA       Category = "lora"
	CategoryControlNet Category = "controlnet"
	CategoryEmbedding  Category = "embedding"
)

// Categories lists every known category in display order.
var Categories = []Category{CategoryCheckpoint, CategoryVAE, CategoryLoRA, CategoryControlNet, CategoryEmbedding}

// Dir returns the WebUI sub-directory assets of this category are stored in.
func (c Category) Dir() string {
	switch c {
	case CategoryVAE:
		return "VAE"
	case CategoryLoRA:
		return "Lora"
	case CategoryControlNet:
		return "ControlNet"
	case CategoryEmbedding:
		return "embeddings"
	default:
		return "Stable-diffusion"
	}
}

// ParseCategory accepts the category names used on the command line and in catalog files.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "checkpoint", "model", "ckpt":
		return CategoryCheckpoint, nil
	case "vae":
		return CategoryVAE, nil
	case "lora", "locon", "lycoris":
		return CategoryLoRA, nil
	case "controlnet", "cnet", "control":
		return CategoryControlNet, nil
	case "embedding", "embed", "emb", "textualinversion":
		return CategoryEmbedding, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// CategoryForType maps a CivitAI model type to a category.
func CategoryForType(modelType string) Category {
	switch strings.ToLower(modelType) {
	case "lora", "locon", "dora":
		return CategoryLoRA
	case "textualinversion":
		return CategoryEmbedding
	case "controlnet":
		return CategoryControlNet
	case "vae":
		return CategoryVAE
	default:
		return CategoryCheckpoint
	}
}

// NsfwLevelValue normalises the nsfwLevel field, which the API returns either
// as a bitmask number or as a level name.
func NsfwLevelValue(level interface{}) int {
	switch v := level.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		switch strings.ToLower(v) {
		case "none":
			return 1
		case "soft":
			return 2
		case "mature":
			return 4
		case "x", "xxx":
			return 8
		}
	}
	return 0
}
