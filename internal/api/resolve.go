package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go-sd-launcher/internal/models"

	log "github.com/sirupsen/logrus"
)

var (
	ErrInvalidURL     = errors.New("invalid URL")
	ErrUnsupportedURL = errors.New("unsupported URL format")
	ErrEarlyAccess    = errors.New("model version is in early access")
	ErrNoFiles        = errors.New("model version has no downloadable files")
)

var (
	modelPageRe   = regexp.MustCompile(`civitai\.com/models/(\d+)`)
	downloadURLRe = regexp.MustCompile(`/api/download/models/(\d+)`)
	widthRe       = regexp.MustCompile(`/width=\d+/`)
)

// Model types that ship preview images worth keeping next to the asset.
var previewTypes = map[string]bool{
	"Checkpoint":        true,
	"TextualInversion":  true,
	"LORA":              true,
	"Hypernetwork":      true,
	"AestheticGradient": true,
}

var skippedPreviewExts = map[string]bool{".gif": true, ".mp4": true, ".webm": true}

// ResolveVersionID extracts the model version id from a CivitAI URL. Accepted
// shapes are a URL carrying modelVersionId, a model page (first listed version
// is fetched), and a direct /api/download/models/<id> link.
func (c *Client) ResolveVersionID(ctx context.Context, rawURL string) (string, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		log.Errorf("Invalid URL (no http/https scheme): %q", rawURL)
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		log.WithError(err).Errorf("Invalid URL %q", rawURL)
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if id := u.Query().Get("modelVersionId"); id != "" {
		if _, err := strconv.Atoi(id); err == nil {
			return id, nil
		}
	}

	if m := modelPageRe.FindStringSubmatch(rawURL); m != nil {
		model, err := c.FetchModel(ctx, m[1])
		if err != nil {
			return "", err
		}
		if len(model.ModelVersions) == 0 {
			log.Errorf("Model %s has no versions", m[1])
			return "", fmt.Errorf("%w: model %s has no versions", ErrNotFound, m[1])
		}
		return strconv.Itoa(model.ModelVersions[0].ID), nil
	}

	if m := downloadURLRe.FindStringSubmatch(u.Path); m != nil {
		return m[1], nil
	}

	log.Errorf("Unsupported URL format: %s", rawURL)
	return "", fmt.Errorf("%w: %s", ErrUnsupportedURL, rawURL)
}

// IsEarlyAccess reports whether a version is gated. An explicit EarlyAccess
// availability always gates; an end timestamp gates only while it lies in the
// future or cannot be parsed.
func IsEarlyAccess(v *models.ModelVersion, now time.Time) bool {
	if strings.EqualFold(v.Availability, "EarlyAccess") {
		return true
	}
	if v.EarlyAccessEndsAt == "" {
		return false
	}
	ends, err := time.Parse(time.RFC3339, v.EarlyAccessEndsAt)
	if err != nil {
		return true
	}
	return ends.After(now)
}

// ValidateAndBuild resolves rawURL, fetches its metadata and packages
// everything needed to download the asset into a pending Descriptor.
// An explicit filename wins over the one from metadata; if it has no
// extension the metadata file's extension is appended.
func (c *Client) ValidateAndBuild(ctx context.Context, rawURL, filename string) (*models.Descriptor, error) {
	id, err := c.ResolveVersionID(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	v, err := c.FetchMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsEarlyAccess(v, time.Now()) {
		log.Warnf("Model version %s (%s) is in early access, skipping", id, v.Model.Name)
		return nil, fmt.Errorf("%w: version %s", ErrEarlyAccess, id)
	}

	file, hasFile := primaryFile(v)
	name := filename
	switch {
	case name == "" && !hasFile:
		return nil, fmt.Errorf("%w: version %s", ErrNoFiles, id)
	case name == "":
		name = file.Name
	case filepath.Ext(name) == "" && hasFile:
		name += filepath.Ext(file.Name)
	}
	if err := checkFileName(name); err != nil {
		return nil, err
	}

	rawDownload := v.DownloadUrl
	if hasFile && file.DownloadUrl != "" {
		rawDownload = file.DownloadUrl
	}
	if rawDownload == "" {
		return nil, fmt.Errorf("%w: version %s has no download URL", ErrNoFiles, id)
	}
	clean, err := StripToken(rawDownload)
	if err != nil {
		return nil, err
	}

	d := &models.Descriptor{
		DownloadURL:  WithToken(clean, c.Token),
		CleanURL:     clean,
		Name:         name,
		Category:     models.CategoryForType(v.Model.Type),
		ModelType:    v.Model.Type,
		VersionID:    v.ID,
		ModelID:      v.ModelId,
		ModelName:    v.Model.Name,
		VersionName:  v.Name,
		BaseModel:    v.BaseModel,
		TrainedWords: v.TrainedWords,
	}
	if hasFile {
		d.SHA256 = strings.ToLower(file.Hashes.SHA256)
		d.SizeKB = file.SizeKB
	}
	if previewTypes[v.Model.Type] {
		d.PreviewURL, d.PreviewName = c.SelectPreview(v.Images, name)
	}

	log.WithFields(log.Fields{
		"version": v.ID,
		"model":   v.Model.Name,
		"type":    v.Model.Type,
	}).Debugf("Built descriptor for %s", name)
	return d, nil
}

func primaryFile(v *models.ModelVersion) (models.File, bool) {
	for _, f := range v.Files {
		if f.Primary {
			return f, true
		}
	}
	if len(v.Files) > 0 {
		return v.Files[0], true
	}
	return models.File{}, false
}

// SelectPreview picks the first still image for assetName and returns its
// (possibly width-rewritten) URL plus the "<stem>.preview.<ext>" file name.
func (c *Client) SelectPreview(images []models.ModelImage, assetName string) (string, string) {
	for _, img := range images {
		if img.URL == "" || strings.EqualFold(img.Type, "video") {
			continue
		}
		if c.RestrictNSFW && models.NsfwLevelValue(img.NsfwLevel) >= 4 {
			continue
		}
		u, err := url.Parse(img.URL)
		if err != nil {
			continue
		}
		ext := strings.ToLower(path.Ext(u.Path))
		if skippedPreviewExts[ext] {
			continue
		}
		if ext == "" {
			ext = ".png"
		}
		previewURL := img.URL
		if c.PreviewWidth > 0 {
			previewURL = widthRe.ReplaceAllString(previewURL, fmt.Sprintf("/width=%d/", c.PreviewWidth))
		}
		stem := strings.TrimSuffix(assetName, filepath.Ext(assetName))
		return previewURL, stem + ".preview" + ext
	}
	return "", ""
}

// StripToken removes any token query parameter from rawURL.
func StripToken(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	q := u.Query()
	q.Del("token")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// WithToken appends token as a query parameter. cleanURL must already be stripped.
func WithToken(cleanURL, token string) string {
	if token == "" {
		return cleanURL
	}
	sep := "?"
	if strings.Contains(cleanURL, "?") {
		sep = "&"
	}
	return cleanURL + sep + "token=" + url.QueryEscape(token)
}

// DescriptorFromDirect builds a descriptor for a non-CivitAI URL such as a
// HuggingFace resolve link. No metadata is fetched.
func DescriptorFromDirect(rawURL, name string, category models.Category) (*models.Descriptor, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	if name == "" {
		base, _ := url.PathUnescape(path.Base(u.Path))
		if base == "" || base == "/" || base == "." {
			return nil, fmt.Errorf("%w: cannot derive a file name from %q", ErrInvalidURL, rawURL)
		}
		name = base
	}
	if err := checkFileName(name); err != nil {
		return nil, err
	}
	clean, err := StripToken(rawURL)
	if err != nil {
		return nil, err
	}
	return &models.Descriptor{
		DownloadURL: clean,
		CleanURL:    clean,
		Name:        name,
		Category:    category,
	}, nil
}

// checkFileName rejects names that are not a single path element, so a
// name from metadata, a catalog or the command line stays inside its
// category directory.
func checkFileName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return fmt.Errorf("%w: unsafe file name %q", ErrInvalidURL, name)
	}
	return nil
}

// IsCivitaiURL reports whether rawURL points at civitai.com.
func IsCivitaiURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "civitai.com" || strings.HasSuffix(host, ".civitai.com")
}
