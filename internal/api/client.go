package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go-sd-launcher/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRequestFailed = errors.New("API request failed")
	ErrRateLimited   = errors.New("API rate limit exceeded")
	ErrUnauthorized  = errors.New("API request unauthorized (check token)")
	ErrNotFound      = errors.New("API resource not found")
	ErrServerError   = errors.New("API server error")
	ErrInvalidJSON   = errors.New("API returned invalid JSON")
)

const CivitaiApiBaseUrl = "https://civitai.com/api/v1"

// Client talks to the CivitAI REST API. Metadata responses are cached per
// client and every GET is retried with linear backoff.
type Client struct {
	BaseURL       string
	Token         string
	HttpClient    *http.Client
	RetryAttempts int
	RetryDelay    time.Duration

	// RestrictNSFW skips preview images at or above the Mature level.
	RestrictNSFW bool
	// PreviewWidth rewrites the width segment of preview URLs; 0 leaves them as is.
	PreviewWidth int

	// Sleep waits between attempts. Replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	cache *Cache
}

// NewClient creates a new API client from the loaded configuration.
func NewClient(token string, httpClient *http.Client, cfg models.Config) *Client {
	if httpClient == nil {
		timeout := cfg.ApiClientTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		httpClient = &http.Client{Timeout: time.Duration(timeout) * time.Second}
	}
	baseURL := cfg.ApiBaseURL
	if baseURL == "" {
		baseURL = CivitaiApiBaseUrl
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := time.Duration(cfg.RetryDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = 2 * time.Second
	}
	ttl := time.Duration(cfg.CacheTTLSec) * time.Second
	if ttl <= 0 {
		ttl = 300 * time.Second
	}

	return &Client{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		Token:         token,
		HttpClient:    httpClient,
		RetryAttempts: attempts,
		RetryDelay:    delay,
		PreviewWidth:  cfg.PreviewWidth,
		Sleep:         sleepContext,
		cache:         NewCache(ttl),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ClearCache drops every cached response.
func (c *Client) ClearCache() {
	c.cache.Clear()
	log.Debug("API cache cleared")
}

// CacheStats reports cache occupancy.
func (c *Client) CacheStats() CacheStats {
	return c.cache.Stats()
}

// Get fetches a JSON document. Cached bodies younger than the TTL are returned
// without a network call. Transport errors, 408/429, 5xx and undecodable bodies
// are retried; other 4xx responses fail immediately.
func (c *Client) Get(ctx context.Context, rawURL string, useCache bool) ([]byte, error) {
	if useCache {
		if body, ok := c.cache.Get(rawURL); ok {
			log.Debugf("Cache hit for %s", rawURL)
			return body, nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.RetryAttempts; attempt++ {
		body, status, err := c.doGet(ctx, rawURL)

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("%w: %v", ErrRequestFailed, err)
		case status == http.StatusOK:
			if json.Valid(body) {
				if useCache {
					c.cache.Put(rawURL, body)
				}
				return body, nil
			}
			lastErr = ErrInvalidJSON
		case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
			lastErr = fmt.Errorf("%w (status code %d)", ErrRateLimited, status)
		case status == http.StatusUnauthorized, status == http.StatusForbidden:
			log.Errorf("Request to %s unauthorized (status %d)", rawURL, status)
			return nil, ErrUnauthorized
		case status == http.StatusNotFound:
			log.Errorf("Resource %s not found", rawURL)
			return nil, ErrNotFound
		case status >= 500:
			lastErr = fmt.Errorf("%w (status code %d)", ErrServerError, status)
		default:
			log.Errorf("Request to %s failed with status %d", rawURL, status)
			return nil, fmt.Errorf("%w: status %d", ErrRequestFailed, status)
		}

		if attempt < c.RetryAttempts {
			wait := c.RetryDelay * time.Duration(attempt)
			log.WithError(lastErr).Warnf("Attempt %d/%d for %s failed, retrying in %s", attempt, c.RetryAttempts, rawURL, wait)
			if err := c.Sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}

	log.WithError(lastErr).Errorf("Request to %s failed after %d attempts", rawURL, c.RetryAttempts)
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRequestFailed, c.RetryAttempts, lastErr)
}

func (c *Client) doGet(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("error reading response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// getJSON runs Get and decodes the result into v.
func (c *Client) getJSON(ctx context.Context, rawURL string, v interface{}) error {
	body, err := c.Get(ctx, rawURL, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		log.Debugf("Response body causing unmarshal error: %s", string(body))
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}

// FetchMetadata returns the model-version document for versionID.
func (c *Client) FetchMetadata(ctx context.Context, versionID string) (*models.ModelVersion, error) {
	var v models.ModelVersion
	if err := c.getJSON(ctx, fmt.Sprintf("%s/model-versions/%s", c.BaseURL, versionID), &v); err != nil {
		return nil, fmt.Errorf("fetching metadata for version %s: %w", versionID, err)
	}
	return &v, nil
}

// FetchModel returns the model document for modelID, including its versions.
func (c *Client) FetchModel(ctx context.Context, modelID string) (*models.Model, error) {
	var m models.Model
	if err := c.getJSON(ctx, fmt.Sprintf("%s/models/%s", c.BaseURL, modelID), &m); err != nil {
		return nil, fmt.Errorf("fetching model %s: %w", modelID, err)
	}
	return &m, nil
}

// GetModelVersions lists the versions of a model, newest first as returned by the API.
func (c *Client) GetModelVersions(ctx context.Context, modelID string) ([]models.ModelVersion, error) {
	m, err := c.FetchModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return m.ModelVersions, nil
}

// FindBySHA256 looks up the model version a file with the given hash belongs to.
func (c *Client) FindBySHA256(ctx context.Context, hash string) (*models.ModelVersion, error) {
	var v models.ModelVersion
	if err := c.getJSON(ctx, fmt.Sprintf("%s/model-versions/by-hash/%s", c.BaseURL, strings.ToUpper(hash)), &v); err != nil {
		return nil, fmt.Errorf("looking up hash %s: %w", hash, err)
	}
	return &v, nil
}

// GetSHA256 returns the SHA256 of the version's first file, if any.
func GetSHA256(v *models.ModelVersion) string {
	if v == nil || len(v.Files) == 0 {
		return ""
	}
	return v.Files[0].Hashes.SHA256
}

// GetModelData resolves a page or download URL and fetches its version metadata.
func (c *Client) GetModelData(ctx context.Context, rawURL string) (*models.ModelVersion, error) {
	id, err := c.ResolveVersionID(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return c.FetchMetadata(ctx, id)
}
