package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-sd-launcher/internal/helpers"
	"go-sd-launcher/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Downloader Errors
var (
	ErrHashMismatch = errors.New("downloaded file hash mismatch")
	ErrSizeMismatch = errors.New("downloaded size does not match Content-Length")
	ErrHttpStatus   = errors.New("unexpected HTTP status code")
	ErrFileSystem   = errors.New("filesystem error")
	ErrHttpRequest  = errors.New("HTTP request creation/execution error")
)

// ChunkSize is the read size used while streaming a body to disk.
const ChunkSize = 8192

// Downloader streams remote files to disk and keeps a descriptor's transfer
// state in sync with the bytes written.
type Downloader struct {
	client  *http.Client
	hfToken string

	// VerifyHashes checks the descriptor's SHA256 before the temp file is renamed.
	VerifyHashes bool
}

// NewDownloader creates a new Downloader instance. hfToken is sent as a bearer
// token to huggingface.co only.
func NewDownloader(client *http.Client, hfToken string) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	return &Downloader{client: client, hfToken: hfToken}
}

func notify(progress models.ProgressFunc, pct float64, msg string) {
	if progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Progress callback panicked: %v", r)
		}
	}()
	progress(pct, msg)
}

// StreamToFile downloads desc.DownloadURL into dest. An existing dest is treated
// as already downloaded. The body is written to a temp file in the same
// directory and renamed into place only after a complete transfer; any error
// removes the partial file and marks desc failed.
func (d *Downloader) StreamToFile(ctx context.Context, desc *models.Descriptor, dest string, progress models.ProgressFunc) (err error) {
	if info, statErr := os.Stat(dest); statErr == nil && info.Mode().IsRegular() {
		if desc.Status() == "" || desc.Status() == models.TransferPending {
			_ = desc.MarkPresent(info.Size())
		}
		log.Infof("File already exists: %s", dest)
		notify(progress, 100, "File already exists")
		return nil
	}

	var tempPath string
	defer func() {
		if err == nil {
			return
		}
		if tempPath != "" {
			if rmErr := os.Remove(tempPath); rmErr != nil && !os.IsNotExist(rmErr) {
				log.WithError(rmErr).Warnf("Failed to remove partial file %s", tempPath)
			}
		}
		desc.Fail(err)
		log.WithError(err).Errorf("Download failed: %s", desc.Name)
		notify(progress, 0, fmt.Sprintf("Download failed: %v", err))
	}()

	dir := filepath.Dir(dest)
	if !helpers.CheckAndMakeDir(dir) {
		return fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, dir)
	}

	if err := desc.Begin(0); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.DownloadURL, nil)
	if err != nil {
		return fmt.Errorf("%w: creating download request: %v", ErrHttpRequest, err)
	}
	if d.hfToken != "" && isHuggingFace(req.URL.Hostname()) {
		req.Header.Set("Authorization", "Bearer "+d.hfToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: performing request for %s: %v", ErrHttpRequest, desc.CleanURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, desc.CleanURL)
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}
	desc.SetSize(size)

	tempFile, err := os.CreateTemp(dir, filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temporary file: %v", ErrFileSystem, err)
	}
	tempPath = tempFile.Name()

	log.Infof("Downloading %s (%s)", desc.Name, sizeLabel(size))
	written, err := d.copyChunks(tempFile, resp.Body, desc, size, progress)
	if closeErr := tempFile.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("%w: closing temp file: %v", ErrFileSystem, closeErr)
	}
	if err != nil {
		return err
	}
	if size > 0 && written != size {
		return fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, written, size)
	}

	if d.VerifyHashes && desc.SHA256 != "" {
		if !helpers.CheckHash(tempPath, models.Hashes{SHA256: desc.SHA256}) {
			return ErrHashMismatch
		}
		log.Debugf("Hash verified for %s", desc.Name)
	}

	if err := os.Rename(tempPath, dest); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %v", ErrFileSystem, tempPath, dest, err)
	}
	tempPath = ""

	if err := desc.Complete(); err != nil {
		return err
	}
	st := desc.State()
	log.WithFields(log.Fields{
		"bytes":    written,
		"duration": st.FinishedAt.Sub(st.StartedAt).Round(time.Millisecond),
		"speed":    helpers.FormatSpeed(st.Speed),
	}).Infof("Downloaded %s", dest)
	notify(progress, 100, "Download completed successfully!")
	return nil
}

func (d *Downloader) copyChunks(w io.Writer, r io.Reader, desc *models.Descriptor, size int64, progress models.ProgressFunc) (int64, error) {
	buf := make([]byte, ChunkSize)
	start := time.Now()
	var written int64
	lastLogged := -1

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("%w: writing chunk: %v", ErrFileSystem, err)
			}
			written += int64(n)
			st := desc.Advance(written, time.Since(start))
			if size > 0 {
				notify(progress, st.Progress, fmt.Sprintf("Downloading... %s, ETA %s", helpers.FormatSpeed(st.Speed), st.ETA))
				if decile := int(st.Progress) / 10; decile > lastLogged {
					lastLogged = decile
					log.Debugf("%s: %.0f%% (%s)", desc.Name, st.Progress, helpers.FormatSpeed(st.Speed))
				}
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("%w: reading body: %v", ErrHttpRequest, readErr)
		}
	}
}

func isHuggingFace(host string) bool {
	host = strings.ToLower(host)
	return host == "huggingface.co" || strings.HasSuffix(host, ".huggingface.co")
}

func sizeLabel(size int64) string {
	if size <= 0 {
		return "unknown size"
	}
	return helpers.BytesToSize(uint64(size))
}
