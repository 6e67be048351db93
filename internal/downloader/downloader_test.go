package downloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"go-sd-launcher/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// chunkReader yields at most size bytes per Read and optionally fails after failAt bytes.
type chunkReader struct {
	data   []byte
	size   int
	failAt int
	pos    int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.failAt > 0 && c.pos >= c.failAt {
		return 0, errors.New("connection reset by peer")
	}
	if c.pos >= len(c.data) {
		return 0, io.EOF
	}
	n := c.size
	if n > len(p) {
		n = len(p)
	}
	if rest := len(c.data) - c.pos; n > rest {
		n = rest
	}
	copy(p, c.data[c.pos:c.pos+n])
	c.pos += n
	return n, nil
}

func stubClient(hits *int32, length int64, body func() io.Reader) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		return &http.Response{
			StatusCode:    http.StatusOK,
			Header:        http.Header{},
			ContentLength: length,
			Body:          io.NopCloser(body()),
			Request:       r,
		}, nil
	})}
}

type recorder struct {
	values   []float64
	messages []string
}

func (r *recorder) callback(p float64, msg string) {
	r.values = append(r.values, p)
	r.messages = append(r.messages, msg)
}

func newDesc(name string) *models.Descriptor {
	return &models.Descriptor{
		Name:        name,
		DownloadURL: "https://civitai.com/api/download/models/1?token=x",
		CleanURL:    "https://civitai.com/api/download/models/1",
	}
}

func TestStreamToFileProgressIsMonotonic(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 1000)
	d := NewDownloader(stubClient(nil, 1000, func() io.Reader {
		return &chunkReader{data: payload, size: 100}
	}), "")

	dest := filepath.Join(t.TempDir(), "Lora", "model.safetensors")
	desc := newDesc("model.safetensors")
	rec := &recorder{}

	require.NoError(t, d.StreamToFile(context.Background(), desc, dest, rec.callback))

	require.GreaterOrEqual(t, len(rec.values), 10)
	for i := 1; i < len(rec.values); i++ {
		assert.GreaterOrEqual(t, rec.values[i], rec.values[i-1], "progress went backwards at %d", i)
	}
	assert.Equal(t, 10.0, rec.values[0])
	assert.Equal(t, 100.0, rec.values[len(rec.values)-1])
	assert.Equal(t, "Download completed successfully!", rec.messages[len(rec.messages)-1])

	st := desc.State()
	assert.Equal(t, models.TransferCompleted, st.Status)
	assert.Equal(t, int64(1000), st.Size)
	assert.Equal(t, 100.0, st.Progress)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assertNoTempFiles(t, filepath.Dir(dest))
}

func TestStreamToFileIsIdempotent(t *testing.T) {
	var hits int32
	d := NewDownloader(stubClient(&hits, 3, func() io.Reader { return strings.NewReader("new") }), "")

	dest := filepath.Join(t.TempDir(), "existing.safetensors")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0644))

	desc := newDesc("existing.safetensors")
	rec := &recorder{}
	require.NoError(t, d.StreamToFile(context.Background(), desc, dest, rec.callback))
	require.NoError(t, d.StreamToFile(context.Background(), desc, dest, rec.callback))

	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
	assert.Equal(t, models.TransferCompleted, desc.Status())
	assert.Equal(t, []string{"File already exists", "File already exists"}, rec.messages)

	data, _ := os.ReadFile(dest)
	assert.Equal(t, "old", string(data))
}

func TestStreamToFileSecondCallAfterDownloadSkips(t *testing.T) {
	var hits int32
	d := NewDownloader(stubClient(&hits, 5, func() io.Reader { return strings.NewReader("hello") }), "")
	dest := filepath.Join(t.TempDir(), "f.bin")

	require.NoError(t, d.StreamToFile(context.Background(), newDesc("f.bin"), dest, nil))
	require.NoError(t, d.StreamToFile(context.Background(), newDesc("f.bin"), dest, nil))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestStreamToFileCleansUpOnFailure(t *testing.T) {
	payload := bytes.Repeat([]byte("b"), 1000)
	d := NewDownloader(stubClient(nil, 1000, func() io.Reader {
		return &chunkReader{data: payload, size: 100, failAt: 300}
	}), "")

	dir := t.TempDir()
	dest := filepath.Join(dir, "broken.safetensors")
	desc := newDesc("broken.safetensors")
	rec := &recorder{}

	err := d.StreamToFile(context.Background(), desc, dest, rec.callback)
	assert.ErrorIs(t, err, ErrHttpRequest)
	assert.NoFileExists(t, dest)
	assertNoTempFiles(t, dir)

	assert.Equal(t, models.TransferFailed, desc.Status())
	assert.Contains(t, desc.State().Error, "connection reset")
	assert.Equal(t, 0.0, rec.values[len(rec.values)-1])
	assert.True(t, strings.HasPrefix(rec.messages[len(rec.messages)-1], "Download failed:"))
}

func TestStreamToFileUnknownSize(t *testing.T) {
	d := NewDownloader(stubClient(nil, -1, func() io.Reader {
		return &chunkReader{data: []byte("unknown length body"), size: 4}
	}), "")
	dest := filepath.Join(t.TempDir(), "x.yaml")
	desc := newDesc("x.yaml")
	rec := &recorder{}

	require.NoError(t, d.StreamToFile(context.Background(), desc, dest, rec.callback))
	// Only the completion callback fires when percentages cannot be computed.
	assert.Equal(t, []float64{100}, rec.values)
	assert.Equal(t, int64(0), desc.State().Size)
}

func TestStreamToFileSizeMismatch(t *testing.T) {
	d := NewDownloader(stubClient(nil, 1000, func() io.Reader {
		return &chunkReader{data: bytes.Repeat([]byte("c"), 500), size: 100}
	}), "")
	dir := t.TempDir()
	desc := newDesc("short.bin")

	err := d.StreamToFile(context.Background(), desc, filepath.Join(dir, "short.bin"), nil)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assertNoTempFiles(t, dir)
	assert.Equal(t, models.TransferFailed, desc.Status())
}

func TestStreamToFileHttpError(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusForbidden, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("")), Request: r}, nil
	})}
	d := NewDownloader(client, "")
	desc := newDesc("gated.bin")

	err := d.StreamToFile(context.Background(), desc, filepath.Join(t.TempDir(), "gated.bin"), nil)
	assert.ErrorIs(t, err, ErrHttpStatus)
	assert.Equal(t, models.TransferFailed, desc.Status())
}

func TestStreamToFileVerifiesHash(t *testing.T) {
	body := []byte("verified payload")
	sum := sha256.Sum256(body)
	d := NewDownloader(stubClient(nil, int64(len(body)), func() io.Reader { return bytes.NewReader(body) }), "")
	d.VerifyHashes = true

	dir := t.TempDir()
	good := newDesc("good.bin")
	good.SHA256 = hex.EncodeToString(sum[:])
	require.NoError(t, d.StreamToFile(context.Background(), good, filepath.Join(dir, "good.bin"), nil))

	bad := newDesc("bad.bin")
	bad.SHA256 = strings.Repeat("0", 64)
	err := d.StreamToFile(context.Background(), bad, filepath.Join(dir, "bad.bin"), nil)
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.NoFileExists(t, filepath.Join(dir, "bad.bin"))
}

func TestHuggingFaceTokenOnlyForHuggingFace(t *testing.T) {
	var auth []string
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		auth = append(auth, r.Header.Get("Authorization"))
		return &http.Response{StatusCode: 200, Header: http.Header{}, ContentLength: 2, Body: io.NopCloser(strings.NewReader("ok")), Request: r}, nil
	})}
	d := NewDownloader(client, "hf_secret")
	dir := t.TempDir()

	hf := &models.Descriptor{Name: "a.bin", DownloadURL: "https://huggingface.co/org/repo/resolve/main/a.bin"}
	require.NoError(t, d.StreamToFile(context.Background(), hf, filepath.Join(dir, "a.bin"), nil))
	other := &models.Descriptor{Name: "b.bin", DownloadURL: "https://example.com/b.bin"}
	require.NoError(t, d.StreamToFile(context.Background(), other, filepath.Join(dir, "b.bin"), nil))

	assert.Equal(t, []string{"Bearer hf_secret", ""}, auth)
}

func TestDownloadPreview(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 32)...)
	var served []byte
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(bytes.NewReader(served)), Request: r}, nil
	})}
	d := NewDownloader(client, "")
	dir := t.TempDir()

	served = png
	desc := &models.Descriptor{Name: "m.safetensors", PreviewURL: "https://image.civitai.com/p.png", PreviewName: "m.preview.png"}
	require.NoError(t, d.DownloadPreview(context.Background(), desc, dir))
	assert.FileExists(t, filepath.Join(dir, "m.preview.png"))

	served = []byte("<html>not an image</html>")
	other := &models.Descriptor{Name: "n.safetensors", PreviewURL: "https://image.civitai.com/n.png", PreviewName: "n.preview.png"}
	assert.ErrorIs(t, d.DownloadPreview(context.Background(), other, dir), ErrNotImage)
	assert.NoFileExists(t, filepath.Join(dir, "n.preview.png"))

	assert.NoError(t, d.DownloadPreview(context.Background(), &models.Descriptor{Name: "none"}, dir))
}

func TestSaveModelInfo(t *testing.T) {
	dir := t.TempDir()
	desc := &models.Descriptor{
		Name:         "fancy.safetensors",
		ModelType:    "LORA",
		BaseModel:    "Pony",
		ModelID:      10,
		VersionID:    20,
		TrainedWords: []string{"one", "two"},
		SHA256:       "abc",
	}
	require.NoError(t, SaveModelInfo(desc, dir))

	data, err := os.ReadFile(filepath.Join(dir, "fancy.json"))
	require.NoError(t, err)
	var info ModelInfo
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, ModelInfo{
		ModelType:      "LORA",
		SDVersion:      "SDXL",
		ModelID:        10,
		ModelVersionID: 20,
		ActivationText: "one, two",
		SHA256:         "abc",
	}, info)

	// Existing files are left alone.
	desc.SHA256 = "changed"
	require.NoError(t, SaveModelInfo(desc, dir))
	data2, _ := os.ReadFile(filepath.Join(dir, "fancy.json"))
	assert.Equal(t, data, data2)
}

func TestSDVersion(t *testing.T) {
	tests := map[string]string{
		"SD 1.5":       "SD1",
		"SD 2.1":       "SD2",
		"SD 3.5 Large": "SD3",
		"SDXL 1.0":     "SDXL",
		"Illustrious":  "SDXL",
		"Flux.1 D":     "",
		"":             "",
	}
	for base, want := range tests {
		assert.Equal(t, want, SDVersion(base), base)
	}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
