package database

import (
	"bytes"
	"compress/gzip"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go-sd-launcher/internal/models"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not in the database.
var ErrNotFound = errors.New("key not found")

var gzipMagic = []byte{0x1f, 0x8b}

// DB is the download history store. Values are gzip-compressed JSON.
type DB struct {
	mu sync.RWMutex
	db *bitcask.Bitcask
}

// Open opens (or creates) the bitcask directory at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}
	b, err := bitcask.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening bitcask database at %s: %w", path, err)
	}
	log.Debugf("Database opened at %s", path)
	return &DB{db: b}, nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

func (d *DB) Has(key []byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.Has(key)
}

// Get returns the decompressed value stored under key.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	raw, err := d.db.Get(key)
	d.mu.RUnlock()
	if errors.Is(err, bitcask.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting key %s: %w", key, err)
	}
	return inflate(raw)
}

// Put compresses value and stores it under key.
func (d *DB) Put(key, value []byte) error {
	packed, err := deflate(value)
	if err != nil {
		return fmt.Errorf("compressing value for key %s: %w", key, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.db.Put(key, packed); err != nil {
		return fmt.Errorf("putting key %s: %w", key, err)
	}
	return nil
}

func (d *DB) Delete(key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.db.Has(key) {
		return ErrNotFound
	}
	if err := d.db.Delete(key); err != nil {
		return fmt.Errorf("deleting key %s: %w", key, err)
	}
	return nil
}

// Fold visits every key with its decompressed value. fn must not call back
// into the DB.
func (d *DB) Fold(fn func(key, value []byte) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.Fold(func(key []byte) error {
		raw, err := d.db.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Skipping unreadable key %s", key)
			return nil
		}
		value, err := inflate(raw)
		if err != nil {
			log.WithError(err).Warnf("Skipping corrupt value for key %s", key)
			return nil
		}
		return fn(key, value)
	})
}

// KeyForVersion is the history key of a CivitAI model version.
func KeyForVersion(versionID int) string {
	return "v_" + strconv.Itoa(versionID)
}

// KeyForURL is the history key of an asset without version metadata.
func KeyForURL(url string) string {
	sum := sha1.Sum([]byte(url))
	return "u_" + hex.EncodeToString(sum[:])
}

// KeyFor picks the history key for a descriptor.
func KeyFor(desc *models.Descriptor) string {
	if desc.VersionID > 0 {
		return KeyForVersion(desc.VersionID)
	}
	if desc.CleanURL != "" {
		return KeyForURL(desc.CleanURL)
	}
	return KeyForURL(desc.DownloadURL)
}

// PutRecord stores rec under rec.Key.
func (d *DB) PutRecord(rec models.DownloadRecord) error {
	if rec.Key == "" {
		return errors.New("download record has no key")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling record %s: %w", rec.Key, err)
	}
	return d.Put([]byte(rec.Key), data)
}

func (d *DB) GetRecord(key string) (models.DownloadRecord, error) {
	var rec models.DownloadRecord
	data, err := d.Get([]byte(key))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("unmarshalling record %s: %w", key, err)
	}
	return rec, nil
}

// Records returns every history entry, oldest first. Values that are not
// download records are skipped.
func (d *DB) Records() ([]models.DownloadRecord, error) {
	var out []models.DownloadRecord
	err := d.Fold(func(key, value []byte) error {
		var rec models.DownloadRecord
		if err := json.Unmarshal(value, &rec); err != nil || rec.Key == "" {
			log.Debugf("Skipping non-record key %s", key)
			return nil
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// Downloaded reports whether key has a completed record.
func (d *DB) Downloaded(key string) bool {
	rec, err := d.GetRecord(key)
	return err == nil && rec.Status == models.StatusDownloaded
}

func inflate(value []byte) ([]byte, error) {
	if !bytes.HasPrefix(value, gzipMagic) {
		return value, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func deflate(value []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(value); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
