package database

import (
	"path/filepath"
	"testing"

	"go-sd-launcher/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetCompressed(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put([]byte("k"), []byte("hello hello hello")))

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "hello hello hello", string(got))
	assert.True(t, db.Has([]byte("k")))

	require.NoError(t, db.Delete([]byte("k")))
	_, err = db.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.Delete([]byte("k")), ErrNotFound)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "v_128713", KeyForVersion(128713))
	k := KeyForURL("https://huggingface.co/a/b.safetensors")
	assert.Len(t, k, 42)
	assert.Equal(t, k, KeyForURL("https://huggingface.co/a/b.safetensors"))

	assert.Equal(t, "v_5", KeyFor(&models.Descriptor{VersionID: 5, CleanURL: "https://x"}))
	assert.Equal(t, KeyForURL("https://x"), KeyFor(&models.Descriptor{CleanURL: "https://x", DownloadURL: "https://x?token=t"}))
	assert.Equal(t, KeyForURL("https://y"), KeyFor(&models.Descriptor{DownloadURL: "https://y"}))
}

func TestRecords(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.PutRecord(models.DownloadRecord{Key: "v_2", Name: "b.safetensors", Timestamp: 20, Status: models.StatusDownloaded}))
	require.NoError(t, db.PutRecord(models.DownloadRecord{Key: "v_1", Name: "a.safetensors", Timestamp: 10, Status: models.StatusError}))
	require.NoError(t, db.Put([]byte("unrelated"), []byte("not json")))
	assert.Error(t, db.PutRecord(models.DownloadRecord{Name: "keyless"}))

	recs, err := db.Records()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a.safetensors", recs[0].Name)
	assert.Equal(t, "b.safetensors", recs[1].Name)

	rec, err := db.GetRecord("v_2")
	require.NoError(t, err)
	assert.Equal(t, int64(20), rec.Timestamp)

	assert.True(t, db.Downloaded("v_2"))
	assert.False(t, db.Downloaded("v_1"))
	assert.False(t, db.Downloaded("v_404"))
}
