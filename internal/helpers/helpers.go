package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"math"
	"os"
	"strings"

	"go-sd-launcher/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// CheckHash verifies a file against the provided hashes (BLAKE3, CRC32, SHA256).
// The file is read once; it returns true if any provided hash matches.
func CheckHash(filepath string, hashes models.Hashes) bool {
	if hashes.BLAKE3 == "" && hashes.CRC32 == "" && hashes.SHA256 == "" {
		return false
	}
	file, err := os.Open(filepath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("Error opening file %s for hash check", filepath)
		}
		return false
	}
	defer file.Close()

	b3 := blake3.New()
	c32 := crc32.NewIEEE()
	s256 := sha256.New()
	if _, err := io.Copy(io.MultiWriter(b3, c32, s256), file); err != nil {
		log.WithError(err).Errorf("Error reading file %s for hash check", filepath)
		return false
	}

	checks := []struct {
		name     string
		expected string
		sum      hash.Hash
	}{
		{"BLAKE3", hashes.BLAKE3, b3},
		{"CRC32", hashes.CRC32, c32},
		{"SHA256", hashes.SHA256, s256},
	}
	for _, c := range checks {
		if c.expected == "" {
			continue
		}
		calculated := hex.EncodeToString(c.sum.Sum(nil))
		if strings.EqualFold(calculated, strings.TrimSpace(c.expected)) {
			log.WithField("hash", c.name).Debugf("Hash match for %s", filepath)
			return true
		}
		log.WithField("hash", c.name).Debugf("Hash mismatch for %s: expected %s, got %s", filepath, c.expected, calculated)
	}
	return false
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

// FormatSpeed renders a bytes-per-second rate in MB/s.
func FormatSpeed(bytesPerSec float64) string {
	return fmt.Sprintf("%.1f MB/s", bytesPerSec/(1024*1024))
}

// ConvertToSlug converts a string into a filesystem-friendly slug.
func ConvertToSlug(str string) string {
	str = strings.ReplaceAll(str, " ", "_")
	str = strings.ReplaceAll(str, ":", "-")
	str = strings.ToLower(str)

	allowedChars := "0123456789abcdefghijklmnopqrstuvwxyz._-"

	var filtered strings.Builder
	for _, ch := range str {
		if strings.ContainsRune(allowedChars, ch) {
			filtered.WriteRune(ch)
		}
	}
	str = filtered.String()

	for strings.Contains(str, "--") {
		str = strings.ReplaceAll(str, "--", "-")
	}
	for strings.Contains(str, "__") {
		str = strings.ReplaceAll(str, "__", "_")
	}
	str = strings.ReplaceAll(str, "-_", "-")
	str = strings.ReplaceAll(str, "_-", "-")

	return strings.Trim(str, "_-")
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
func CheckAndMakeDir(dir string) bool {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
