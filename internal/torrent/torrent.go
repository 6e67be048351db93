package torrent

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
)

const pieceLength = 512 * 1024

var ErrNoSource = errors.New("torrent source does not exist")

// Options controls where and how metainfo is written.
type Options struct {
	Trackers  []string
	OutputDir string // empty: next to the source
	Overwrite bool
	Magnet    bool // also write <name>-magnet.txt
}

// Result describes what Generate produced.
type Result struct {
	TorrentPath string
	MagnetURI   string
	MagnetPath  string
	Skipped     bool
}

// Generate builds a .torrent for a downloaded file or folder. An existing
// torrent is reused unless Overwrite is set; its magnet link is still returned.
func Generate(source string, opts Options) (Result, error) {
	stat, err := os.Stat(source)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, fmt.Errorf("%w: %s", ErrNoSource, source)
	}
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", source, err)
	}

	outDir := opts.OutputDir
	if outDir == "" {
		outDir = source
		if !stat.IsDir() {
			outDir = filepath.Dir(source)
		}
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return Result{}, fmt.Errorf("creating output directory %s: %w", outDir, err)
	}
	stem := strings.TrimSuffix(stat.Name(), filepath.Ext(stat.Name()))
	if stat.IsDir() {
		stem = stat.Name()
	}
	res := Result{TorrentPath: filepath.Join(outDir, stem+".torrent")}

	var mi *metainfo.MetaInfo
	if _, err := os.Stat(res.TorrentPath); err == nil && !opts.Overwrite {
		log.WithField("path", res.TorrentPath).Info("Reusing existing torrent file")
		mi, err = metainfo.LoadFromFile(res.TorrentPath)
		if err != nil {
			return Result{}, fmt.Errorf("loading existing torrent %s: %w", res.TorrentPath, err)
		}
		res.Skipped = true
	} else {
		mi, err = build(source, opts.Trackers)
		if err != nil {
			return Result{}, err
		}
		if err := write(res.TorrentPath, mi); err != nil {
			return Result{}, err
		}
		log.WithField("path", res.TorrentPath).Info("Generated torrent file")
	}

	res.MagnetURI = magnetURI(mi.HashInfoBytes().HexString(), stat.Name(), opts.Trackers)
	if opts.Magnet {
		res.MagnetPath = filepath.Join(outDir, stem+"-magnet.txt")
		if err := os.WriteFile(res.MagnetPath, []byte(res.MagnetURI), 0644); err != nil {
			log.WithError(err).WithField("path", res.MagnetPath).Error("Failed to write magnet link file")
			res.MagnetPath = ""
		}
	}
	return res, nil
}

func build(source string, trackers []string) (*metainfo.MetaInfo, error) {
	mi := &metainfo.MetaInfo{CreatedBy: "go-sd-launcher"}
	for _, tr := range trackers {
		mi.AnnounceList = append(mi.AnnounceList, []string{tr})
	}
	if len(trackers) > 0 {
		mi.Announce = trackers[0]
	}

	info := metainfo.Info{PieceLength: pieceLength}
	if err := info.BuildFromFilePath(source); err != nil {
		return nil, fmt.Errorf("building torrent info from %s: %w", source, err)
	}
	var err error
	mi.InfoBytes, err = bencode.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encoding torrent info: %w", err)
	}
	return mi, nil
}

func write(path string, mi *metainfo.MetaInfo) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating torrent file %s: %w", path, err)
	}
	if err := mi.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("writing torrent file %s: %w", path, err)
	}
	return f.Close()
}

func magnetURI(infoHash, name string, trackers []string) string {
	parts := []string{"magnet:?xt=urn:btih:" + infoHash, "dn=" + url.QueryEscape(name)}
	for _, tr := range trackers {
		parts = append(parts, "tr="+url.QueryEscape(tr))
	}
	return strings.Join(parts, "&")
}
