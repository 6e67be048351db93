package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove leftover temporary files from the model tree",
	Long: `Recursively scans SavePath and removes *.tmp files left behind by interrupted
downloads. Optionally removes *.torrent and *-magnet.txt files as well.`,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolP("torrents", "t", false, "Also remove *.torrent files")
	cleanCmd.Flags().BoolP("magnets", "m", false, "Also remove *-magnet.txt files")
}

// cleanTarget reports which removable kind name is, or "".
func cleanTarget(name string, torrents, magnets bool) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tmp"):
		return ".tmp"
	case torrents && strings.HasSuffix(lower, ".torrent"):
		return ".torrent"
	case magnets && strings.HasSuffix(lower, "-magnet.txt"):
		return "-magnet.txt"
	}
	return ""
}

func runClean(cmd *cobra.Command, args []string) error {
	torrents, _ := cmd.Flags().GetBool("torrents")
	magnets, _ := cmd.Flags().GetBool("magnets")

	root := globalConfig.SavePath
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("cannot access SavePath %q: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("SavePath is not a directory: %s", root)
	}

	log.Infof("Scanning %s", root)
	removed := map[string]int{}
	failed := 0
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warnf("Error accessing %q during scan: %v", path, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		kind := cleanTarget(d.Name(), torrents, magnets)
		if kind == "" {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Errorf("Failed to remove %s: %v", path, err)
			failed++
			return nil
		}
		log.Infof("Removed %s", path)
		removed[kind]++
		return nil
	})
	if walkErr != nil {
		log.Errorf("Error walking %q: %v", root, walkErr)
	}

	var parts []string
	for _, kind := range []string{".tmp", ".torrent", "-magnet.txt"} {
		if n := removed[kind]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s file(s)", n, kind))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "0 files")
	}
	log.Infof("Clean complete. Removed: %s", strings.Join(parts, ", "))

	if failed > 0 || walkErr != nil {
		return fmt.Errorf("failed to remove %d file(s)", failed)
	}
	return nil
}
