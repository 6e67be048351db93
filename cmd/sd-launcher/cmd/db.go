package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"go-sd-launcher/internal/database"
	"go-sd-launcher/internal/helpers"
	"go-sd-launcher/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the download history database",
}

var dbViewCmd = &cobra.Command{
	Use:   "view",
	Short: "List recorded downloads",
	RunE:  runDbView,
}

var dbVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check recorded downloads against the filesystem",
	Long: `Checks that every file recorded as downloaded still exists and, unless
--check-hash=false, that its SHA256 matches the value recorded at download time.`,
	RunE: runDbVerify,
}

var dbSearchCmd = &cobra.Command{
	Use:   "search [QUERY]",
	Short: "List recorded downloads whose name contains QUERY",
	Args:  cobra.ExactArgs(1),
	RunE:  runDbSearch,
}

var dbDeleteCmd = &cobra.Command{
	Use:   "delete [KEY]",
	Short: "Remove one history record (the file on disk is kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  runDbDelete,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbViewCmd, dbVerifyCmd, dbSearchCmd, dbDeleteCmd)

	dbViewCmd.Flags().String("status", "", "Only show records with this status (Pending, Downloaded, Error)")
	dbVerifyCmd.Flags().Bool("check-hash", true, "Verify SHA256 for files that exist")
}

func openDB() (*database.DB, error) {
	if globalConfig.DatabasePath == "" {
		return nil, errors.New("DatabasePath is not configured")
	}
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", globalConfig.DatabasePath, err)
	}
	return db, nil
}

func runDbView(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.Records()
	if err != nil {
		return err
	}
	status, _ := cmd.Flags().GetString("status")
	if status != "" {
		filtered := records[:0]
		for _, r := range records {
			if strings.EqualFold(r.Status, status) {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	printRecords(records)
	return nil
}

func printRecords(records []models.DownloadRecord) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Name\tCategory\tFolder\tSize\tStatus\tWhen\tKey")
	fmt.Fprintln(tw, "----\t--------\t------\t----\t------\t----\t---")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Name, r.Category, r.Folder, helpers.BytesToSize(uint64(r.SizeBytes)), r.Status,
			time.Unix(r.Timestamp, 0).Format("2006-01-02 15:04"), r.Key)
	}
	tw.Flush()
	fmt.Printf("\n%d record(s)\n", len(records))
}

func runDbVerify(cmd *cobra.Command, args []string) error {
	checkHash, _ := cmd.Flags().GetBool("check-hash")

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.Records()
	if err != nil {
		return err
	}

	var ok, missing, mismatched, skipped int
	for _, r := range records {
		if r.Status != models.StatusDownloaded {
			skipped++
			continue
		}
		if !helpers.FileExists(r.FilePath) {
			log.Warnf("Missing: %s (%s)", r.Name, r.FilePath)
			missing++
			continue
		}
		if checkHash && r.SHA256 != "" {
			if !helpers.CheckHash(r.FilePath, models.Hashes{SHA256: r.SHA256}) {
				log.Warnf("Hash mismatch: %s (%s)", r.Name, r.FilePath)
				mismatched++
				continue
			}
		}
		log.Debugf("OK: %s", r.FilePath)
		ok++
	}

	log.Infof("Verify complete: %d ok, %d missing, %d mismatched, %d not downloaded", ok, missing, mismatched, skipped)
	if missing+mismatched > 0 {
		return fmt.Errorf("%d recorded file(s) failed verification", missing+mismatched)
	}
	return nil
}

func runDbSearch(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.Records()
	if err != nil {
		return err
	}
	query := strings.ToLower(args[0])
	var matches []models.DownloadRecord
	for _, r := range records {
		if strings.Contains(strings.ToLower(r.Name), query) || strings.Contains(strings.ToLower(r.ModelName), query) {
			matches = append(matches, r)
		}
	}
	printRecords(matches)
	return nil
}

func runDbDelete(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Delete([]byte(args[0])); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("no record with key %s", args[0])
		}
		return err
	}
	log.Infof("Deleted record %s", args[0])
	return nil
}
