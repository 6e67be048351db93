package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"go-sd-launcher/internal/api"
	"go-sd-launcher/internal/helpers"
	"go-sd-launcher/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [URL...]",
	Short: "Show what a CivitAI URL would download, without downloading it",
	Long: `Resolves each URL to a model version, fetches its metadata and prints the
descriptor the download command would use. --sha256 looks a file up by hash
instead; --versions lists every version of a model id.`,
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().String("sha256", "", "Look up a model version by file SHA256")
	resolveCmd.Flags().Int("versions", 0, "List the versions of this model id")
}

func runResolve(cmd *cobra.Command, args []string) error {
	client := newAPIClient()
	ctx := cmd.Context()
	hash, _ := cmd.Flags().GetString("sha256")
	modelID, _ := cmd.Flags().GetInt("versions")

	if hash == "" && modelID == 0 && len(args) == 0 {
		return errors.New("pass at least one URL, --sha256 or --versions")
	}

	failed := 0
	if hash != "" {
		v, err := client.FindBySHA256(ctx, strings.ToLower(hash))
		if err != nil {
			log.WithError(err).Errorf("No version found for %s", hash)
			failed++
		} else {
			printVersion(v)
		}
	}

	if modelID > 0 {
		versions, err := client.GetModelVersions(ctx, strconv.Itoa(modelID))
		if err != nil {
			log.WithError(err).Errorf("Listing versions of model %d failed", modelID)
			failed++
		} else {
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "Version ID\tName\tBase Model\tPublished\tSHA256")
			for i := range versions {
				v := &versions[i]
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", v.ID, v.Name, v.BaseModel, v.PublishedAt, api.GetSHA256(v))
			}
			tw.Flush()
		}
	}

	for _, u := range args {
		if !api.IsCivitaiURL(u) {
			log.Errorf("%s is not a CivitAI URL", u)
			failed++
			continue
		}
		d, err := client.ValidateAndBuild(ctx, u, "")
		if err != nil {
			log.WithError(err).Errorf("Resolving %s failed", u)
			failed++
			continue
		}
		printDescriptor(d)
	}

	st := client.CacheStats()
	log.Debugf("Metadata cache: %d entries (%d valid, %d expired, ttl %s)", st.Total, st.Valid, st.Expired, st.TTL)

	if failed > 0 {
		return fmt.Errorf("%d lookup(s) failed", failed)
	}
	return nil
}

func printDescriptor(d *models.Descriptor) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Name:\t%s\n", d.Name)
	fmt.Fprintf(tw, "Model:\t%s (%d)\n", d.ModelName, d.ModelID)
	fmt.Fprintf(tw, "Version:\t%s (%d)\n", d.VersionName, d.VersionID)
	fmt.Fprintf(tw, "Type:\t%s -> %s\n", d.ModelType, d.Category.Dir())
	fmt.Fprintf(tw, "Base model:\t%s\n", d.BaseModel)
	fmt.Fprintf(tw, "Size:\t%s\n", helpers.BytesToSize(uint64(d.SizeKB*1024)))
	fmt.Fprintf(tw, "SHA256:\t%s\n", d.SHA256)
	if len(d.TrainedWords) > 0 {
		fmt.Fprintf(tw, "Trigger words:\t%s\n", strings.Join(d.TrainedWords, ", "))
	}
	if d.PreviewURL != "" {
		fmt.Fprintf(tw, "Preview:\t%s\n", d.PreviewName)
	}
	fmt.Fprintf(tw, "Download:\t%s\n", d.CleanURL)
	tw.Flush()
	fmt.Println()
}

func printVersion(v *models.ModelVersion) {
	fmt.Printf("%s / %s (version %d, model %d)\n", v.Model.Name, v.Name, v.ID, v.ModelId)
	fmt.Printf("  type: %s, base model: %s\n", v.Model.Type, v.BaseModel)
	for _, f := range v.Files {
		fmt.Printf("  file: %s (%s)\n", f.Name, helpers.BytesToSize(uint64(f.SizeKB*1024)))
	}
}
