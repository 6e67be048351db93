package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"go-sd-launcher/internal/api"
	"go-sd-launcher/internal/config"
	"go-sd-launcher/internal/downloader"
	"go-sd-launcher/internal/models"
	"go-sd-launcher/internal/platform"
	"go-sd-launcher/internal/settings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile        string
	logApiFlag     bool
	savePathFlag   string
	apiTimeoutFlag int
	tokenFlag      string

	globalConfig        models.Config
	globalHttpTransport http.RoundTripper = http.DefaultTransport
	detectedPlatform    platform.Info
)

var rootCmd = &cobra.Command{
	Use:   "sd-launcher",
	Short: "Fetch Stable Diffusion assets and expose the web UI through tunnels",
	Long: `sd-launcher downloads checkpoints, VAEs, LoRAs, ControlNet models and embeddings
from CivitAI or direct links into a web UI model tree, and supervises public
tunnels (ngrok, cloudflared, localtunnel, gradio) to the local UI port.`,
	PersistentPreRunE: loadGlobalConfig,
	SilenceUsage:      true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	defer func() {
		if lt, ok := globalHttpTransport.(*api.LoggingTransport); ok {
			if err := lt.Close(); err != nil {
				log.WithError(err).Error("Error closing API log file")
			}
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	pf.BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	pf.StringVar(&savePathFlag, "save-path", "", "Root of the model tree (overrides config)")
	pf.IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for API requests in seconds (overrides config)")
	pf.StringVar(&tokenFlag, "token", "", "CivitAI API token (overrides config and environment)")
	pf.String("log-level", "info", "Logging level (debug, info, warn, error)")
	pf.String("log-format", "text", "Logging format (text, json)")

	_ = viper.BindPFlag("loglevel", pf.Lookup("log-level"))
	_ = viper.BindPFlag("logformat", pf.Lookup("log-format"))
}

func initLogging() {
	level, err := log.ParseLevel(viper.GetString("loglevel"))
	if err != nil {
		log.WithError(err).Warn("Invalid log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch format := viper.GetString("logformat"); format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Warnf("Invalid log format '%s', using text", format)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// loadGlobalConfig resolves configuration in order: defaults, config file,
// .env and environment, settings store (token only), flags.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	initLogging()
	config.LoadDotEnv(".env")

	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		log.WithError(err).Warnf("Failed to load configuration from %s, using defaults", cfgFile)
		config.ApplyEnv(&globalConfig)
		config.ApplyDefaults(&globalConfig)
	}

	if globalConfig.CivitaiToken == "" {
		if st, serr := settings.Open(globalConfig.SettingsPath); serr == nil {
			globalConfig.CivitaiToken = st.GetString("civitai_token", "")
		} else {
			log.WithError(serr).Debug("Settings store unavailable")
		}
	}

	flags := cmd.Flags()
	if flags.Changed("token") && tokenFlag != "" {
		globalConfig.CivitaiToken = tokenFlag
	}
	if flags.Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
	}
	if flags.Changed("save-path") {
		if savePathFlag != "" {
			globalConfig.SavePath = savePathFlag
		} else {
			log.Warn("--save-path given but empty, ignoring")
		}
	}
	if flags.Changed("api-timeout") {
		if apiTimeoutFlag > 0 {
			globalConfig.ApiClientTimeoutSec = apiTimeoutFlag
		} else {
			log.Warnf("--api-timeout %d is not positive, keeping %d", apiTimeoutFlag, globalConfig.ApiClientTimeoutSec)
		}
	}

	detectedPlatform = platform.Detect()
	log.Debugf("Detected platform: %s", detectedPlatform.Name)

	globalHttpTransport = http.DefaultTransport
	if globalConfig.LogApiRequests {
		lt, lerr := api.NewLoggingTransport(http.DefaultTransport, "api.log")
		if lerr != nil {
			log.WithError(lerr).Error("API logging disabled")
		} else {
			log.Info("Logging API traffic to api.log")
			globalHttpTransport = lt
		}
	}
	return nil
}

func newAPIClient() *api.Client {
	hc := &http.Client{
		Timeout:   time.Duration(globalConfig.ApiClientTimeoutSec) * time.Second,
		Transport: globalHttpTransport,
	}
	c := api.NewClient(globalConfig.CivitaiToken, hc, globalConfig)
	c.RestrictNSFW = detectedPlatform.RestrictNSFW()
	return c
}

// newDownloader builds a downloader without an overall timeout; large
// checkpoints take as long as they take.
func newDownloader() *downloader.Downloader {
	d := downloader.NewDownloader(&http.Client{Transport: globalHttpTransport}, globalConfig.HuggingFaceToken)
	d.VerifyHashes = globalConfig.VerifyHashes
	return d
}
