package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"go-sd-launcher/internal/tunnel"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Expose the local web UI port through public tunnels",
	Long: `Starts one or more tunnel processes (ngrok, cloudflared, localtunnel, gradio or a
custom command), prints the public URLs once every tunnel reported one or the
timeout elapsed, then keeps them health-checked until interrupted.

Without --preset or --command the presets recommended for the detected
platform are used, or every preset whose executable is installed when the
platform has no recommendation.`,
	Example: `  sd-launcher tunnel --port 7860 --preset cloudflared
  sd-launcher tunnel --command "bore local {port} --to bore.pub" --pattern "bore\.pub:\d+" --name bore`,
	RunE: runTunnel,
}

var tunnelPresetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the built-in tunnel presets",
	Run: func(cmd *cobra.Command, args []string) {
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "Name\tPriority\tSecurity\tCommand")
		for _, p := range tunnel.Presets() {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", p.Name, p.Priority, p.Security, p.Command)
		}
		tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(tunnelCmd)
	tunnelCmd.AddCommand(tunnelPresetsCmd)

	f := tunnelCmd.Flags()
	f.IntP("port", "p", 0, "Local port to expose (overrides config)")
	f.StringArray("preset", nil, "Preset to start (repeatable)")
	f.String("command", "", "Custom tunnel command; {port} is replaced")
	f.String("pattern", "", "Regular expression matching the custom tunnel's public URL")
	f.String("name", "custom", "Name of the custom tunnel")
	f.Duration("timeout", 0, "How long to wait for URLs before printing (overrides config, negative waits forever)")
	f.Bool("check-port", false, "Wait for the local port to accept connections first (overrides config)")
	f.Bool("no-live", false, "Do not render the live status table")

	_ = viper.BindPFlag("tunnel.port", f.Lookup("port"))
	_ = viper.BindPFlag("tunnel.timeout", f.Lookup("timeout"))
}

func tunnelOptions(cmd *cobra.Command) tunnel.Options {
	tc := globalConfig.Tunnel
	opts := tunnel.Options{
		Port:           tc.Port,
		CheckLocalPort: tc.CheckLocalPort,
		Timeout:        time.Duration(tc.TimeoutSec) * time.Second,
		HealthInterval: time.Duration(tc.HealthCheckIntervalSec) * time.Second,
		MaxRetries:     tc.MaxRetries,
		Security:       tc.SecurityMode,
		LogDir:         tc.LogDir,
		Platform:       detectedPlatform,
		Output:         os.Stdout,
	}
	if p := viper.GetInt("tunnel.port"); p > 0 {
		opts.Port = p
	}
	if cmd.Flags().Changed("timeout") {
		opts.Timeout = viper.GetDuration("tunnel.timeout")
	}
	if cmd.Flags().Changed("check-port") {
		opts.CheckLocalPort, _ = cmd.Flags().GetBool("check-port")
	}
	return opts
}

func runTunnel(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	presets, _ := f.GetStringArray("preset")
	command, _ := f.GetString("command")
	pattern, _ := f.GetString("pattern")
	name, _ := f.GetString("name")
	noLive, _ := f.GetBool("no-live")

	opts := tunnelOptions(cmd)
	if opts.Port <= 0 {
		return errors.New("no port: pass --port or set Tunnel.Port")
	}
	sup := tunnel.New(opts)
	log.Infof("Platform: %s, exposing port %d", detectedPlatform.Name, opts.Port)

	onURL := func(url, note, tunnelName string) {
		log.WithField("tunnel", tunnelName).Infof("Public URL: %s", url)
	}

	if len(presets) == 0 && command == "" {
		presets = globalConfig.Tunnel.Presets
	}
	var addErrs []error
	if len(presets) == 0 && command == "" {
		if len(detectedPlatform.RecommendedTunnels) > 0 {
			if _, err := sup.AddRecommended(onURL); err != nil {
				addErrs = append(addErrs, err)
			}
		} else {
			for _, p := range tunnel.Presets() {
				presets = append(presets, p.Name)
			}
		}
	}
	for _, p := range presets {
		spec, err := tunnel.PresetSpec(p, onURL)
		if err != nil {
			return err
		}
		if _, err := sup.AddTunnel(spec); err != nil {
			addErrs = append(addErrs, err)
		}
	}
	if command != "" {
		if pattern == "" {
			return errors.New("--command needs --pattern")
		}
		spec := tunnel.Spec{Name: name, Command: command, Pattern: pattern, Callback: onURL}
		if _, err := sup.AddTunnel(spec); err != nil {
			if !errors.Is(err, tunnel.ErrCommandNotFound) {
				return err
			}
			addErrs = append(addErrs, err)
		}
	}
	for _, err := range addErrs {
		log.WithError(err).Warn("Tunnel not available")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sup.Stop(); err != nil && !errors.Is(err, tunnel.ErrNotRunning) {
			log.WithError(err).Error("Stopping tunnels")
		}
	}()

	select {
	case <-sup.Printed():
	case <-ctx.Done():
		return nil
	}

	if noLive {
		<-ctx.Done()
		return nil
	}

	writer := uilive.New()
	writer.Start()
	defer writer.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		renderStatus(writer, sup.StatusSummary())
		select {
		case <-ctx.Done():
			fmt.Fprintln(writer, "Shutting down tunnels...")
			return nil
		case <-ticker.C:
		}
	}
}

func renderStatus(w io.Writer, sum tunnel.Summary) {
	now := time.Now()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Tunnels on %s: %d connected, %d failed, %d total (Ctrl+C to stop)\n",
		sum.Platform, sum.Connected, sum.Failed, sum.Total)
	fmt.Fprintln(tw, "Name\tStage\tURL\tUptime\tRetries\tError")
	for _, st := range sum.Tunnels {
		uptime := "-"
		if d := st.Uptime(now); d > 0 {
			uptime = d.Truncate(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			st.Name, st.Stage, st.URL, uptime, st.RetryCount, st.MaxRetries, st.Error)
	}
	tw.Flush()
}
