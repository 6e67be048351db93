package cmd

import (
	"fmt"

	"go-sd-launcher/internal/settings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and write the local settings store",
	Long: `The settings store is a JSON document at SettingsPath addressed by dotted keys,
e.g. civitai_token, which is used when neither config nor environment has a token.`,
}

var settingsGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print a setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := settings.Open(globalConfig.SettingsPath)
		if err != nil {
			return err
		}
		v := st.Get(args[0])
		if v == nil {
			return fmt.Errorf("%s is not set", args[0])
		}
		fmt.Println(v)
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Store a setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := settings.Open(globalConfig.SettingsPath)
		if err != nil {
			return err
		}
		st.Set(args[0], args[1])
		if err := st.Save(); err != nil {
			return err
		}
		log.Infof("Saved %s to %s", args[0], st.Path())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)
}
