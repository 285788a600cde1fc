package cmd

import (
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/quarryhq/quarry/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the merged configuration: defaults, then the config file,
then QUARRY_-prefixed environment variables.`,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE:  runConfigInit,
}

var configInitPath string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().StringVar(&configInitPath, "path", "", "Target file (default: the user config dir)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to render config", err)
	}
	cmd.Print(string(b))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configInitPath
	if path == "" {
		path = config.DefaultPath()
	}
	if path == "" {
		return exitError(foundry.ExitFileWriteError, "Cannot determine config location", errors.New("user config dir unavailable"))
	}
	if err := config.WriteStarter(path); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write config", err)
	}
	cmd.Printf("wrote %s\n", path)
	return nil
}
