package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jasonlharvey/TrickHLA/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a federate configuration file",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	if err := validateCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
	}
}

func runValidate(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	slog.Info("Configuration is valid",
		"path", configPath,
		"federate", cfg.FederateName,
		"federation", cfg.GetFederation(),
		"threads", cfg.GetThreadCount(),
		"lists", len(cfg.SyncPointLists))
	return nil
}
