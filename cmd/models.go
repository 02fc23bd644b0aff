package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nzrlabs/mcpd/app"
	"github.com/nzrlabs/mcpd/config"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Model related commands",
}

var modelsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List configured models and their state",
	RunE:  runModelsLs,
}

func init() {
	modelsCmd.AddCommand(modelsLsCmd)
	rootCmd.AddCommand(modelsCmd)
}

func runModelsLs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(svc.Registry.List())
}
