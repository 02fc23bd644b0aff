package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nzrlabs/mcpd/app"
	"github.com/nzrlabs/mcpd/config"
	"github.com/nzrlabs/mcpd/core/mcp"
)

var (
	predictContextID string
	predictPayload   string
)

var predictCmd = &cobra.Command{
	Use:   "predict <model>",
	Short: "Run a single prediction against a configured model",
	Args:  cobra.ExactArgs(1),
	RunE:  runPredict,
}

func init() {
	predictCmd.Flags().StringVar(&predictContextID, "context", "", "context id to continue")
	predictCmd.Flags().StringVarP(&predictPayload, "payload", "p", "", "request payload as JSON")
	rootCmd.AddCommand(predictCmd)
}

func runPredict(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	payload := map[string]any{}
	if predictPayload != "" {
		if err := json.Unmarshal([]byte(predictPayload), &payload); err != nil {
			return fmt.Errorf("parse payload: %w", err)
		}
	}

	resp := svc.Dispatcher.Dispatch(cmd.Context(), "cli", args[0], mcp.Request{
		ContextID: predictContextID,
		Payload:   payload,
	})
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("prediction failed: %s", resp.Error)
	}
	return nil
}
