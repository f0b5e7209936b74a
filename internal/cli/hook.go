package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/rednebmas/mem/internal/hooks"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Handle Claude Code hook events",
}

var hookStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Handle SessionStart: inject the topics document as context",
	// Hooks must never break a session, so this command never fails.
	Run: func(cmd *cobra.Command, args []string) {
		url, fallback := "", ""
		if cfg, err := loadConfig(); err == nil {
			if os.Getenv("MEM_URL") == "" {
				url = "http://" + cfg.ListenAddr()
			}
			fallback = cfg.TopicsOutputPath()
		}
		hooks.Start(context.Background(), hooks.NewClient(url), fallback, os.Stdin, os.Stdout, os.Stderr)
	},
}

func init() {
	hookCmd.AddCommand(hookStartCmd)
}
