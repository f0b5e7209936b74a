package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rednebmas/mem/internal/config"
	"github.com/rednebmas/mem/internal/logging"
	"github.com/rednebmas/mem/internal/pipeline"
)

var instanceFlag string

var rootCmd = &cobra.Command{
	Use:   "mem",
	Short: "Keep a living topic tree of what you have been doing",
	Long: "mem collects your recent activity, routes it into a hierarchy of topics with a language model, " +
		"keeps a short summary per topic and renders the active ones to a markdown document.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&instanceFlag, "instance", "i", "",
		"instance directory (default $MEM_INSTANCE or ~/.mem)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reseedCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(holdsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hookCmd)
}

// instanceDir resolves the instance directory: flag, then MEM_INSTANCE,
// then ~/.mem.
func instanceDir(flag string) string {
	if flag != "" {
		return config.ExpandHome(flag)
	}
	if env := os.Getenv("MEM_INSTANCE"); env != "" {
		return config.ExpandHome(env)
	}
	return config.ExpandHome(filepath.Join("~", ".mem"))
}

func loadConfig() (*config.Config, error) {
	return config.Load(instanceDir(instanceFlag))
}

// openInstance loads the instance config and wires everything a command
// needs. Callers must Close the instance and Sync the logger.
func openInstance() (*pipeline.Instance, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Debug)
	if err != nil {
		return nil, nil, err
	}
	logger = logger.With(zap.String("instance", cfg.Name))
	inst, err := pipeline.Open(cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, nil, fmt.Errorf("open instance %s: %w", cfg.Dir, err)
	}
	return inst, logger, nil
}
