// Package commands provides the CLI commands for agenthost.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abdulrahman305/jetbrains/internal/config"
	"github.com/abdulrahman305/jetbrains/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	workDir   string
	printLogs bool
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "agenthost",
	Short: "Host an agent process and serve its webviews",
	Long: `agenthost starts an agent process, speaks JSON-RPC with it over stdio
and serves the webviews it creates from a local HTTP origin.

Run 'agenthost serve' to start the host.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Workspace directory (defaults to the current directory)")
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print human-readable logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR), overrides the config")

	rootCmd.SetVersionTemplate(fmt.Sprintf("agenthost %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(initCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// loadConfig resolves the configuration for the workspace and applies the
// global flags on top.
func loadConfig() (*config.Config, string, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, "", err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if printLogs {
		cfg.Log.Pretty = true
	}
	return cfg, dir, nil
}

// initLogging configures the global logger from cfg.
func initLogging(cfg *config.Config) {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(cfg.Log.Level)
	lc.Pretty = cfg.Log.Pretty
	lc.LogToFile = cfg.Log.File
	lc.LogDir = cfg.Log.Dir
	if lc.LogDir == "" {
		lc.LogDir = config.GetPaths().LogDir()
	}
	logging.Init(lc)
}
