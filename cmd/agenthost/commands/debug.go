package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abdulrahman305/jetbrains/internal/config"
	"github.com/abdulrahman305/jetbrains/internal/host"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debug utilities",
	Long:  `Debug utilities for troubleshooting agenthost configuration and setup.`,
}

var debugConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	RunE:  runDebugConfig,
}

var debugPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show system paths",
	RunE:  runDebugPaths,
}

var debugThemeCmd = &cobra.Command{
	Use:   "theme <file>",
	Short: "Parse a theme file and print it",
	Args:  cobra.ExactArgs(1),
	RunE:  runDebugTheme,
}

func init() {
	debugCmd.AddCommand(debugConfigCmd)
	debugCmd.AddCommand(debugPathsCmd)
	debugCmd.AddCommand(debugThemeCmd)
}

func runDebugConfig(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
	}
	return nil
}

func runDebugPaths(cmd *cobra.Command, args []string) error {
	paths := config.GetPaths()
	out := cmd.OutOrStdout()
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "agenthost paths:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:   %s\n", paths.Config)
	fmt.Fprintf(out, "  State:    %s\n", paths.State)
	fmt.Fprintf(out, "  Logs:     %s\n", paths.LogDir())
	fmt.Fprintf(out, "  Global:   %s\n", config.GlobalConfigPath())
	fmt.Fprintf(out, "  Project:  %s\n", config.ProjectConfigPath(dir))
	return nil
}

func runDebugTheme(cmd *cobra.Command, args []string) error {
	t, err := host.LoadTheme(args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
