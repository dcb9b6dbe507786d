package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abdulrahman305/jetbrains/internal/config"
)

var (
	initGlobal bool
	initForce  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write the built-in configuration to the project config file, or to the
global one with --global. Existing files are kept unless --force is given.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initGlobal, "global", false, "Write the global config instead of the project one")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := config.GlobalConfigPath()
	if !initGlobal {
		dir, err := GetWorkDir(workDir)
		if err != nil {
			return err
		}
		path = config.ProjectConfigPath(dir)
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Save(config.Default(), path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
