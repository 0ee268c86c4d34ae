package root

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"picomcp/internal/config"
)

var (
	initName  string
	initRoots []string
	initDir   string
	initForce bool
)

var initCmd = &cobra.Command{
	Use:         "init",
	Short:       "Generate a starter config file",
	Annotations: map[string]string{"skipConfig": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath := config.DefaultPath(initDir)
		if flagConfigPath != "" {
			cfgPath = flagConfigPath
		}
		content := config.Sample(initName, initRoots)

		if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
			return err
		}
		if _, err := os.Stat(cfgPath); err == nil && !initForce {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
		}
		if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
			return err
		}
		logrus.WithField("path", cfgPath).Info("wrote picomcp config")
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", cfgPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initName, "name", "picomcp", "Server name reported to clients")
	initCmd.Flags().StringSliceVar(&initRoots, "root", nil, "One or more roots for the fs provider (repeat or comma-separated)")
	initCmd.Flags().StringVar(&initDir, "dir", "", "Directory to write picomcp.toml into (default: working directory)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config if present")
}
