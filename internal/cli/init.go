package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize larder storage",
		Long:  "Create the configuration and data directories, write a default config.yaml and initialize the store.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(a.configDir, 0o755); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			var dataDir string
			if a.flags.dataDir != "" {
				var err error
				if dataDir, err = filepath.Abs(a.flags.dataDir); err != nil {
					return err
				}
			}
			wrote, err := writeConfigIfMissing(a.configDir, dataDir)
			if err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			if wrote {
				if a.config, err = loadConfig(a.configDir); err != nil {
					return err
				}
			}

			s, err := a.open(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize storage: %w", err)
			}
			if err := s.Close(); err != nil {
				return fmt.Errorf("finalize storage: %w", err)
			}

			dataDir, err = a.dataDir()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initialized larder in %s\n", a.configDir)
			fmt.Fprintf(out, "config: %s\n", filepath.Join(a.configDir, configFileExt))
			fmt.Fprintf(out, "data:   %s\n", dataDir)
			return nil
		},
	}
}
