package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/berth/internal/config"
)

// NewConfigCommand creates the "config" command group.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect berth configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after merging defaults, the config file and
BERTH_* environment variables. Text output is YAML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var encodeErr error
			err = render(cmd.OutOrStdout(), cfg, func(w io.Writer) {
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				if encodeErr = enc.Encode(cfg); encodeErr == nil {
					encodeErr = enc.Close()
				}
			})
			if err != nil {
				return err
			}
			return encodeErr
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print where berth looks for its config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFile
			if path == "" {
				path = filepath.Join(config.ConfigDir(), "config.yaml")
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	return cmd
}
