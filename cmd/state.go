package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/videoproc-hackathon/provisioner/internal/config"
	"github.com/videoproc-hackathon/provisioner/internal/state"
)

func NewStateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "state",
		Short: "List the resources recorded for the stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading manifest: %w", err)
			}

			store, err := state.Open(cfg.StatePath)
			if err != nil {
				return err
			}
			defer store.Close()

			resources, err := store.Load(cfg.Stack)
			if err != nil {
				return err
			}
			if len(resources) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "stack %s: nothing recorded\n", cfg.Stack)
				return nil
			}

			for _, r := range resources {
				line := fmt.Sprintf("%-30s %s", r.Kind, r.ID)
				if r.Extra != "" {
					line += "  (" + r.Extra + ")"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "stack.yaml", "stack manifest to read")
	return cmd
}
