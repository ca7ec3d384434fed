package cmd

import (
	"github.com/spf13/cobra"
)

func NewApplyCmd() *cobra.Command {
	var flags commonFlags

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge the stack described by the manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, store, log, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := eng.Apply(cmd.Context()); err != nil {
				log.Error().Err(err).Msg("convergence aborted")
				return err
			}
			return nil
		},
	}

	flags.register(cmd.Flags().StringVarP)
	return cmd
}
