package cmd

import (
	"github.com/spf13/cobra"
)

func NewDestroyCmd() *cobra.Command {
	var flags commonFlags

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Tear down everything the stack recorded, in reverse order",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, store, log, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := eng.Destroy(cmd.Context()); err != nil {
				log.Error().Err(err).Msg("destroy aborted")
				return err
			}
			return nil
		},
	}

	flags.register(cmd.Flags().StringVarP)
	return cmd
}
