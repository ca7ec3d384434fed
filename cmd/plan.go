package cmd

import (
	"github.com/spf13/cobra"
)

func NewPlanCmd() *cobra.Command {
	var flags commonFlags

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a convergence run would create, without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, store, _, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer store.Close()

			return eng.Preview(cmd.Context(), cmd.OutOrStdout())
		},
	}

	flags.register(cmd.Flags().StringVarP)
	return cmd
}
