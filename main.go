package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/videoproc-hackathon/provisioner/cmd"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "provisioner",
		Short: "Converge the video-processing stack onto shared AWS infrastructure",
	}

	rootCmd.AddCommand(cmd.NewPlanCmd())
	rootCmd.AddCommand(cmd.NewApplyCmd())
	rootCmd.AddCommand(cmd.NewDestroyCmd())
	rootCmd.AddCommand(cmd.NewStateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
