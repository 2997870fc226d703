package cmd

import (
	"github.com/spf13/cobra"

	"github.com/infrahq/lockbox/internal"
)

func newVersionCmd(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display the lockbox version",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			build := internal.CurrentBuild()

			cli.Output("%s", build.Version)
			if build.Commit != "" {
				cli.Output("commit: %s", build.Commit)
			}
			if build.Date != "" {
				cli.Output("built:  %s", build.Date)
			}
			return nil
		},
	}
}
