package cmd

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/infrahq/lockbox/internal/rotation"
)

type outcomeRow struct {
	Vault       string `header:"VAULT"`
	Status      string `header:"STATUS"`
	Reencrypted int    `header:"RE-ENCRYPTED"`
	Failed      int    `header:"FAILED"`
	NewKey      string `header:"NEW KEY"`
	Elapsed     string `header:"ELAPSED"`
}

func newRotateCmd(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate [TENANT]",
		Short: "Rotate the key of one vault, or of every vault",
		Long: `Rotate the key of one vault, or of every running vault when no tenant is
given. Every blob is re-encrypted with the new key. Blobs that cannot be
re-encrypted stay readable with the archived key that sealed them.`,
		Args: RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := openServer(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			var summary rotation.Summary

			if len(args) == 1 {
				v, err := srv.Registry.Get(cmd.Context(), args[0])
				if err != nil {
					return userError(err, args[0])
				}

				out, err := srv.Worker.Rotate(cmd.Context(), v.ID)

				summary = rotation.Summary{Total: 1, Outcomes: []rotation.Outcome{out}}
				switch out.Status {
				case rotation.StatusSuccess:
					summary.Succeeded = 1
				case rotation.StatusPartial:
					summary.Partial = 1
				default:
					summary.Aborted = 1
				}

				if err != nil {
					printSummary(cli, summary)
					return Error{Cause: "rotation aborted", OriginalError: err}
				}
			} else {
				summary, err = srv.Scheduler.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
			}

			printSummary(cli, summary)

			if summary.Partial+summary.Aborted > 0 {
				return Error{Suggestion: "Some vaults were not fully rotated, see the log for details."}
			}
			return nil
		},
	}
}

func printSummary(cli *CLI, summary rotation.Summary) {
	if len(summary.Outcomes) > 0 {
		rows := make([]outcomeRow, 0, len(summary.Outcomes))
		for _, out := range summary.Outcomes {
			rows = append(rows, outcomeRow{
				Vault:       out.VaultID,
				Status:      statusColor(out.Status).Sprint(out.Status),
				Reencrypted: out.BlobsReencrypted,
				Failed:      out.BlobsFailed,
				NewKey:      out.NewKeyID,
				Elapsed:     out.Duration.Round(time.Millisecond).String(),
			})
		}

		cli.Table(rows)
		cli.Output("")
	}

	c := color.New(color.FgGreen, color.Bold)
	if summary.Succeeded < summary.Total {
		c = color.New(color.FgYellow, color.Bold)
	}

	cli.Output("%s", c.Sprint(summary.String()))
}

func statusColor(status rotation.Status) *color.Color {
	switch status {
	case rotation.StatusSuccess:
		return color.New(color.FgGreen)
	case rotation.StatusPartial:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
