package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/infrahq/lockbox/internal/audit"
	"github.com/infrahq/lockbox/internal/vault"
)

type auditOptions struct {
	Tenant string
	Action string
	Limit  int
}

type eventRow struct {
	Time   string `header:"TIME"`
	Action string `header:"ACTION"`
	Vault  string `header:"VAULT"`
	Blob   string `header:"BLOB"`
	Result string `header:"RESULT"`
}

func newAuditCmd(cli *CLI) *cobra.Command {
	var options auditOptions

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit events",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := openServer(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			log := srv.AuditLog()
			if log == nil {
				return Error{Suggestion: "Audit events are not stored when the audit driver is none."}
			}

			listOpts := audit.ListOptions{Action: audit.Action(options.Action), Limit: options.Limit}
			if options.Tenant != "" {
				tenant, err := vault.NormalizeTenant(options.Tenant)
				if err != nil {
					return userError(err, options.Tenant)
				}
				listOpts.VaultID = vault.Prefix + tenant
			}

			events, err := log.List(cmd.Context(), listOpts)
			if err != nil {
				return err
			}

			if len(events) == 0 {
				cli.Output("No audit events found")
				return nil
			}

			rows := make([]eventRow, 0, len(events))
			for _, e := range events {
				result := "ok"
				switch {
				case e.Status != "":
					result = e.Status
				case !e.Success:
					result = "failed"
				}

				rows = append(rows, eventRow{
					Time:   e.Time.UTC().Format(time.RFC3339),
					Action: string(e.Action),
					Vault:  e.VaultID,
					Blob:   e.Blob,
					Result: result,
				})
			}

			cli.Table(rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&options.Tenant, "tenant", "", "Only events of this tenant's vault")
	cmd.Flags().StringVar(&options.Action, "action", "", "Only events of this action, eg rotation")
	cmd.Flags().IntVar(&options.Limit, "limit", 20, "Most events to show")

	return cmd
}
