package cmd

import (
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/infrahq/lockbox/internal/vault"
)

func newVaultCmd(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "vault",
		Aliases: []string{"vaults"},
		Short:   "Manage tenant vaults",
	}

	cmd.AddCommand(
		newVaultCreateCmd(cli),
		newVaultListCmd(cli),
		newVaultKeysCmd(cli),
		newVaultDeleteCmd(cli),
	)

	return cmd
}

func newVaultCreateCmd(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "create TENANT",
		Short: "Create the vault of a tenant",
		Long:  "Create the vault of a tenant. Creating a vault that already exists does nothing.",
		Example: `
# Create a vault for tenant alice
$ lockbox vault create alice
`,
		Args: ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := openServer(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			v, err := srv.Provisioner.Provision(cmd.Context(), args[0])
			if err != nil {
				return userError(err, args[0])
			}

			cli.Output("Vault %s is %s", v.ID, v.State)
			return nil
		},
	}
}

type vaultRow struct {
	ID      string `header:"ID"`
	Tenant  string `header:"TENANT"`
	State   string `header:"STATE"`
	Created string `header:"CREATED"`
}

func newVaultListCmd(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List running vaults",
		Args:    NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := openServer(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			vaults, err := srv.Registry.ListActive(cmd.Context())
			if err != nil {
				return err
			}

			if len(vaults) == 0 {
				cli.Output("No vaults found")
				return nil
			}

			rows := make([]vaultRow, 0, len(vaults))
			for _, v := range vaults {
				rows = append(rows, vaultRow{
					ID:      v.ID,
					Tenant:  v.Tenant,
					State:   string(v.State),
					Created: v.CreatedAt.UTC().Format(time.RFC3339),
				})
			}

			cli.Table(rows)
			return nil
		},
	}
}

type keyRow struct {
	Name    string `header:"NAME"`
	ID      string `header:"ID"`
	Status  string `header:"STATUS"`
	Created string `header:"CREATED"`
}

func newVaultKeysCmd(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "keys TENANT",
		Short: "Show the active and archived keys of a vault",
		Args:  ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := openServer(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			v, err := srv.Registry.Get(cmd.Context(), args[0])
			if err != nil {
				return userError(err, args[0])
			}

			keys, err := srv.Keys(cmd.Context(), v.ID)
			if err != nil {
				return userError(err, args[0])
			}

			rows := make([]keyRow, 0, len(keys))
			for _, k := range keys {
				rows = append(rows, keyRow{
					Name:    k.Name,
					ID:      k.ID,
					Status:  string(k.Status),
					Created: k.CreatedAt.UTC().Format(time.RFC3339),
				})
			}

			cli.Table(rows)
			return nil
		},
	}
}

type vaultDeleteOptions struct {
	Force          bool
	NonInteractive bool
}

func newVaultDeleteCmd(cli *CLI) *cobra.Command {
	var options vaultDeleteOptions

	cmd := &cobra.Command{
		Use:     "delete TENANT",
		Aliases: []string{"rm"},
		Short:   "Delete a vault with its blobs and keys",
		Args:    ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := vault.NormalizeTenant(args[0])
			if err != nil {
				return userError(err, args[0])
			}

			if !options.Force {
				if options.NonInteractive {
					return Error{Suggestion: "Run with --force to delete a vault in non-interactive mode."}
				}

				cli.Output("Deleting vault_%s removes every blob and key it holds.", tenant)

				var answer string
				prompt := &survey.Input{Message: "Type the tenant name to confirm:"}
				if err := survey.AskOne(prompt, &answer, cli.surveyIO); err != nil {
					return err
				}

				if strings.TrimSpace(answer) != tenant {
					return Error{Suggestion: "Aborted, the vault was not deleted."}
				}
			}

			srv, err := openServer(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			if err := srv.Provisioner.Delete(cmd.Context(), tenant); err != nil {
				return userError(err, tenant)
			}

			cli.Output("Deleted vault_%s", tenant)
			return nil
		},
	}

	cmd.Flags().BoolVar(&options.Force, "force", false, "Do not ask for confirmation")
	addNonInteractiveFlag(cmd.Flags(), &options.NonInteractive)

	return cmd
}
