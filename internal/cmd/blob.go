package cmd

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/infrahq/lockbox/internal/server"
)

func newBlobCmd(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "blob",
		Aliases: []string{"blobs"},
		Short:   "Store and read encrypted blobs",
	}

	cmd.AddCommand(
		newBlobUploadCmd(cli),
		newBlobDownloadCmd(cli),
		newBlobListCmd(cli),
		newBlobDeleteCmd(cli),
	)

	return cmd
}

// openVault returns the server and the id of the vault of tenant.
func openVault(cmd *cobra.Command, tenant string) (*server.Server, string, error) {
	srv, err := openServer(cmd)
	if err != nil {
		return nil, "", err
	}

	v, err := srv.Registry.Get(cmd.Context(), tenant)
	if err != nil {
		_ = srv.Close()
		return nil, "", userError(err, tenant)
	}

	return srv, v.ID, nil
}

func newBlobUploadCmd(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "upload TENANT FILE [NAME]",
		Short: "Encrypt a file into a vault",
		Long:  "Encrypt a file into a vault. NAME defaults to the base name of FILE. Use - as FILE to read stdin.",
		Example: `
# Store report.pdf in the vault of alice
$ lockbox blob upload alice ./report.pdf

# Store stdin as notes.txt
$ echo hello | lockbox blob upload alice - notes.txt
`,
		Args: RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, file := args[0], args[1]

			name := filepath.Base(file)
			if len(args) == 3 {
				name = args[2]
			}

			var content []byte
			var err error

			if file == "-" {
				if len(args) < 3 {
					return Error{Suggestion: "A NAME is required when reading stdin."}
				}
				content, err = io.ReadAll(cli.Stdin)
			} else {
				content, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}

			srv, id, err := openVault(cmd, tenant)
			if err != nil {
				return err
			}
			defer srv.Close()

			if err := srv.Store.Upload(cmd.Context(), id, name, content); err != nil {
				return userError(err, tenant)
			}

			cli.Output("Stored %s in %s", name, id)
			return nil
		},
	}
}

type blobDownloadOptions struct {
	Output string
}

func newBlobDownloadCmd(cli *CLI) *cobra.Command {
	var options blobDownloadOptions

	cmd := &cobra.Command{
		Use:   "download TENANT NAME",
		Short: "Decrypt a blob from a vault",
		Args:  ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, name := args[0], args[1]

			srv, id, err := openVault(cmd, tenant)
			if err != nil {
				return err
			}
			defer srv.Close()

			content, err := srv.Store.Download(cmd.Context(), id, name)
			if err != nil {
				return userError(err, tenant)
			}

			if options.Output == "" || options.Output == "-" {
				_, err := cli.Stdout.Write(content)
				return err
			}

			return os.WriteFile(options.Output, content, 0o600)
		},
	}

	cmd.Flags().StringVarP(&options.Output, "output", "o", "", "Write to this file instead of stdout")

	return cmd
}

type blobRow struct {
	Name string `header:"NAME"`
}

func newBlobListCmd(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:     "list TENANT",
		Aliases: []string{"ls"},
		Short:   "List the blobs of a vault",
		Args:    ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, id, err := openVault(cmd, args[0])
			if err != nil {
				return err
			}
			defer srv.Close()

			names, err := srv.Store.List(cmd.Context(), id)
			if err != nil {
				return userError(err, args[0])
			}

			if len(names) == 0 {
				cli.Output("No blobs found")
				return nil
			}

			rows := make([]blobRow, 0, len(names))
			for _, name := range names {
				rows = append(rows, blobRow{Name: name})
			}

			cli.Table(rows)
			return nil
		},
	}
}

func newBlobDeleteCmd(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:     "delete TENANT NAME",
		Aliases: []string{"rm"},
		Short:   "Delete a blob from a vault",
		Args:    ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, id, err := openVault(cmd, args[0])
			if err != nil {
				return err
			}
			defer srv.Close()

			if err := srv.Store.Delete(cmd.Context(), id, args[1]); err != nil {
				return userError(err, args[0])
			}

			cli.Output("Deleted %s from %s", args[1], id)
			return nil
		},
	}
}
