package cmd

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/infrahq/lockbox/internal/logging"
	"github.com/infrahq/lockbox/internal/server"
)

const envPrefix = "LOCKBOX"

// Run the main CLI command with the given args. The args should not contain
// the name of the binary (ex: os.Args[1:]).
func Run(ctx context.Context, args ...string) error {
	cli := newCLI(ctx)
	cmd := NewRootCmd(cli)
	cmd.SetArgs(args)
	cmd.SetOut(cli.Stdout)
	cmd.SetErr(cli.Stderr)
	return cmd.ExecuteContext(ctx)
}

type rootOptions struct {
	LogLevel string
	EnvFile  string
}

func NewRootCmd(cli *CLI) *cobra.Command {
	cobra.EnableCommandSorting = false

	var options rootOptions

	rootCmd := &cobra.Command{
		Use:               "lockbox",
		Short:             "Per-tenant encrypted vaults with key rotation",
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(options.EnvFile); err != nil {
				return err
			}
			return logging.SetLevel(options.LogLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(
		newVaultCmd(cli),
		newBlobCmd(cli),
		newRotateCmd(cli),
		newAuditCmd(cli),
		newServerCmd(),
		newVersionCmd(cli),
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&options.LogLevel, "log-level", "info", "Show logs when running the command [error, warn, info, debug]")
	flags.StringVar(&options.EnvFile, "env-file", ".env", "Load environment variables from this file when it exists")
	flags.StringP("config-file", "f", "", "Configuration file, yaml or json")
	addOptionFlags(flags)

	return rootCmd
}

// addOptionFlags adds the flags for the most common server.Options.
func addOptionFlags(flags *pflag.FlagSet) {
	flags.String("substrate", "docker", "Where vaults run [docker, memory]")
	bindFlag(flags, "substrate", "substrate.kind")
	flags.String("image", "alpine:3.19", "Container image of new vaults")
	bindFlag(flags, "image", "substrate.image")
	flags.String("key-store", "compartment", "Where vault keys are kept [compartment, keyring]")
	bindFlag(flags, "key-store", "keys.store")
	flags.String("key-provider", "", "Key provider that wraps stored vault keys")
	bindFlag(flags, "key-provider", "keys.provider")
	flags.String("audit-driver", "sqlite", "Audit event store [sqlite, postgres, none]")
	bindFlag(flags, "audit-driver", "audit.driver")
	flags.String("audit-db-file", "$HOME/.lockbox/audit.db", "Path to the SQLite audit database")
	bindFlag(flags, "audit-db-file", "audit.dbFile")
}

func addNonInteractiveFlag(flags *pflag.FlagSet, bind *bool) {
	isNonInteractiveMode := os.Stdin == nil || !term.IsTerminal(int(os.Stdin.Fd()))
	flags.BoolVar(bind, "non-interactive", isNonInteractiveMode, "Disable all prompts for input")
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}

	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// loadServerOptions returns the options for the command, with paths made
// absolute.
func loadServerOptions(cmd *cobra.Command) (server.Options, error) {
	options := server.NewOptions()
	if err := parseOptions(cmd, &options, envPrefix); err != nil {
		return options, err
	}

	if options.Audit.Driver == "sqlite" {
		dbFile, err := canonicalPath(options.Audit.DBFile)
		if err != nil {
			return options, err
		}

		options.Audit.DBFile = dbFile
	}

	return options, nil
}

// newServer builds the object graph from options.
//
// newServer is a shim for testing.
var newServer = func(options server.Options) (*server.Server, error) {
	return server.New(options)
}

// openServer is used by the commands that act on vaults directly. The
// caller must Close the server.
func openServer(cmd *cobra.Command) (*server.Server, error) {
	options, err := loadServerOptions(cmd)
	if err != nil {
		return nil, err
	}

	return newServer(options)
}
