package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/lensesio/tableprinter"
)

// CLI exposes common dependencies to commands.
type CLI struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Output a string to CLI.Stdout. Output is like fmt.Printf except that it always
// adds a trailing newline.
func (c *CLI) Output(format string, args ...interface{}) {
	fmt.Fprintf(c.Stdout, format+"\n", args...)
}

// Table prints rows, a slice of structs with `header` tags, to CLI.Stdout.
func (c *CLI) Table(rows interface{}) {
	table := tableprinter.New(c.Stdout)

	table.HeaderAlignment = tableprinter.AlignLeft
	table.AutoWrapText = false
	table.DefaultAlignment = tableprinter.AlignLeft
	table.CenterSeparator = ""
	table.ColumnSeparator = ""
	table.RowSeparator = ""
	table.HeaderLine = false
	table.BorderBottom = false
	table.BorderLeft = false
	table.BorderRight = false
	table.BorderTop = false
	table.Print(rows)
}

// surveyIO points survey prompts at the CLI streams. Prompts need a
// terminal, so Stdin and Stdout must be files.
func (c *CLI) surveyIO(options *survey.AskOptions) error {
	in, ok := c.Stdin.(terminal.FileReader)
	if !ok {
		return errors.New("prompts require stdin to be a terminal")
	}

	out, ok := c.Stdout.(terminal.FileWriter)
	if !ok {
		return errors.New("prompts require stdout to be a terminal")
	}

	options.Stdio = terminal.Stdio{In: in, Out: out, Err: c.Stderr}
	return nil
}

// key is a type to ensure no other package can access the CLI value in context.
type key struct{}

// ctxKey used to store CLI in the context.
var ctxKey = key{}

// newCLI returns the CLI stored in ctx, or one that uses the standard
// streams.
//
// newCLI is a shim for testing, allowing tests to use a buffer instead of the
// standard streams.
func newCLI(ctx context.Context) *CLI {
	if cli, ok := ctx.Value(ctxKey).(*CLI); ok {
		return cli
	}

	return &CLI{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}
