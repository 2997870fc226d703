package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ExactArgs returns an error if there are not exactly n args. The error
// includes the usage string.
func ExactArgs(number int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) == number {
			return nil
		}
		return fmt.Errorf(
			"%q requires exactly %d %s.\nSee \"%s --help\".\n\nUsage:  %s\n",
			cmd.CommandPath(),
			number,
			pluralize("argument", number),
			cmd.CommandPath(),
			cmd.UseLine())
	}
}

// RangeArgs returns an error if there are fewer than min or more than max
// args.
func RangeArgs(min, max int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) >= min && len(args) <= max {
			return nil
		}
		return fmt.Errorf(
			"%q requires between %d and %d arguments.\nSee \"%s --help\".\n\nUsage:  %s\n",
			cmd.CommandPath(),
			min,
			max,
			cmd.CommandPath(),
			cmd.UseLine())
	}
}

func pluralize(word string, number int) string {
	if number == 1 {
		return word
	}
	return word + "s"
}

// NoArgs validates that a cobra command is executed with no arguments, otherwise
// it returns an error that includes the usage string.
func NoArgs(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return nil
	}
	return fmt.Errorf(
		"%q accepts no arguments.\nSee \"%s --help\".\n\nUsage:  %s\n",
		cmd.CommandPath(),
		cmd.CommandPath(),
		cmd.UseLine())
}
