package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AlecAivazis/survey/v2/terminal"

	"github.com/infrahq/lockbox/internal/cmd"
	"github.com/infrahq/lockbox/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := cmd.Run(ctx, os.Args[1:]...)
	stop()

	if err != nil {
		var userErr cmd.Error
		switch {
		case errors.Is(err, terminal.InterruptErr):
			logging.Debugf("user interrupted the process")
		case errors.Is(err, context.Canceled):
			fmt.Fprintln(os.Stderr, "Interrupted")
		case errors.As(err, &userErr):
			fmt.Fprintln(os.Stderr, userErr.Error())
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}

		os.Exit(1)
	}
}
