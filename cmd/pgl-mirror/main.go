package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"

	"github.com/paulschiretz/pgl-mirror/cmd"
	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// run executes the command given by args. Without arguments it starts the
// interactive shell.
func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	sess := cmd.NewSession(in, out)
	if len(args) == 0 {
		return cmd.RunShell(ctx, in, out, sess)
	}

	command, flagMap, err := flagparse.ParseWithOutput(args, errOut)
	if err != nil {
		return err
	}
	return cmd.Execute(ctx, sess, command, flagMap)
}

// interactive reports whether args start the shell, which handles interrupts per command.
func interactive(args []string) bool {
	return len(args) == 0 || args[0] == flagparse.Shell.String()
}

func main() {
	args := os.Args[1:]

	// Set up a context that is canceled when an interrupt signal is received.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !interactive(args) {
		// Listen for interrupt signals (like Ctrl+C) in a separate goroutine.
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt)
		go func() {
			<-sigChan
			cancel()
		}()
	}

	err := run(ctx, args, os.Stdin, os.Stdout, os.Stderr)
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return
	case errors.Is(err, cmd.ErrCompletedWithFailures):
		plog.Warn(buildinfo.Name+" finished with failures", "error", err)
		cancel()
		os.Exit(2)
	default:
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		cancel()
		os.Exit(1)
	}
}
