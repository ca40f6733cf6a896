package cmd

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
)

// RunShell reads commands from in until exit or end of input. A failing command is
// reported and the shell keeps going. An interrupt stops the running command and
// returns to the prompt.
func RunShell(ctx context.Context, in io.Reader, out io.Writer, sess *Session) error {
	fmt.Fprintf(out, "%s %s interactive shell. Type 'help' for a list of commands.\n", buildinfo.Name, buildinfo.Version)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, buildinfo.ShellPrompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		args, err := flagparse.SplitArgs(scanner.Text())
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}

		command, flagMap, err := flagparse.ParseWithOutput(args, out)
		if err != nil {
			if !errors.Is(err, flag.ErrHelp) {
				fmt.Fprintf(out, "Error: %v\n", err)
			}
			continue
		}

		switch command {
		case flagparse.Exit:
			fmt.Fprintln(out, "Bye.")
			return nil
		case flagparse.Shell:
			fmt.Fprintln(out, "Already in the interactive shell.")
			continue
		}

		if command.IsScheduled() {
			fmt.Fprintln(out, "Press Ctrl+C to stop and return to the prompt.")
		}
		if err := runShellCommand(ctx, sess, command, flagMap); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
	}
}

// runShellCommand executes one command with its own interrupt handling, so Ctrl+C
// ends a schedule without leaving the shell.
func runShellCommand(ctx context.Context, sess *Session, command flagparse.Command, flagMap map[string]any) error {
	cmdCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	return Execute(cmdCtx, sess, command, flagMap)
}
