package flagparse

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
)

// ErrUnterminatedQuote is returned by SplitArgs for a line with an open quote.
var ErrUnterminatedQuote = errors.New("unterminated quote")

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel   *string
	ConfigPath *string

	// Shared: Backup / Timer / Watch / Cron / Config
	Source      *string
	Dest        *string
	SubPath     *string
	NamePattern *string
	Date        *string
	MinSize     *string
	Owner       *string
	Archive     *bool
	Compress    *bool
	Format      *string
	Level       *string

	// Shared: Backup / Timer / Watch / Cron
	Metrics         *bool
	BufferSizeKB    *int
	PreBackupHooks  *string
	PostBackupHooks *string
	HooksFailFast   *bool

	// Timer / Config
	Interval *int
	// Cron / Config
	Schedule *string

	// Config specific
	Output *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.ConfigPath = fs.String("config", "", "Path of the configuration file. Defaults to $XDG_CONFIG_HOME/pgl-mirror/config.toml.")
}

func registerSelectionFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", "", "Source directory to back up.")
	f.Dest = fs.String("dest", "", "Destination directory of the mirror or archive.")
	f.SubPath = fs.String("sub-path", "", "Only back up entries below this path relative to the source.")
	f.NamePattern = fs.String("pattern", "", "Regular expression an entry's file name must contain.")
	f.Date = fs.String("date", "", "Only back up files last modified on this local day (YYYY-MM-DD).")
	f.MinSize = fs.String("min-size", "", "Only back up files of at least this size (e.g. '1024', '4 KiB', '2MB').")
	f.Owner = fs.String("owner", "", "Only back up files owned by this user name or numeric uid.")
	f.Archive = fs.Bool("archive", false, "Write a single tar archive into the destination instead of mirroring.")
	f.Compress = fs.Bool("compress", false, "Compress the archive. Only used together with -archive.")
	f.Format = fs.String("format", "", "Compressed archive format: 'tar.gz' or 'tar.zst'.")
	f.Level = fs.String("level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
}

func registerRunFlags(fs *flag.FlagSet, f *cliFlags) {
	registerSelectionFlags(fs, f)
	f.Metrics = fs.Bool("metrics", false, "Log detailed progress and file-counting metrics.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for file copies and compression.")
	f.PreBackupHooks = fs.String("pre-backup-hooks", "", "Comma-separated list of commands to run before the backup.")
	f.PostBackupHooks = fs.String("post-backup-hooks", "", "Comma-separated list of commands to run after the backup.")
	f.HooksFailFast = fs.Bool("hooks-fail-fast", false, "Abort the hook list on the first failing command.")
}

func registerIntervalFlag(fs *flag.FlagSet, f *cliFlags) {
	f.Interval = fs.Int("interval", 0, "Seconds between the start of two backups.")
}

func registerScheduleFlag(fs *flag.FlagSet, f *cliFlags) {
	f.Schedule = fs.String("schedule", "", "Cron expression (e.g. '0 3 * * *') or descriptor (e.g. '@daily', '@every 30m').")
}

func registerConfigFlags(fs *flag.FlagSet, f *cliFlags) {
	registerSelectionFlags(fs, f)
	registerIntervalFlag(fs, f)
	registerScheduleFlag(fs, f)
	f.Output = fs.Bool("output", false, "Print the configuration file after updating it.")
}

var commandDescriptions = map[Command]string{
	Backup:  "Run a single backup.",
	Config:  "Update the configuration file with the given flags.",
	Reset:   "Reset the configuration file to default values.",
	Timer:   "Run a backup now and then again every interval.",
	Watch:   "Run a backup whenever something below the source directory changes.",
	Cron:    "Run a backup on a cron schedule.",
	Shell:   "Read commands interactively, one per line.",
	Version: "Print the application version.",
	Help:    "Print this help.",
	Exit:    "Leave the interactive shell.",
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and
// a map of the flags the user set. Usage text goes to stderr.
func Parse(args []string) (Command, map[string]any, error) {
	return ParseWithOutput(args, os.Stderr)
}

// ParseWithOutput is Parse with usage and flag errors written to out.
// A -help flag yields flag.ErrHelp after the usage has been printed.
func ParseWithOutput(args []string, out io.Writer) (Command, map[string]any, error) {
	if len(args) == 0 {
		printTopLevelUsage(out)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		printTopLevelUsage(out)
		return Help, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	fs.SetOutput(out)

	switch command {
	case Backup, Watch:
		registerGlobalFlags(fs, f)
		registerRunFlags(fs, f)
	case Timer:
		registerGlobalFlags(fs, f)
		registerRunFlags(fs, f)
		registerIntervalFlag(fs, f)
	case Cron:
		registerGlobalFlags(fs, f)
		registerRunFlags(fs, f)
		registerScheduleFlag(fs, f)
	case Config:
		registerGlobalFlags(fs, f)
		registerConfigFlags(fs, f)
	case Reset, Shell:
		registerGlobalFlags(fs, f)
	case Version, Exit:
		if len(args) > 1 {
			return command, nil, fmt.Errorf("%s takes no arguments", command)
		}
		return command, nil, nil
	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	fs.Usage = func() {
		printSubcommandUsage(command, commandDescriptions[command], fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected argument for %s: %q", command, fs.Arg(0))
	}

	flagMap, err := flagsToMap(fs, f)
	return command, flagMap, err
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]any, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "config", f.ConfigPath)

	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "dest", f.Dest)
	addIfUsed(flagMap, usedFlags, "sub-path", f.SubPath)
	addIfUsed(flagMap, usedFlags, "pattern", f.NamePattern)
	addIfUsed(flagMap, usedFlags, "date", f.Date)
	addIfUsed(flagMap, usedFlags, "min-size", f.MinSize)
	addIfUsed(flagMap, usedFlags, "owner", f.Owner)
	addIfUsed(flagMap, usedFlags, "archive", f.Archive)
	addIfUsed(flagMap, usedFlags, "compress", f.Compress)
	addIfUsed(flagMap, usedFlags, "format", f.Format)
	addIfUsed(flagMap, usedFlags, "level", f.Level)

	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "hooks-fail-fast", f.HooksFailFast)

	addIfUsed(flagMap, usedFlags, "interval", f.Interval)
	addIfUsed(flagMap, usedFlags, "schedule", f.Schedule)
	addIfUsed(flagMap, usedFlags, "output", f.Output)

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "pre-backup-hooks", f.PreBackupHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-backup-hooks", f.PostBackupHooks, ParseCmdList)

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]any, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]any, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(out io.Writer) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(out, "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(out, "Mirror or archive a directory tree, once or on a schedule.\n\n")
	fmt.Fprintf(out, "Usage: %s <command> [flags]\n", execName)
	fmt.Fprintf(out, "Without a command the interactive shell is started.\n\n")
	fmt.Fprintf(out, "Commands:\n")
	for _, c := range []Command{Backup, Config, Reset, Timer, Watch, Cron, Shell, Version, Help, Exit} {
		fmt.Fprintf(out, "  %-10s  %s\n", c, commandDescriptions[c])
	}
	fmt.Fprintf(out, "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Mirror or archive a directory tree, once or on a schedule.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// For commands, we also keep the backslash for the shell to interpret.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r) // Treat it as a literal character.
			}
		case r == ',' && quoteChar == 0: // Comma outside of any quotes.
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem() // Add the final item after the loop finishes.
	return list
}

// SplitArgs splits a line typed into the interactive shell into arguments.
// Whitespace separates arguments unless it is quoted. Quotes are removed. A backslash
// escapes the next character outside single quotes, inside single quotes it is literal.
func SplitArgs(line string) ([]string, error) {
	var args []string
	var current strings.Builder
	var quoteChar rune
	var isEscaped, inArg bool

	for _, r := range line {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && quoteChar != '\'':
			isEscaped = true
			inArg = true
		case quoteChar != 0:
			if r == quoteChar {
				quoteChar = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quoteChar = r
			inArg = true // "" is an empty argument.
		case unicode.IsSpace(r):
			if inArg {
				args = append(args, current.String())
				current.Reset()
				inArg = false
			}
		default:
			current.WriteRune(r)
			inArg = true
		}
	}

	if quoteChar != 0 {
		return nil, fmt.Errorf("%w: %c", ErrUnterminatedQuote, quoteChar)
	}
	if isEscaped {
		// A trailing backslash stands for itself.
		current.WriteRune('\\')
	}
	if inArg {
		args = append(args, current.String())
	}
	return args, nil
}
