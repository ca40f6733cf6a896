package flagparse

import (
	"fmt"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Command defines the command to execute.
type Command int

const (
	None Command = iota
	Backup
	Config
	Reset
	Timer
	Watch
	Cron
	Shell
	Version
	Help
	Exit
)

var commandToString = map[Command]string{
	None:    "none",
	Backup:  "backup",
	Config:  "config",
	Reset:   "reset",
	Timer:   "timer",
	Watch:   "watch",
	Cron:    "cron",
	Shell:   "shell",
	Version: "version",
	Help:    "help",
	Exit:    "exit",
}

var stringToCommand map[string]Command

func init() {
	stringToCommand = util.InvertMap(commandToString)
}

func (c Command) String() string {
	if str, ok := commandToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_command(%d)", c)
}

// IsScheduled reports whether the command runs backups repeatedly until cancelled.
func (c Command) IsScheduled() bool {
	return c == Timer || c == Watch || c == Cron
}

func ParseCommand(s string) (Command, error) {
	if command, ok := stringToCommand[s]; ok && command != None {
		return command, nil
	}
	return None, fmt.Errorf("invalid command: %q. Must be 'backup', 'config', 'reset', 'timer', 'watch', 'cron', 'shell', 'version', 'help' or 'exit'", s)
}
