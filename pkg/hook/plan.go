package hook

// Plan lists the shell commands to run around a backup.
type Plan struct {
	PreCommands  []string
	PostCommands []string

	// FailFast turns the first failing command into an error instead of a warning.
	FailFast bool
}

// IsEmpty reports whether the plan has no commands at all.
func (p *Plan) IsEmpty() bool {
	return p == nil || (len(p.PreCommands) == 0 && len(p.PostCommands) == 0)
}
