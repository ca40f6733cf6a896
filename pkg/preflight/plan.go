package preflight

// Plan selects which checks a Validator runs.
type Plan struct {
	SourceAccessible   bool
	TargetAccessible   bool
	PathNesting        bool
	EnsureTargetExists bool
	TargetWriteable    bool
}

// DefaultPlan enables every check. The engine uses it for each run.
func DefaultPlan() Plan {
	return Plan{
		SourceAccessible:   true,
		TargetAccessible:   true,
		PathNesting:        true,
		EnsureTargetExists: true,
		TargetWriteable:    true,
	}
}
