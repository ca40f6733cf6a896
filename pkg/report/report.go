// Package report defines the per-entry and per-run results of a mirror run and
// the Sink through which the copier streams them to observers.
package report

import (
	"encoding"
	"fmt"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Action is what happened to a single entry.
type Action int

const (
	Copied Action = iota
	SymlinkRecreated
	SpecialNodeRecreated
	Skipped
	Failed
)

var actionToString = map[Action]string{
	Copied:               "copied",
	SymlinkRecreated:     "symlink-recreated",
	SpecialNodeRecreated: "special-node-recreated",
	Skipped:              "skipped",
	Failed:               "failed",
}

var stringToAction map[string]Action

func init() {
	stringToAction = util.InvertMap(actionToString)
	stringToStatus = util.InvertMap(statusToString)
}

func (a Action) String() string {
	if str, ok := actionToString[a]; ok {
		return str
	}
	return fmt.Sprintf("unknown_action(%d)", int(a))
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	v, ok := stringToAction[string(text)]
	if !ok {
		return fmt.Errorf("invalid action: %q", text)
	}
	*a = v
	return nil
}

// EntryOutcome is the result for one entry of the source tree.
type EntryOutcome struct {
	Path   string // absolute source path
	Action Action
	Reason string // set for Skipped and Failed
	Err    error  // set for Failed
}

func (o EntryOutcome) String() string {
	if o.Reason == "" {
		return fmt.Sprintf("%s %s", o.Action, o.Path)
	}
	return fmt.Sprintf("%s %s (%s)", o.Action, o.Path, o.Reason)
}

// Status is the overall result of a run.
type Status int

const (
	Completed Status = iota
	CompletedWithFailures
	Aborted
)

var statusToString = map[Status]string{
	Completed:             "completed",
	CompletedWithFailures: "completed-with-failures",
	Aborted:               "aborted",
}

var stringToStatus map[string]Status

func (s Status) String() string {
	if str, ok := statusToString[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown_status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	v, ok := stringToStatus[string(text)]
	if !ok {
		return fmt.Errorf("invalid status: %q", text)
	}
	*s = v
	return nil
}

var (
	_ encoding.TextMarshaler   = Action(0)
	_ encoding.TextUnmarshaler = (*Action)(nil)
	_ encoding.TextMarshaler   = Status(0)
	_ encoding.TextUnmarshaler = (*Status)(nil)
)

// RunOutcome summarises one engine run.
type RunOutcome struct {
	Status       Status
	Err          error // set when Status is Aborted
	Failures     []EntryOutcome
	Copied       int64
	Symlinks     int64
	SpecialNodes int64
	Skipped      int64
	ArchivePath  string
	Duration     time.Duration
}

// ExitCode maps the status onto a process exit code.
func (o RunOutcome) ExitCode() int {
	switch o.Status {
	case Completed:
		return 0
	case CompletedWithFailures:
		return 2
	default:
		return 1
	}
}

// Sink receives every EntryOutcome as it is produced.
type Sink interface {
	Record(EntryOutcome)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(EntryOutcome)

func (f SinkFunc) Record(o EntryOutcome) { f(o) }

// NoopSink discards everything.
type NoopSink struct{}

func (NoopSink) Record(EntryOutcome) {}

// Collector tallies outcomes and keeps the failures. It is safe for concurrent use.
type Collector struct {
	mu           sync.Mutex
	failures     []EntryOutcome
	copied       int64
	symlinks     int64
	specialNodes int64
	skipped      int64
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Record implements Sink.
func (c *Collector) Record(o EntryOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch o.Action {
	case Copied:
		c.copied++
	case SymlinkRecreated:
		c.symlinks++
	case SpecialNodeRecreated:
		c.specialNodes++
	case Skipped:
		c.skipped++
	case Failed:
		c.failures = append(c.failures, o)
	}
}

// Outcome builds a RunOutcome from everything recorded so far. A non-nil err aborts the run.
func (c *Collector) Outcome(err error) RunOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := RunOutcome{
		Failures:     append([]EntryOutcome(nil), c.failures...),
		Copied:       c.copied,
		Symlinks:     c.symlinks,
		SpecialNodes: c.specialNodes,
		Skipped:      c.skipped,
	}
	switch {
	case err != nil:
		out.Status = Aborted
		out.Err = err
	case len(c.failures) > 0:
		out.Status = CompletedWithFailures
	default:
		out.Status = Completed
	}
	return out
}

// Tee forwards every outcome to all sinks in order.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(o EntryOutcome) {
		for _, s := range sinks {
			if s != nil {
				s.Record(o)
			}
		}
	})
}

// Statically assert that our types implement the interface.
var _ Sink = (*Collector)(nil)
var _ Sink = NoopSink{}
var _ Sink = SinkFunc(nil)
