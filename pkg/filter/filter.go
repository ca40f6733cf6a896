// Package filter decides which non-directory entries of a source tree are mirrored.
// A Spec is the user-facing description; Compile turns it into a Predicate once per
// run so the name pattern and date are parsed a single time.
package filter

import (
	"errors"
	"fmt"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/fsentry"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// DateLayout is the accepted format of Spec.Date (YYYY-MM-DD).
const DateLayout = "2006-01-02"

// ErrInvalidSpec is returned by Compile when a constraint cannot be parsed.
var ErrInvalidSpec = errors.New("invalid filter")

// Spec holds the optional selection constraints. The zero value selects everything.
type Spec struct {
	SubPath     string // entry must live under <root>/<SubPath>
	NamePattern string // regular expression searched in the entry's base name
	Date        string // local calendar day of the modification time
	MinSize     int64  // minimum size in bytes, 0 disables the check
	Owner       string // numeric uid or user name
}

// IsEmpty reports whether the spec carries no constraint at all.
func (s Spec) IsEmpty() bool {
	return s == Spec{}
}

// Predicate is a compiled Spec. It is safe for concurrent use.
type Predicate struct {
	spec     Spec
	name     *regexp.Regexp
	hasDate  bool
	year     int
	month    time.Month
	day      int
	ownerUID int64 // -1 when Owner is a name

	lookupUser func(uid string) (string, error)
	mu         sync.Mutex
	userNames  map[uint32]string
}

// Compile validates the spec and prepares it for repeated matching.
func Compile(spec Spec) (*Predicate, error) {
	p := &Predicate{
		spec:       spec,
		ownerUID:   -1,
		lookupUser: lookupUserName,
		userNames:  make(map[uint32]string),
	}

	if spec.NamePattern != "" {
		re, err := regexp.Compile(spec.NamePattern)
		if err != nil {
			return nil, fmt.Errorf("%w: name pattern %q: %v", ErrInvalidSpec, spec.NamePattern, err)
		}
		p.name = re
	}

	if spec.Date != "" {
		d, err := time.ParseInLocation(DateLayout, spec.Date, time.Local)
		if err != nil {
			return nil, fmt.Errorf("%w: date %q must be YYYY-MM-DD: %v", ErrInvalidSpec, spec.Date, err)
		}
		p.hasDate = true
		p.year, p.month, p.day = d.Date()
	}

	if spec.MinSize < 0 {
		return nil, fmt.Errorf("%w: minimum size cannot be negative (%d)", ErrInvalidSpec, spec.MinSize)
	}

	if spec.Owner != "" {
		if uid, err := strconv.ParseUint(spec.Owner, 10, 32); err == nil {
			p.ownerUID = int64(uid)
		}
	}

	return p, nil
}

// Spec returns the spec the predicate was compiled from.
func (p *Predicate) Spec() Spec {
	return p.spec
}

// Match reports whether the entry at path, found while walking root, passes every
// configured constraint. info must come from a single Lstat of path.
func (p *Predicate) Match(root, path string, info fsentry.Info) bool {
	if p.spec.SubPath != "" && !util.IsUnder(filepath.Join(root, p.spec.SubPath), path) {
		return false
	}

	if p.name != nil && !p.name.MatchString(filepath.Base(path)) {
		return false
	}

	if p.hasDate {
		y, m, d := info.ModTime.In(time.Local).Date()
		if y != p.year || m != p.month || d != p.day {
			return false
		}
	}

	if p.spec.MinSize > 0 && info.Size < p.spec.MinSize {
		return false
	}

	if p.spec.Owner != "" && !p.matchOwner(path, info.UID) {
		return false
	}

	return true
}

// matchOwner compares by uid when Owner is numeric, otherwise by resolved user name.
func (p *Predicate) matchOwner(path string, uid uint32) bool {
	if p.ownerUID >= 0 {
		return int64(uid) == p.ownerUID
	}

	name, err := p.userName(uid)
	if err != nil {
		plog.Debug("Cannot resolve owner, treating as non-match", "path", path, "uid", uid, "error", err)
		return false
	}
	return name == p.spec.Owner
}

func (p *Predicate) userName(uid uint32) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if name, ok := p.userNames[uid]; ok {
		return name, nil
	}
	name, err := p.lookupUser(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", err
	}
	p.userNames[uid] = name
	return name, nil
}

func lookupUserName(uid string) (string, error) {
	u, err := user.LookupId(uid)
	if err != nil {
		return "", err
	}
	return u.Username, nil
}
