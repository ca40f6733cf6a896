// Package lockfile keeps two runs from writing into the same destination at once.
//
// Each destination is guarded by a small JSON file in a lock directory, named after
// a hash of the destination path, so nothing is written into the destination
// itself. The holder refreshes the file every heartbeatInterval. A lock that has not
// been refreshed for staleTimeout belongs to a dead process and is taken over.
package lockfile

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Content is the data stored in a lock file.
type Content struct {
	Dest       string    `json:"dest"`
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce"` // Identifies the winner of a takeover race.
}

// ErrLocked is returned when another live process holds the destination's lock.
type ErrLocked struct {
	Dest      string
	PID       int64
	Hostname  string
	TimeSince time.Duration
}

func (e *ErrLocked) Error() string {
	return fmt.Sprintf("destination %s is in use by PID %d on host '%s', last updated %s ago",
		e.Dest, e.PID, e.Hostname, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned internally when another process wins a stale lock takeover.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile means the lock file stayed empty or unparsable across retries.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 1 * time.Minute
	staleTimeout      = 3 * heartbeatInterval
	retryDelay        = 50 * time.Millisecond
)

const maxAttempts = 3

// Locker hands out destination locks stored in one directory.
type Locker struct {
	dir string
}

// NewLocker returns a locker keeping its lock files in dir. The directory is created
// on first use.
func NewLocker(dir string) *Locker {
	return &Locker{dir: dir}
}

// PathFor returns the lock file guarding absDest.
func (l *Locker) PathFor(absDest string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(absDest)))
	return filepath.Join(l.dir, hex.EncodeToString(sum[:8])+".lock")
}

// Lock acquires the lock for absDest and returns the function releasing it.
func (l *Locker) Lock(ctx context.Context, absDest string) (func(), error) {
	lock, err := l.Acquire(ctx, absDest)
	if err != nil {
		return nil, err
	}
	return lock.Release, nil
}

// Acquire takes the lock for absDest. It returns *ErrLocked when a live process
// holds it.
func (l *Locker) Acquire(ctx context.Context, absDest string) (*Lock, error) {
	if err := os.MkdirAll(l.dir, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", l.dir, err)
	}
	path := l.PathFor(absDest)

	for range maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lock, err := create(path, absDest)
		if err == nil {
			go lock.heartbeat()
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		held, err := read(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Released between our create and read.
			continue
		case errors.Is(err, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", path, "error", err)
		case err != nil:
			time.Sleep(retryDelay)
			continue
		default:
			if age := time.Since(held.LastUpdate); age < staleTimeout {
				return nil, &ErrLocked{Dest: absDest, PID: held.PID, Hostname: held.Hostname, TimeSince: age}
			}
			plog.Warn("Found stale lock, attempting takeover", "dest", absDest, "pid", held.PID, "host", held.Hostname)
		}

		lock, err = takeover(path, absDest)
		if err != nil {
			plog.Debug("Lock takeover failed, retrying", "path", path, "error", err)
			time.Sleep(retryDelay)
			continue
		}
		go lock.heartbeat()
		return lock, nil
	}
	return nil, fmt.Errorf("failed to acquire lock for %s after %d attempts", absDest, maxAttempts)
}

// Lock is a held destination lock.
type Lock struct {
	path    string
	content Content
	stop    context.CancelFunc
	done    context.Context

	mu   sync.Mutex
	held bool
}

func newLock(path string, content Content) *Lock {
	done, stop := context.WithCancel(context.Background())
	return &Lock{path: path, content: content, stop: stop, done: done, held: true}
}

// Path is the lock file's location.
func (l *Lock) Path() string {
	return l.path
}

// Release stops the heartbeat and removes the lock file. It is safe to call twice.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.stop()
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			if l.held {
				l.content.LastUpdate = time.Now().UTC()
				if err := writeAtomic(l.path, l.content); err != nil {
					plog.Warn("Heartbeat failed to update lock file", "path", l.path, "error", err)
				}
			}
			l.mu.Unlock()
		}
	}
}

func newContent(absDest string) (Content, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Content{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return Content{}, err
	}
	return Content{
		Dest:       absDest,
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      hex.EncodeToString(nonce),
	}, nil
}

// create makes the lock file with O_EXCL. It returns an os.IsExist error when the
// file is already there.
func create(path, absDest string) (*Lock, error) {
	content, err := newContent(absDest)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(content, "", "  ")
	if err == nil {
		_, err = f.Write(data)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	return newLock(path, content), nil
}

// takeover replaces a stale lock by renaming fresh content over it, then reads it
// back to learn whether another process renamed over us.
func takeover(path, absDest string) (*Lock, error) {
	content, err := newContent(absDest)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(path, content); err != nil {
		return nil, err
	}
	got, err := read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if got.PID != content.PID || got.Nonce != content.Nonce {
		return nil, ErrLostRace
	}
	plog.Debug("Took over stale lock", "path", path)
	return newLock(path, content), nil
}

// writeAtomic writes content to a temp file next to path and renames it into place.
func writeAtomic(path string, content Content) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp lock file: %w", err)
	}
	return nil
}

// read parses the lock file, retrying while it is empty or half written.
func read(path string) (Content, error) {
	var lastErr error
	for range maxAttempts {
		data, err := os.ReadFile(path)
		if err != nil {
			return Content{}, err
		}
		var content Content
		if len(data) == 0 {
			lastErr = errors.New("lock file is empty")
		} else if lastErr = json.Unmarshal(data, &content); lastErr == nil {
			return content, nil
		}
		time.Sleep(retryDelay)
	}
	return Content{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastErr)
}
