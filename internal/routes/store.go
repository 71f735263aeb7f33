// Package routes is the shared on-disk route table mapping hostnames to
// backend ports. The file is multi-writer: the daemon and every registrant
// process rewrite it, serialized by a directory lock in the same state dir.
package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"portless/internal/hostname"
	"portless/internal/state"
)

// Route binds a hostname to the loopback port of the dev server owning it.
type Route struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Pid      int    `json:"pid"`
}

func (r Route) valid() bool {
	if hostname.Validate(r.Hostname) != nil {
		return false
	}
	return r.Port >= 1 && r.Port <= 65535 && r.Pid > 0
}

// ConflictError reports a live registration already owning the hostname.
type ConflictError struct {
	Hostname string
	Pid      int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s is already registered by pid %d (use --force to take it over)", e.Hostname, e.Pid)
}

// Store reads and mutates the route table in a state directory.
type Store struct {
	dir state.Dir
	log *logrus.Logger
}

func NewStore(dir state.Dir, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{dir: dir, log: log}
}

func (s *Store) Path() string { return s.dir.RoutesPath() }

// Load reads the table and drops entries whose owner pid is gone. The
// cleaned view is not persisted: unprotected writes are forbidden, so only
// Add and Remove (which hold the lock) write the GC result back.
func (s *Store) Load() []Route {
	return alive(s.read())
}

// Add registers hostname -> port owned by pid. Without force, a live entry
// for the same hostname under a different pid is a ConflictError naming the
// incumbent.
func (s *Store) Add(host string, port, pid int, force bool) error {
	lock := newDirLock(s.dir.LockPath())
	if err := lock.acquire(); err != nil {
		return err
	}
	defer lock.release()

	table := alive(s.read())
	kept := table[:0]
	for _, r := range table {
		if r.Hostname != host {
			kept = append(kept, r)
			continue
		}
		if r.Pid != pid && !force {
			return &ConflictError{Hostname: host, Pid: r.Pid}
		}
	}
	kept = append(kept, Route{Hostname: host, Port: port, Pid: pid})
	return s.write(kept)
}

// Remove drops any entry for hostname. Removing an absent hostname is not an
// error; the GC result is persisted either way.
func (s *Store) Remove(host string) error {
	lock := newDirLock(s.dir.LockPath())
	if err := lock.acquire(); err != nil {
		return err
	}
	defer lock.release()

	table := alive(s.read())
	kept := table[:0]
	for _, r := range table {
		if r.Hostname != host {
			kept = append(kept, r)
		}
	}
	return s.write(kept)
}

// read parses the file tolerantly: a missing file is an empty table, a
// non-array is a warning and an empty table, and entries that fail schema
// validation are dropped with a warning.
func (s *Store) read() []Route {
	data, err := os.ReadFile(s.dir.RoutesPath())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.WithError(err).Warn("cannot read route table")
		}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.WithError(err).Warnf("route table %s is not a JSON array, treating as empty", s.dir.RoutesPath())
		return nil
	}
	table := make([]Route, 0, len(raw))
	for _, entry := range raw {
		var r Route
		if err := json.Unmarshal(entry, &r); err != nil || !r.valid() {
			s.log.Warnf("dropping invalid route entry %s", string(entry))
			continue
		}
		table = append(table, r)
	}
	return table
}

func (s *Store) write(table []Route) error {
	if table == nil {
		table = []Route{}
	}
	data, err := json.Marshal(table)
	if err != nil {
		return err
	}
	tmp := s.dir.RoutesPath() + ".tmp"
	if err := s.dir.WriteFile(tmp, data); err != nil {
		return err
	}
	return os.Rename(tmp, s.dir.RoutesPath())
}

func alive(table []Route) []Route {
	kept := table[:0]
	for _, r := range table {
		if pidAlive(r.Pid) {
			kept = append(kept, r)
		}
	}
	return kept
}

func pidAlive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
