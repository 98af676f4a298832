// Package persist implements Persistence (spec.md C8, §4.8/§6): one
// JSON record file per container under a worker-owned directory, an
// advisory-flock sibling lock file guarding against two workers running
// at once, and replay on worker start.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/idroz/portod/internal/container"
)

// Record is the durable snapshot of one container: its stopped-mutable
// configuration plus the runtime fields needed to resume after restart.
type Record struct {
	Path     string            `json:"path"`
	OwnerUID int               `json:"owner_uid"`
	Props    map[string]string `json:"props"`

	Stored       string `json:"stored"`
	Pid          int    `json:"pid"`
	ExitStatus   int    `json:"exit_status"`
	OOMKilled    bool   `json:"oom_killed"`
	RespawnCount int    `json:"respawn_count"`
}

// Store owns a worker's persisted-container directory.
type Store struct {
	dir    string
	lock   *os.File
}

// fileName escapes the container path's slashes the way spec.md §6
// requires ("one file per container whose name encodes the container
// path, slashes escaped"), mirroring pkg/cgroup.PathFor's own
// '/' → '%' escaping for non-freezer subsystems.
func fileName(containerPath string) string {
	return strings.ReplaceAll(containerPath, "/", "%") + ".json"
}

// Open creates dir if missing and acquires the sibling advisory lock.
// It returns an error if another worker already holds the lock.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", dir)
	}
	lockPath := filepath.Join(dir, ".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock %s", lockPath)
	}
	if err := flock(f); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "another worker already holds the persistence lock")
	}
	return &Store{dir: dir, lock: f}, nil
}

// Close releases the sibling lock.
func (s *Store) Close() error {
	return s.lock.Close()
}

// Save writes rec's record file, replacing any prior content
// atomically via a rename.
func (s *Store) Save(rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}
	final := filepath.Join(s.dir, fileName(rec.Path))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	return os.Rename(tmp, final)
}

// Delete removes a container's record file. Missing files are not an
// error: Destroy may call this after a crash already removed it.
func (s *Store) Delete(containerPath string) error {
	err := os.Remove(filepath.Join(s.dir, fileName(containerPath)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadAll reads every record file in the store, for replay on worker
// start.
func (s *Store) LoadAll() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "readdir %s", s.dir)
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", e.Name())
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, errors.Wrapf(err, "unmarshal %s", e.Name())
		}
		out = append(out, rec)
	}
	return out, nil
}

// ToRecord snapshots a live node into a Record ready for Save.
func ToRecord(n *container.Node, props map[string]string) Record {
	state := n.State()
	exitStatus, _ := n.Get("exit_status")
	oomKilled, _ := n.Get("oom_killed")
	respawnCount, _ := n.Get("respawn_count")
	return Record{
		Path:         n.Path,
		OwnerUID:     n.OwnerUID,
		Props:        props,
		Stored:       string(state),
		Pid:          n.Pid(),
		ExitStatus:   atoiOr(exitStatus, 0),
		OOMKilled:    oomKilled == "true",
		RespawnCount: atoiOr(respawnCount, 0),
	}
}

func atoiOr(s string, def int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return def
	}
	return v
}
