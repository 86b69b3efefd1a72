/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	filePrefix = "raft-"
	fileSuffix = ".snap"
	// DefaultRetention is how many snapshots are kept when none is configured
	DefaultRetention = 5
)

// Snapshot is one persisted snapshot file
type Snapshot struct {
	Name   string
	Path   string
	Size   int64
	SHA256 string
	// Offsite is set once a copy was uploaded to the offsite store
	Offsite bool
}

// LocalStore keeps a bounded history of snapshots in one directory
type LocalStore struct {
	dir       string
	retention int
	now       func() time.Time
}

// NewLocalStore creates dir if needed. retention < 1 uses DefaultRetention.
func NewLocalStore(dir string, retention int) (*LocalStore, error) {
	if retention < 1 {
		retention = DefaultRetention
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &LocalStore{dir: dir, retention: retention, now: time.Now}, nil
}

// Dir returns the store's directory
func (s *LocalStore) Dir() string {
	return s.dir
}

// Save streams write into a temp file, syncs it, and renames it into place.
// A failed write leaves no file behind. Older snapshots beyond the retention
// depth are pruned after a successful save.
func (s *LocalStore) Save(tag string, write func(w io.Writer) error) (*Snapshot, error) {
	tmp, err := os.CreateTemp(s.dir, ".partial-*")
	if err != nil {
		return nil, fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	sum := sha256.New()
	counter := &countingWriter{}
	if err := write(io.MultiWriter(tmp, sum, counter)); err != nil {
		return nil, err
	}
	if counter.n == 0 {
		return nil, fmt.Errorf("snapshot stream was empty")
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close snapshot: %w", err)
	}

	name := s.fileName(tag)
	path := filepath.Join(s.dir, name)
	if err := os.Rename(tmpName, path); err != nil {
		return nil, fmt.Errorf("rename snapshot into place: %w", err)
	}
	committed = true
	if err := syncDir(s.dir); err != nil {
		return nil, err
	}

	return &Snapshot{
		Name:   name,
		Path:   path,
		Size:   counter.n,
		SHA256: hex.EncodeToString(sum.Sum(nil)),
	}, nil
}

// List returns the stored snapshot names, oldest first
func (s *LocalStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && isSnapshotName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Prune removes the oldest snapshots beyond the retention depth and returns
// the removed names.
func (s *LocalStore) Prune() ([]string, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, name := range Expired(names, s.retention) {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("prune snapshot %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}

// Expired returns the names that fall outside the newest retention entries.
// names must sort oldest first.
func Expired(names []string, retention int) []string {
	if retention < 1 || len(names) <= retention {
		return nil
	}
	return names[:len(names)-retention]
}

func (s *LocalStore) fileName(tag string) string {
	ts := s.now().UTC().Format("20060102T150405.000000000Z")
	if tag == "" {
		return filePrefix + ts + fileSuffix
	}
	return filePrefix + ts + "-" + tag + fileSuffix
}

func isSnapshotName(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open snapshot directory: %w", err)
	}
	defer d.Close()
	// Some filesystems reject fsync on directories
	_ = d.Sync()
	return nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
