// Package status persists per-container sync checkpoints and migrator
// cursors under the configured status directory.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package status

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"github.com/swiftstack/cloudsync/cmn"
)

const migratorSuffix = ".migrator"

type (
	// Store reads and atomically rewrites the small JSON documents at
	// `<status_dir>/<account>/<container>`. The single worker assigned to a
	// container is the only writer of its file.
	Store struct {
		dir string
	}

	// rowEntry is the per-source-database checkpoint.
	rowEntry struct {
		LastRow   int64  `json:"last_row"`
		AwsBucket string `json:"aws_bucket"`
	}

	// MigratorStatus is the migration cursor for one container.
	MigratorStatus struct {
		Marker         string    `json:"marker"`
		MovedCount     int64     `json:"moved_count"`
		ScannedCount   int64     `json:"scanned_count"`
		LastFinishedAt time.Time `json:"last_finished_at"`
	}
)

func NewStore(dir string) *Store { return &Store{dir: dir} }

func (s *Store) statusFile(account, container string) string {
	return filepath.Join(s.dir, account, container)
}

// LastRow returns the checkpoint for (container, dbID) provided it was
// recorded against the same bucket; a bucket change restarts from row 0.
// The first status iteration carried a bare `{"last_row": N}` document with
// no database ID: accept it on read, rewrite it keyed on the next save.
func (s *Store) LastRow(account, container, dbID, bucket string) int64 {
	data, err := os.ReadFile(s.statusFile(account, container))
	if err != nil {
		return 0
	}
	var legacy struct {
		LastRow *int64 `json:"last_row"`
	}
	if err := cmn.Unmarshal(data, &legacy); err == nil && legacy.LastRow != nil {
		return *legacy.LastRow
	}
	var status map[string]rowEntry
	if err := cmn.Unmarshal(data, &status); err != nil {
		return 0
	}
	if entry, ok := status[dbID]; ok && entry.AwsBucket == bucket {
		return entry.LastRow
	}
	return 0
}

// SaveLastRow rewrites the whole document atomically; concurrent readers
// see either the old or the new state.
func (s *Store) SaveLastRow(account, container, dbID, bucket string, row int64) error {
	path := s.statusFile(account, container)
	status := make(map[string]rowEntry)
	if data, err := os.ReadFile(path); err == nil {
		var legacy struct {
			LastRow *int64 `json:"last_row"`
		}
		if err := cmn.Unmarshal(data, &legacy); err != nil || legacy.LastRow == nil {
			if err := cmn.Unmarshal(data, &status); err != nil {
				status = make(map[string]rowEntry)
			}
		}
	}
	status[dbID] = rowEntry{LastRow: row, AwsBucket: bucket}
	data, err := cmn.Marshal(status)
	if err != nil {
		return err
	}
	return errors.Wrapf(cmn.SaveFileAtomic(path, data), "failed to save status for %s/%s", account, container)
}

func (s *Store) migratorFile(account, container string) string {
	return filepath.Join(s.dir, account, container+migratorSuffix)
}

func (s *Store) LoadMigrator(account, container string) (*MigratorStatus, error) {
	data, err := os.ReadFile(s.migratorFile(account, container))
	if err != nil {
		if os.IsNotExist(err) {
			return &MigratorStatus{}, nil
		}
		return nil, err
	}
	status := &MigratorStatus{}
	if err := cmn.Unmarshal(data, status); err != nil {
		// an unparseable cursor restarts the pass from the beginning
		return &MigratorStatus{}, nil
	}
	return status, nil
}

func (s *Store) SaveMigrator(account, container string, status *MigratorStatus) error {
	data, err := cmn.Marshal(status)
	if err != nil {
		return err
	}
	return errors.Wrapf(cmn.SaveFileAtomic(s.migratorFile(account, container), data),
		"failed to save migrator status for %s/%s", account, container)
}

// Prune removes status documents for mappings that are no longer
// configured, so retired containers do not resume on a config revert.
func (s *Store) Prune(keep func(account, container string) bool) error {
	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		return nil
	}
	return godirwalk.Walk(s.dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(s.dir, path)
			if err != nil {
				return nil //nolint:nilerr // skip odd entries
			}
			parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
			if len(parts) != 2 {
				return nil
			}
			account, container := parts[0], strings.TrimSuffix(parts[1], migratorSuffix)
			if keep(account, container) {
				return nil
			}
			return os.Remove(path)
		},
	})
}
