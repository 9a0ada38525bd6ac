// Copyright 2023 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logrepl

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jackc/pglogrepl"
)

// lsnStore manages loading and saving the replication checkpoint file. This
// provides durable storage for the WAL position of the last transaction that
// was successfully applied locally, so that a restarted session resumes the
// change stream at the correct point. The file doubles as the database's
// replication metadata marker: it exists exactly while a session is or was
// active, and the owning database removes it on drop.
type lsnStore struct {
	mu   sync.Mutex
	path string
}

func newLSNStore(path string) *lsnStore {
	return &lsnStore{path: path}
}

// Load reads the checkpoint. A missing file means replication has never
// flushed anything and yields the zero LSN with no error.
func (s *lsnStore) Load() (pglogrepl.LSN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bytes, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	text := strings.TrimSpace(string(bytes))
	if text == "" {
		return 0, nil
	}
	lsn, err := pglogrepl.ParseLSN(text)
	if err != nil {
		return 0, fmt.Errorf("malformed replication checkpoint %q in %s: %w", text, s.path, err)
	}
	return lsn, nil
}

// Save persists the checkpoint, creating the file and its directory on first
// use.
func (s *lsnStore) Save(lsn pglogrepl.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(lsn.String()), 0644)
}

// Init makes sure the metadata file exists, so the session is discoverable
// on disk from the moment replication starts rather than from the first
// flushed transaction.
func (s *lsnStore) Init() error {
	s.mu.Lock()
	if _, err := os.Stat(s.path); err == nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.Save(0)
}
