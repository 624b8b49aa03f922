// Package runstore persists the artifacts of a firmware CI run in the working
// directory: the job documents, the report and an audit record.
package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store writes JSON files under a working directory.
//
// Directory layout:
//
//	<dir>/jobDocument.json
//	<dir>/fotaJobDocument.json
//	<dir>/report.json
//	<dir>/.fwci/<job_id>/run.json
type Store struct {
	dir string
}

func New(dir string) *Store {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "."
	}
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute-or-relative path of name inside the store.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) RunPath(jobID string) string {
	return filepath.Join(s.dir, ".fwci", jobID, "run.json")
}

// WriteJSON writes v as indented JSON to name, atomically.
func (s *Store) WriteJSON(name string, v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", name, err)
	}
	b = append(b, '\n')
	path := s.Path(name)
	if err := writeAtomic(path, b); err != nil {
		return "", err
	}
	return path, nil
}

// ReadJSON decodes name into v.
func (s *Store) ReadJSON(name string, v any) error {
	b, err := os.ReadFile(s.Path(name))
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(b)) == "" {
		return fmt.Errorf("%s is empty", name)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// Exists reports whether name has been written.
func (s *Store) Exists(name string) bool {
	st, err := os.Stat(s.Path(name))
	return err == nil && !st.IsDir()
}

// WriteRun persists the run record, stamping UpdatedAt.
func (s *Store) WriteRun(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')
	return writeAtomic(s.RunPath(jobID), b)
}

// GetRun loads the run record of jobID. Returns an error wrapping
// os.ErrNotExist when the run was never recorded here.
func (s *Store) GetRun(jobID string) (*RunRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(s.RunPath(jobID))
	if err != nil {
		return nil, err
	}
	var record RunRecord
	if err := json.Unmarshal(b, &record); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}
	return &record, nil
}

// IsNotExist reports whether err means the file was never written.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
