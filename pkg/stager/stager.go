// Package stager uploads the firmware images of a CI run to object storage
// under job-scoped keys and removes them once the run is over.
package stager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/fwci/pkg/provider"
)

// DefaultContentType matches what the hardware runner expects for images.
const DefaultContentType = "text/octet-stream"

// Artifact is one file to stage.
type Artifact struct {
	// Key is the object key in the bucket.
	Key string

	// Path is the local file. It may be a doublestar glob that resolves to
	// exactly one file (e.g. "build/**/merged.hex").
	Path string

	// ContentType defaults to DefaultContentType.
	ContentType string
}

// Result is the outcome of one upload or delete.
type Result struct {
	Key  string
	Path string
	Size int64
	Err  error
}

// StageError reports a partially failed Stage or Cleanup.
// Results holds every artifact, including the ones that succeeded.
type StageError struct {
	Op      string
	Results []Result
}

// Error implements the error interface.
func (e *StageError) Error() string {
	var failed []string
	for _, r := range e.Results {
		if r.Err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", r.Key, r.Err))
		}
	}
	return fmt.Sprintf("%s failed for %d of %d artifacts: %s", e.Op, len(failed), len(e.Results), strings.Join(failed, "; "))
}

// Unwrap exposes the individual failures to errors.Is/As.
func (e *StageError) Unwrap() []error {
	var errs []error
	for _, r := range e.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

// Succeeded returns the keys that completed.
func (e *StageError) Succeeded() []string {
	var keys []string
	for _, r := range e.Results {
		if r.Err == nil {
			keys = append(keys, r.Key)
		}
	}
	return keys
}

// Stager stages artifacts for one job.
//
// Stage and Cleanup run every artifact concurrently and never skip the rest
// of the set when one fails.
type Stager struct {
	store  provider.Stager
	logger *zap.Logger

	mu     sync.Mutex
	staged []string
}

// New creates a Stager on store.
func New(store provider.Stager, logger *zap.Logger) *Stager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stager{store: store, logger: logger}
}

// Stage uploads all artifacts in parallel.
//
// Keys whose upload was attempted are remembered for Cleanup, whatever the
// outcome, so a partial stage is still cleaned up.
func (s *Stager) Stage(ctx context.Context, artifacts []Artifact) ([]Result, error) {
	results := make([]Result, len(artifacts))

	var wg sync.WaitGroup
	for i, a := range artifacts {
		s.remember(a.Key)
		wg.Add(1)
		go func(i int, a Artifact) {
			defer wg.Done()
			results[i] = s.upload(ctx, a)
		}(i, a)
	}
	wg.Wait()

	return results, collect("stage", results)
}

func (s *Stager) upload(ctx context.Context, a Artifact) Result {
	res := Result{Key: a.Key, Path: a.Path}

	path, err := ResolvePath(a.Path)
	if err != nil {
		res.Err = err
		return res
	}
	res.Path = path

	f, err := os.Open(path)
	if err != nil {
		res.Err = fmt.Errorf("open %s: %w", path, err)
		return res
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		res.Err = fmt.Errorf("stat %s: %w", path, err)
		return res
	}
	res.Size = st.Size()

	ct := a.ContentType
	if ct == "" {
		ct = DefaultContentType
	}
	if err := s.store.PutObject(ctx, a.Key, f, st.Size(), provider.PutOptions{ContentType: ct}); err != nil {
		res.Err = err
		return res
	}

	s.logger.Debug("Staged artifact",
		zap.String("key", a.Key),
		zap.String("path", path),
		zap.Int64("bytes", st.Size()))
	return res
}

// Cleanup deletes every key Stage attempted, in parallel. A key that is
// already absent counts as deleted.
func (s *Stager) Cleanup(ctx context.Context) ([]Result, error) {
	s.mu.Lock()
	keys := append([]string(nil), s.staged...)
	s.mu.Unlock()

	results := make([]Result, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			err := s.store.DeleteObject(ctx, key)
			if provider.IsNotFound(err) {
				// already gone
				err = nil
			}
			results[i] = Result{Key: key, Err: err}
		}(i, key)
	}
	wg.Wait()

	err := collect("cleanup", results)
	if err == nil {
		s.mu.Lock()
		s.staged = nil
		s.mu.Unlock()
	}
	return results, err
}

// Staged returns the keys Cleanup would delete.
func (s *Stager) Staged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.staged...)
}

func (s *Stager) remember(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.staged {
		if k == key {
			return
		}
	}
	s.staged = append(s.staged, key)
}

func collect(op string, results []Result) error {
	for _, r := range results {
		if r.Err != nil {
			return &StageError{Op: op, Results: results}
		}
	}
	return nil
}

// ResolvePath returns path unchanged when it names a file, or expands it as a
// doublestar glob that must match exactly one file.
func ResolvePath(path string) (string, error) {
	if !hasMeta(path) {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("artifact %s: %w", path, err)
		}
		return path, nil
	}

	matches, err := doublestar.FilepathGlob(path, doublestar.WithFilesOnly())
	if err != nil {
		return "", fmt.Errorf("artifact pattern %s: %w", path, err)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("artifact pattern %s: %w", path, os.ErrNotExist)
	case 1:
		return filepath.Clean(matches[0]), nil
	default:
		return "", fmt.Errorf("artifact pattern %s is ambiguous: %d matches", path, len(matches))
	}
}

func hasMeta(path string) bool {
	return strings.ContainsAny(path, "*?[{")
}
