package stager_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fwci/pkg/provider"
	"github.com/3leaps/fwci/pkg/stager"
)

type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	failPut  map[string]error
	failDel  map[string]error
	putCalls []string
	delCalls []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: map[string][]byte{},
		types:   map[string]string{},
		failPut: map[string]error{},
		failDel: map[string]error{},
	}
}

func (f *fakeStore) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &provider.ObjectMeta{Key: key, Size: int64(len(b))}, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, opts provider.PutOptions) error {
	f.mu.Lock()
	f.putCalls = append(f.putCalls, key)
	failErr := f.failPut[key]
	f.mu.Unlock()
	if failErr != nil {
		return failErr
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = b
	f.types[key] = opts.ContentType
	return nil
}

func (f *fakeStore) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delCalls = append(f.delCalls, key)
	if err := f.failDel[key]; err != nil {
		return err
	}
	delete(f.objects, key)
	return nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func TestStager_StageAndCleanup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	hex := writeFile(t, dir, "firmware.hex", ":10000000")
	bin := writeFile(t, dir, "fota-upgrade.bin", "\x00\x01\x02")

	store := newFakeStore()
	s := stager.New(store, nil)

	results, err := s.Stage(ctx, []stager.Artifact{
		{Key: "abc123ef-0000.hex", Path: hex},
		{Key: "abc123ef.bin", Path: bin},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(9), results[0].Size)
	assert.Equal(t, int64(3), results[1].Size)
	assert.Equal(t, stager.DefaultContentType, store.types["abc123ef.bin"])
	assert.Equal(t, []string{"abc123ef-0000.hex", "abc123ef.bin"}, sorted(s.Staged()))

	_, err = s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Empty(t, store.objects)
	assert.Empty(t, s.Staged())
}

func TestStager_PartialUploadStillAttemptsBoth(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	hex := writeFile(t, dir, "firmware.hex", "hex")
	bin := writeFile(t, dir, "fota.bin", "bin")

	store := newFakeStore()
	store.failPut["job.hex"] = provider.ErrAccessDenied
	s := stager.New(store, nil)

	results, err := s.Stage(ctx, []stager.Artifact{
		{Key: "job.hex", Path: hex},
		{Key: "job.bin", Path: bin},
	})
	require.Error(t, err)

	var stageErr *stager.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "stage", stageErr.Op)
	assert.Equal(t, []string{"job.bin"}, stageErr.Succeeded())
	assert.True(t, errors.Is(err, provider.ErrAccessDenied))
	assert.Contains(t, err.Error(), "1 of 2")

	assert.Equal(t, []string{"job.bin", "job.hex"}, sorted(store.putCalls))
	assert.NoError(t, results[1].Err)

	// Both keys are cleaned up, including the one whose upload failed.
	_, err = s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job.bin", "job.hex"}, sorted(store.delCalls))
}

func TestStager_CleanupDoesNotShortCircuit(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	hex := writeFile(t, dir, "firmware.hex", "hex")
	bin := writeFile(t, dir, "fota.bin", "bin")

	store := newFakeStore()
	store.failDel["job.hex"] = provider.ErrProviderUnavailable
	s := stager.New(store, nil)

	_, err := s.Stage(ctx, []stager.Artifact{{Key: "job.hex", Path: hex}, {Key: "job.bin", Path: bin}})
	require.NoError(t, err)

	_, err = s.Cleanup(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrProviderUnavailable))
	assert.Equal(t, []string{"job.bin", "job.hex"}, sorted(store.delCalls))
	_, stillThere := store.objects["job.bin"]
	assert.False(t, stillThere)

	// Keys stay remembered so a later cleanup can retry.
	assert.Len(t, s.Staged(), 2)
}

func TestStager_MissingFile(t *testing.T) {
	s := stager.New(newFakeStore(), nil)
	_, err := s.Stage(context.Background(), []stager.Artifact{{Key: "k", Path: filepath.Join(t.TempDir(), "nope.hex")}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	merged := writeFile(t, dir, "build/zephyr/merged.hex", "x")
	writeFile(t, dir, "build/a.bin", "x")
	writeFile(t, dir, "build/b.bin", "x")

	got, err := stager.ResolvePath(filepath.Join(dir, "build/**/merged.hex"))
	require.NoError(t, err)
	assert.Equal(t, merged, got)

	_, err = stager.ResolvePath(filepath.Join(dir, "build/*.bin"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	_, err = stager.ResolvePath(filepath.Join(dir, "build/**/*.elf"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	got, err = stager.ResolvePath(merged)
	require.NoError(t, err)
	assert.Equal(t, merged, got)
}

func TestStager_CleanupTreatsMissingAsDeleted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	hex := writeFile(t, dir, "firmware.hex", "hex")

	store := newFakeStore()
	store.failDel["job.hex"] = &provider.ProviderError{Op: "DeleteObject", Key: "job.hex", Err: provider.ErrNotFound}
	s := stager.New(store, nil)

	_, err := s.Stage(ctx, []stager.Artifact{{Key: "job.hex", Path: hex}})
	require.NoError(t, err)

	results, err := s.Cleanup(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Empty(t, s.Staged())
}
