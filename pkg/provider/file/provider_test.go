package file

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fwci/pkg/provider"
)

func TestProvider_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	require.NoError(t, p.PutObject(ctx, "abc123ef.bin", strings.NewReader("fota"), 4, provider.PutOptions{}))

	meta, err := p.Head(ctx, "abc123ef.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(4), meta.Size)

	body, size, err := p.GetObject(ctx, "abc123ef.bin")
	require.NoError(t, err)
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	_ = body.Close()
	assert.Equal(t, int64(4), size)
	assert.Equal(t, "fota", string(b))

	require.NoError(t, p.DeleteObject(ctx, "abc123ef.bin"))
	_, err = os.Stat(filepath.Join(dir, "abc123ef.bin"))
	assert.True(t, os.IsNotExist(err))

	// Deleting again is not an error.
	require.NoError(t, p.DeleteObject(ctx, "abc123ef.bin"))

	_, err = p.Head(ctx, "abc123ef.bin")
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_ShortWrite(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = p.PutObject(context.Background(), "a.hex", strings.NewReader("ab"), 10, provider.PutOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "short write")
}

func TestProvider_RejectsEscapingKeys(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = p.fullPath("")
	assert.Error(t, err)

	full, err := p.fullPath("../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(full, p.baseDir))
}

func TestProvider_ProbeBucket(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	assert.NoError(t, p.ProbeBucket(context.Background()))

	missing, err := New(Config{BaseDir: filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
	assert.True(t, provider.IsBucketNotFound(missing.ProbeBucket(context.Background())))
}

func TestConfig_Validate(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
