// Package file implements the provider interfaces on a local directory.
//
// Staged artifacts land under BaseDir instead of a bucket, which lets a
// workflow run against a local directory.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/fwci/pkg/provider"
)

// Provider stores objects as files under a base directory.
type Provider struct {
	baseDir string
}

var (
	_ provider.Stager       = (*Provider)(nil)
	_ provider.ObjectGetter = (*Provider)(nil)
	_ provider.BucketProber = (*Provider)(nil)
)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil || st.IsDir() {
		if err == nil || os.IsNotExist(err) {
			return nil, p.wrapError("Head", key, provider.ErrNotFound)
		}
		return nil, p.wrapError("Head", key, err)
	}
	return &provider.ObjectMeta{Key: key, Size: st.Size(), LastModified: st.ModTime()}, nil
}

func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, opts provider.PutOptions) error {
	_ = ctx
	_ = opts
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return p.wrapError("PutObject", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	n, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		return p.wrapError("PutObject", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if contentLength >= 0 && n != contentLength {
		return p.wrapError("PutObject", key, fmt.Errorf("short write: wrote %d of %d bytes", n, contentLength))
	}
	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, p.wrapError("GetObject", key, provider.ErrNotFound)
		}
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	return f, st.Size(), nil
}

// ProbeBucket checks that the base directory exists.
func (p *Provider) ProbeBucket(ctx context.Context) error {
	_ = ctx
	st, err := os.Stat(p.baseDir)
	if err != nil {
		return p.wrapError("ProbeBucket", "", provider.ErrBucketNotFound)
	}
	if !st.IsDir() {
		return p.wrapError("ProbeBucket", "", fmt.Errorf("%s is not a directory", p.baseDir))
	}
	return nil
}

// fullPath resolves key under baseDir and rejects keys escaping it.
func (p *Provider) fullPath(key string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(key, "/"))
	if clean == "/" {
		return "", fmt.Errorf("empty key")
	}
	full := filepath.Join(p.baseDir, filepath.FromSlash(clean))
	rel, err := filepath.Rel(p.baseDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("key escapes base dir: %s", key)
	}
	return full, nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	return &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Bucket: p.baseDir, Key: key, Err: err}
}
