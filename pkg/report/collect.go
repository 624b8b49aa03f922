package report

import (
	"context"
	"fmt"
	"io"
)

// FileName is the name the report is persisted under.
const FileName = "report.json"

// Persister stores JSON documents. runstore.Store implements it.
type Persister interface {
	WriteJSON(name string, v any) (string, error)
}

// Collect fetches the report at url, persists it and renders it to w.
// Returns the report and the path it was stored at.
func Collect(ctx context.Context, f *Fetcher, store Persister, url string, w io.Writer) (*Report, string, error) {
	r, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, "", err
	}
	path, err := store.WriteJSON(FileName, r)
	if err != nil {
		return r, "", fmt.Errorf("store report: %w", err)
	}
	if w != nil {
		if err := Render(w, r); err != nil {
			return r, path, fmt.Errorf("render report: %w", err)
		}
	}
	return r, path, nil
}
