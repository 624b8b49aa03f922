// Package report fetches, stores and renders the report of a finished
// firmware CI job.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultHTTPTimeout bounds a single report download.
const DefaultHTTPTimeout = 30 * time.Second

// maxReportSize caps the downloaded body; device logs are large but finite.
const maxReportSize = 64 << 20

// Report is the result the CI runner publishes for one job.
type Report struct {
	Result      json.RawMessage `json:"result"`
	FlashLog    []string        `json:"flashLog"`
	DeviceLog   []string        `json:"deviceLog"`
	Connections json.RawMessage `json:"connections,omitempty"`

	raw json.RawMessage
}

// Raw returns the report exactly as downloaded.
func (r *Report) Raw() json.RawMessage {
	return r.raw
}

// MarshalJSON keeps every field of the downloaded report, including ones
// this type does not model.
func (r *Report) MarshalJSON() ([]byte, error) {
	if len(r.raw) > 0 {
		return r.raw, nil
	}
	type plain Report
	return json.Marshal((*plain)(r))
}

// FetchError reports a failed report download.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	u := redact(e.URL)
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch report %s: unexpected status %d", u, e.StatusCode)
	}
	return fmt.Sprintf("fetch report %s: %v", u, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ErrNoReportURL is returned when the job document carries no report URL.
var ErrNoReportURL = errors.New("job document has no report url")

// Fetcher downloads reports over HTTP.
type Fetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewFetcher returns a fetcher with its own client.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &Fetcher{Client: &http.Client{}, Timeout: timeout}
}

// Fetch downloads and parses the report at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Report, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrNoReportURL
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReportSize))
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	return Parse(body)
}

// Parse decodes a report document.
func Parse(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report: %w", err)
	}
	if len(r.Result) == 0 {
		return nil, errors.New("parse report: missing result")
	}
	r.raw = append(json.RawMessage(nil), data...)
	return &r, nil
}

// redact drops the query string, which holds presigned credentials.
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i] + "?..."
	}
	return url
}
