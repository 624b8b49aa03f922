package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fwci/pkg/runstore"
)

const sampleReport = `{
  "result": {"timeout": false, "abort": false},
  "flashLog": ["Flashing", "Done"],
  "deviceLog": ["Booting", "Version:     1.0.0-upgraded", "MQTT_EVT_SUBACK"],
  "connections": {"ltem": 1},
  "extra": "kept"
}`

func newReportServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/{jobID}/report.json", func(w http.ResponseWriter, req *http.Request) {
		switch chi.URLParam(req, "jobID") {
		case "ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(sampleReport))
		case "garbage":
			_, _ = w.Write([]byte("<html>"))
		case "slow":
			select {
			case <-req.Context().Done():
			case <-time.After(time.Second):
			}
		default:
			http.Error(w, "AccessDenied", http.StatusForbidden)
		}
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch(t *testing.T) {
	srv := newReportServer(t)
	f := &Fetcher{Client: srv.Client(), Timeout: time.Second}

	r, err := f.Fetch(context.Background(), srv.URL+"/ok/report.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"Flashing", "Done"}, r.FlashLog)
	assert.Len(t, r.DeviceLog, 3)
	assert.JSONEq(t, `{"ltem": 1}`, string(r.Connections))
	assert.JSONEq(t, sampleReport, string(r.Raw()))
}

func TestFetch_Errors(t *testing.T) {
	srv := newReportServer(t)
	f := &Fetcher{Client: srv.Client(), Timeout: 50 * time.Millisecond}

	_, err := f.Fetch(context.Background(), srv.URL+"/denied/report.json?X-Amz-Signature=secret")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusForbidden, fe.StatusCode)
	assert.NotContains(t, err.Error(), "secret")

	_, err = f.Fetch(context.Background(), srv.URL+"/garbage/report.json")
	assert.ErrorContains(t, err, "parse report")

	_, err = f.Fetch(context.Background(), srv.URL+"/slow/report.json")
	require.ErrorAs(t, err, &fe)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	_, err = f.Fetch(context.Background(), " ")
	assert.ErrorIs(t, err, ErrNoReportURL)
}

func TestParse_RequiresResult(t *testing.T) {
	_, err := Parse([]byte(`{"flashLog":[]}`))
	assert.ErrorContains(t, err, "missing result")
}

func TestRender(t *testing.T) {
	r, err := Parse([]byte(sampleReport))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Render(&out, r))
	want := "\n** Result **\n\n{\n  \"timeout\": false,\n  \"abort\": false\n}\n" +
		"\n** Flash Log **\n\nFlashing\nDone\n" +
		"\n** Device Log **\n\nBooting\nVersion:     1.0.0-upgraded\nMQTT_EVT_SUBACK\n" +
		"\n** Connections **\n\n{\n  \"ltem\": 1\n}\n"
	assert.Equal(t, want, out.String())

	r, err = Parse([]byte(`{"result":"passed","flashLog":[],"deviceLog":["a"]}`))
	require.NoError(t, err)
	out.Reset()
	require.NoError(t, Render(&out, r))
	assert.Contains(t, out.String(), "** Result **\n\npassed\n")
	assert.NotContains(t, out.String(), "Connections")
}

func TestCollect_PersistsVerbatim(t *testing.T) {
	srv := newReportServer(t)
	store := runstore.New(t.TempDir())
	var out bytes.Buffer

	r, path, err := Collect(context.Background(), &Fetcher{Client: srv.Client()}, store, srv.URL+"/ok/report.json", &out)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, store.Path(FileName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, sampleReport, string(data))

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, "kept", parsed["extra"])
	assert.Contains(t, out.String(), "** Device Log **")
}

func TestCollect_FetchFailureStoresNothing(t *testing.T) {
	srv := newReportServer(t)
	store := runstore.New(t.TempDir())

	_, _, err := Collect(context.Background(), &Fetcher{Client: srv.Client()}, store, srv.URL+"/missing/report.json", nil)
	require.Error(t, err)
	assert.False(t, store.Exists(FileName))
}
