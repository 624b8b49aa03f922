package workflow

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fwci/pkg/firmwareci"
	"github.com/3leaps/fwci/pkg/injector"
	"github.com/3leaps/fwci/pkg/manifest"
	"github.com/3leaps/fwci/pkg/pki"
	"github.com/3leaps/fwci/pkg/poller"
	"github.com/3leaps/fwci/pkg/provider/file"
	"github.com/3leaps/fwci/pkg/report"
	"github.com/3leaps/fwci/pkg/runstore"
	"github.com/3leaps/fwci/pkg/stager"
)

const (
	jobID      = "abc123ef-1111-2222-3333-444455556666"
	appVersion = "1.4.0"
	thingARN   = "arn:aws:iot:eu-west-1:123456789012:thing/" + jobID
)

// fakeService is an in-memory execution service. Each Describe of a
// scheduled job advances through statuses; the last one repeats.
type fakeService struct {
	mu        sync.Mutex
	docs      map[string]*firmwareci.JobDocument
	statuses  []firmwareci.JobStatus
	describes int
	schedules int
	cancels   []string
	reportURL string
	schedErr  error
}

func newFakeService(reportURL string, statuses ...firmwareci.JobStatus) *fakeService {
	return &fakeService{docs: map[string]*firmwareci.JobDocument{}, statuses: statuses, reportURL: reportURL}
}

func (s *fakeService) Schedule(_ context.Context, req firmwareci.ScheduleRequest) (*firmwareci.JobDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules++
	if s.schedErr != nil {
		return nil, &firmwareci.SubmissionError{JobID: req.JobID, Err: s.schedErr}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	doc := &firmwareci.JobDocument{
		ReportURL:        s.reportURL,
		FW:               req.FirmwareURL,
		Target:           req.Target,
		Network:          req.Network,
		SecTag:           req.SecTag,
		TimeoutInMinutes: int(req.Timeout / time.Minute),
		AbortOn:          req.AbortOn,
		EndOn:            req.EndOn,
		Credentials:      req.Credentials,
	}
	s.docs[req.JobID] = doc
	return doc, nil
}

func (s *fakeService) Describe(_ context.Context, id string) (*firmwareci.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, firmwareci.ErrJobNotFound
	}
	i := s.describes
	s.describes++
	if i >= len(s.statuses) {
		i = len(s.statuses) - 1
	}
	return &firmwareci.Job{ID: id, Status: s.statuses[i], Document: doc}, nil
}

func (s *fakeService) Cancel(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, id)
	return nil
}

type fakeDevice struct {
	mu         sync.Mutex
	identified bool
	jobs       []injector.Job
}

func (d *fakeDevice) Shadow(context.Context, string) ([]byte, error) {
	if d.identified {
		return []byte(`{"state":{"reported":{"dev":{"v":{"appV":"` + appVersion + `"}}}}}`), nil
	}
	return nil, injector.ErrNotConnected
}

func (d *fakeDevice) ThingARN(context.Context, string) (string, error) {
	return thingARN, nil
}

func (d *fakeDevice) CreateJob(_ context.Context, job injector.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

type harness struct {
	cfg      Config
	deps     Dependencies
	svc      *fakeService
	device   *fakeDevice
	bucket   string
	certsDir string
	workDir  string
	out      *bytes.Buffer
}

func reportServer(t *testing.T) string {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/{jobID}/report.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"timeout":false},"flashLog":["flashed"],"deviceLog":["Version:     1.4.0-upgraded","MQTT_EVT_SUBACK"]}`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL + "/" + jobID + "/report.json"
}

func newHarness(t *testing.T, statuses ...firmwareci.JobStatus) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		bucket:   filepath.Join(root, "bucket"),
		certsDir: filepath.Join(root, "certs"),
		workDir:  filepath.Join(root, "work"),
		device:   &fakeDevice{},
		out:      &bytes.Buffer{},
	}
	require.NoError(t, os.MkdirAll(h.workDir, 0o755))

	hex := filepath.Join(root, "firmware.hex")
	fota := filepath.Join(root, "fota-upgrade.bin")
	require.NoError(t, os.WriteFile(hex, []byte(":10000000"), 0o644))
	require.NoError(t, os.WriteFile(fota, make([]byte, 2048), 0o644))
	rootCA := filepath.Join(root, "AmazonRootCA1.pem")
	require.NoError(t, os.WriteFile(rootCA, []byte("root"), 0o644))

	store, err := file.New(file.Config{BaseDir: h.bucket})
	require.NoError(t, err)
	provider, err := pki.NewLocalProvider(h.certsDir, rootCA, nil, nil)
	require.NoError(t, err)

	h.svc = newFakeService(reportServer(t), statuses...)
	params := manifest.Default().Render(appVersion)
	h.cfg = Config{
		JobID:                      jobID,
		AppVersion:                 appVersion,
		HexFile:                    hex,
		FOTAFile:                   fota,
		HexKey:                     jobID + ".hex",
		FOTAKey:                    "abc123ef.bin",
		FirmwareURL:                "https://bucket.s3.eu-west-1.amazonaws.com/" + jobID + ".hex",
		Bucket:                     "bucket",
		Region:                     "eu-west-1",
		BrokerHostname:             "broker.example.com",
		Params:                     params,
		PollInterval:               2 * time.Millisecond,
		PollTimeout:                time.Second,
		InjectorDelay:              time.Millisecond,
		InjectorInterval:           time.Millisecond,
		InjectorTimeout:            20 * time.Millisecond,
		CancelInjectorOnCompletion: false,
	}
	h.deps = Dependencies{
		Service: h.svc,
		Stager:  stager.New(store, nil),
		PKI:     provider,
		Device:  h.device,
		Store:   runstore.New(h.workDir),
		Fetcher: report.NewFetcher(time.Second),
		Out:     h.out,
	}
	return h
}

func (h *harness) run(t *testing.T) (*Outcome, error) {
	t.Helper()
	r, err := New(h.cfg, h.deps)
	require.NoError(t, err)
	return r.Run(context.Background())
}

func (h *harness) assertCleanedUp(t *testing.T) {
	t.Helper()
	for _, key := range []string{h.cfg.HexKey, h.cfg.FOTAKey} {
		_, err := os.Stat(filepath.Join(h.bucket, key))
		assert.True(t, errors.Is(err, os.ErrNotExist), "staged %s still present", key)
	}
	for _, path := range pki.DeviceFiles(h.certsDir, jobID).All() {
		_, err := os.Stat(path)
		assert.True(t, errors.Is(err, os.ErrNotExist), "device file %s still present", path)
	}
}

func TestRun_DeviceNeverIdentified(t *testing.T) {
	h := newHarness(t, firmwareci.StatusInProgress, firmwareci.StatusInProgress, firmwareci.StatusSucceeded)

	out, err := h.run(t)
	require.NoError(t, err)

	assert.False(t, out.Resumed)
	assert.Equal(t, firmwareci.StatusSucceeded, out.Job.Status)
	assert.Equal(t, 1, h.svc.schedules)
	assert.Empty(t, h.svc.cancels)

	require.NotNil(t, out.Injector)
	assert.Equal(t, injector.StateTimedOutWaiting, out.Injector.State)
	assert.Empty(t, h.device.jobs)

	store := h.deps.Store
	assert.True(t, store.Exists(runstore.JobDocumentFile))
	assert.False(t, store.Exists(runstore.FOTAJobDocumentFile))
	assert.True(t, store.Exists(runstore.ReportFile))
	assert.Contains(t, h.out.String(), "** Device Log **")
	h.assertCleanedUp(t)

	rec, err := store.GetRun(jobID)
	require.NoError(t, err)
	assert.Equal(t, runstore.RunStateCompleted, rec.State)
	assert.Equal(t, string(injector.StateTimedOutWaiting), rec.InjectorState)
	assert.ElementsMatch(t, []string{jobID + ".hex", "abc123ef.bin"}, rec.StagedKeys)
}

func TestRun_DeviceIdentifiedSubmitsOneFOTAJob(t *testing.T) {
	h := newHarness(t, firmwareci.StatusInProgress)
	h.device.identified = true
	// Finish the primary job only after the injector had time to run.
	h.svc.statuses = []firmwareci.JobStatus{firmwareci.StatusInProgress, firmwareci.StatusInProgress, firmwareci.StatusInProgress,
		firmwareci.StatusInProgress, firmwareci.StatusInProgress, firmwareci.StatusFailed}

	out, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, firmwareci.StatusFailed, out.Job.Status)

	require.Len(t, h.device.jobs, 1)
	assert.Equal(t, injector.StateFOTASubmitted, out.Injector.State)

	var doc injector.FOTADocument
	require.NoError(t, h.deps.Store.ReadJSON(runstore.FOTAJobDocumentFile, &doc))
	assert.Equal(t, appVersion+"-upgraded", doc.FWVersion)
	assert.Equal(t, "abc123ef.bin", doc.Filename)
	assert.Equal(t, int64(2048), doc.Size)
	assert.True(t, h.deps.Store.Exists(runstore.ReportFile))
	h.assertCleanedUp(t)
}

func TestRun_ResumesExistingJob(t *testing.T) {
	h := newHarness(t, firmwareci.StatusSucceeded)
	h.svc.docs[jobID] = &firmwareci.JobDocument{ReportURL: h.svc.reportURL}

	out, err := h.run(t)
	require.NoError(t, err)
	assert.True(t, out.Resumed)
	assert.Equal(t, firmwareci.StatusSucceeded, out.Job.Status)
	assert.Zero(t, h.svc.schedules)
	assert.Equal(t, 1, h.svc.describes)
	assert.Nil(t, out.Injector)

	_, err = os.Stat(h.bucket)
	assert.True(t, errors.Is(err, os.ErrNotExist), "nothing staged on resume")
	_, err = os.Stat(pki.CAFiles(h.certsDir).ID)
	assert.True(t, errors.Is(err, os.ErrNotExist), "no certificates on resume")
	assert.True(t, h.deps.Store.Exists(runstore.ReportFile))
}

func TestRun_ResumesRunningJob(t *testing.T) {
	h := newHarness(t, firmwareci.StatusInProgress, firmwareci.StatusInProgress, firmwareci.StatusSucceeded)
	h.svc.docs[jobID] = &firmwareci.JobDocument{ReportURL: h.svc.reportURL}

	out, err := h.run(t)
	require.NoError(t, err)
	assert.True(t, out.Resumed)
	assert.Equal(t, firmwareci.StatusSucceeded, out.Job.Status)
	assert.Zero(t, h.svc.schedules)
	assert.Greater(t, h.svc.describes, 1)
	assert.Empty(t, h.svc.cancels)
	assert.Nil(t, out.Injector)

	_, err = os.Stat(h.bucket)
	assert.True(t, errors.Is(err, os.ErrNotExist), "nothing staged on resume")
	assert.True(t, h.deps.Store.Exists(runstore.ReportFile))

	rec, err := h.deps.Store.GetRun(jobID)
	require.NoError(t, err)
	assert.Equal(t, string(firmwareci.StatusSucceeded), rec.JobStatus)
}

func TestRun_GlobFOTAFileIsResolvedForInjector(t *testing.T) {
	h := newHarness(t, firmwareci.StatusInProgress)
	h.device.identified = true
	h.svc.statuses = []firmwareci.JobStatus{firmwareci.StatusInProgress, firmwareci.StatusInProgress, firmwareci.StatusInProgress,
		firmwareci.StatusInProgress, firmwareci.StatusInProgress, firmwareci.StatusFailed}
	h.cfg.FOTAFile = filepath.Join(filepath.Dir(h.cfg.FOTAFile), "fota-*.bin")

	out, err := h.run(t)
	require.NoError(t, err)

	require.NotNil(t, out.Injector)
	assert.Equal(t, injector.StateFOTASubmitted, out.Injector.State)
	require.Len(t, h.device.jobs, 1)

	var doc injector.FOTADocument
	require.NoError(t, h.deps.Store.ReadJSON(runstore.FOTAJobDocumentFile, &doc))
	assert.Equal(t, int64(2048), doc.Size)
	h.assertCleanedUp(t)
}

func TestStagedPath(t *testing.T) {
	results := []stager.Result{
		{Key: "a.hex", Path: "/build/a.hex"},
		{Key: "a.bin", Path: "/build/out/fota.bin"},
		{Key: "b.bin", Path: "/build/b.bin", Err: errors.New("denied")},
	}
	assert.Equal(t, "/build/out/fota.bin", stagedPath(results, "a.bin", "build/**/*.bin"))
	assert.Equal(t, "build/*.bin", stagedPath(results, "b.bin", "build/*.bin"))
	assert.Equal(t, "x.bin", stagedPath(nil, "a.bin", "x.bin"))
}

func TestRun_PollTimeoutCancelsOnce(t *testing.T) {
	h := newHarness(t, firmwareci.StatusInProgress)
	h.cfg.PollTimeout = 30 * time.Millisecond
	h.cfg.CancelInjectorOnCompletion = true
	h.cfg.InjectorTimeout = time.Hour

	out, err := h.run(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, poller.ErrTimeout)
	assert.True(t, out.TimedOut)
	assert.Equal(t, []string{jobID}, h.svc.cancels)
	assert.Nil(t, out.Report)
	assert.False(t, h.deps.Store.Exists(runstore.ReportFile))
	assert.Equal(t, injector.StateCanceled, out.Injector.State)
	h.assertCleanedUp(t)

	rec, err := h.deps.Store.GetRun(jobID)
	require.NoError(t, err)
	assert.Equal(t, runstore.RunStateTimedOut, rec.State)
}

func TestRun_PartialStageAttemptsBothAndCleansUp(t *testing.T) {
	h := newHarness(t, firmwareci.StatusSucceeded)
	h.cfg.FOTAFile = filepath.Join(t.TempDir(), "missing.bin")

	_, err := h.run(t)
	var se *stager.StageError
	require.ErrorAs(t, err, &se)
	assert.Len(t, se.Results, 2)
	assert.Equal(t, []string{jobID + ".hex"}, se.Succeeded())
	assert.Zero(t, h.svc.schedules)
	h.assertCleanedUp(t)
}

func TestRun_SubmissionErrorCleansUp(t *testing.T) {
	h := newHarness(t, firmwareci.StatusSucceeded)
	h.svc.schedErr = errors.New("quota exceeded")

	_, err := h.run(t)
	var sub *firmwareci.SubmissionError
	require.ErrorAs(t, err, &sub)
	assert.Equal(t, 1, h.svc.schedules)
	assert.False(t, h.deps.Store.Exists(runstore.JobDocumentFile))
	h.assertCleanedUp(t)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, Dependencies{})
	assert.EqualError(t, err, "job id is required")

	_, err = New(Config{JobID: "x", AppVersion: "1", PollInterval: time.Second}, Dependencies{})
	assert.EqualError(t, err, "workflow is missing service, stager, pki, store, fetcher")
}
