package feature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/fwci/pkg/firmwareci"
	"github.com/3leaps/fwci/pkg/poller"
	"github.com/3leaps/fwci/pkg/report"
)

// ReportFetcher downloads the report of a finished job.
type ReportFetcher interface {
	Fetch(ctx context.Context, url string) (*report.Report, error)
}

// FirmwareCISteps provides the steps that wait for firmware CI jobs and
// inspect their reports.
type FirmwareCISteps struct {
	Service firmwareci.Service
	Fetcher ReportFetcher
	Poll    poller.Options

	mu   sync.Mutex
	jobs map[string]*completion
}

type completion struct {
	done chan struct{}
	err  error
}

// StoreKey is the store key under which a job value is kept,
// "firmwareci:<jobID>:<name>".
func StoreKey(jobID, name string) string {
	return "firmwareci:" + jobID + ":" + name
}

// Definitions returns the step definitions.
func (s *FirmwareCISteps) Definitions() []StepDefinition {
	return []StepDefinition{
		Define(`^the Firmware CI job "(?P<jobId>[^"]+)" has completed$`, s.jobCompleted),
		Define(`^the Firmware CI device log for job "(?P<jobId>[^"]+)" should contain$`, s.deviceLogContains),
	}
}

// jobCompleted waits once per job id; concurrent and later calls share the
// first successful wait.
func (s *FirmwareCISteps) jobCompleted(ctx context.Context, sc *StepContext) (any, error) {
	jobID := sc.Groups["jobId"]

	s.mu.Lock()
	if s.jobs == nil {
		s.jobs = map[string]*completion{}
	}
	c, ok := s.jobs[jobID]
	if !ok {
		c = &completion{done: make(chan struct{})}
		s.jobs[jobID] = c
	}
	s.mu.Unlock()

	if ok {
		select {
		case <-c.done:
			return nil, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.err = s.complete(ctx, jobID, sc)
	if c.err != nil {
		s.mu.Lock()
		delete(s.jobs, jobID)
		s.mu.Unlock()
	}
	close(c.done)
	if c.err != nil {
		return nil, c.err
	}
	return map[string]any{"jobId": jobID}, nil
}

func (s *FirmwareCISteps) complete(ctx context.Context, jobID string, sc *StepContext) error {
	if s.Service == nil || s.Fetcher == nil {
		return errors.New("firmware CI steps are not configured")
	}
	opts := s.Poll
	if opts.Logger == nil {
		opts.Logger = sc.Logger
	}
	sc.Logger.Info("waiting for firmware CI job", zap.String("job_id", jobID))
	job, err := poller.Wait(ctx, s.Service, jobID, opts)
	if err != nil {
		return err
	}
	if job.Document == nil || job.Document.ReportURL == "" {
		return fmt.Errorf("job %s has no report url", jobID)
	}
	rep, err := s.Fetcher.Fetch(ctx, job.Document.ReportURL)
	if err != nil {
		return err
	}

	var result any
	if len(rep.Result) > 0 {
		if err := json.Unmarshal(rep.Result, &result); err != nil {
			return fmt.Errorf("decode report result: %w", err)
		}
	}
	var connections any
	if len(rep.Connections) > 0 {
		if err := json.Unmarshal(rep.Connections, &connections); err != nil {
			return fmt.Errorf("decode report connections: %w", err)
		}
	}

	sc.Store.Set(StoreKey(jobID, "job"), job)
	sc.Store.Set(StoreKey(jobID, "document"), job.Document)
	sc.Store.Set(StoreKey(jobID, "result"), result)
	sc.Store.Set(StoreKey(jobID, "flashLog"), rep.FlashLog)
	sc.Store.Set(StoreKey(jobID, "deviceLog"), rep.DeviceLog)
	sc.Store.Set(StoreKey(jobID, "connections"), connections)
	sc.Logger.Info("firmware CI job completed", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
	return nil
}

func (s *FirmwareCISteps) deviceLogContains(_ context.Context, sc *StepContext) (any, error) {
	if !sc.Step.HasDocString {
		return nil, errors.New("Must provide argument!")
	}
	jobID := sc.Groups["jobId"]
	deviceLog, err := sc.Store.Strings(StoreKey(jobID, "deviceLog"))
	if err != nil {
		return nil, err
	}
	return ContainsLines(deviceLog, sc.Step.DocString)
}

// ContainsLines checks that every non-empty trimmed line of expected is a
// substring of some line in log. It returns the matching log lines.
func ContainsLines(log []string, expected string) ([]string, error) {
	var matches []string
	for _, e := range strings.Split(expected, "\n") {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		found := false
		for _, l := range log {
			if strings.Contains(l, e) {
				matches = append(matches, l)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("deviceLog did not contain %q", e)
		}
	}
	return matches, nil
}
