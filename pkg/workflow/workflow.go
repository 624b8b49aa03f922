// Package workflow runs one firmware CI job end to end: stage the firmware,
// issue device credentials, schedule the job, watch it while injecting the
// FOTA update, collect the report and clean up.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/fwci/pkg/firmwareci"
	"github.com/3leaps/fwci/pkg/injector"
	"github.com/3leaps/fwci/pkg/manifest"
	"github.com/3leaps/fwci/pkg/pki"
	"github.com/3leaps/fwci/pkg/poller"
	"github.com/3leaps/fwci/pkg/report"
	"github.com/3leaps/fwci/pkg/runstore"
	"github.com/3leaps/fwci/pkg/stager"
)

// DefaultCleanupTimeout bounds artifact and certificate cleanup, which runs
// even after the run context is canceled.
const DefaultCleanupTimeout = 2 * time.Minute

// ArtifactStager uploads and removes the job's artifacts. *stager.Stager
// implements it.
type ArtifactStager interface {
	Stage(ctx context.Context, artifacts []stager.Artifact) ([]stager.Result, error)
	Cleanup(ctx context.Context) ([]stager.Result, error)
}

// Config is the immutable description of one run.
type Config struct {
	JobID      string
	AppVersion string

	// HexFile and FOTAFile are local paths (or globs matching one file).
	HexFile  string
	FOTAFile string
	// HexKey and FOTAKey are the object keys they are staged under.
	HexKey      string
	FOTAKey     string
	FirmwareURL string
	Bucket      string
	Region      string

	BrokerHostname string
	Params         manifest.Params

	PollInterval time.Duration
	// PollTimeout bounds the wait for a terminal status. Zero is unbounded.
	PollTimeout time.Duration

	InjectorDelay    time.Duration
	InjectorInterval time.Duration
	// InjectorTimeout is the time the injector budget is derived from.
	// Zero uses the job timeout.
	InjectorTimeout            time.Duration
	CancelInjectorOnCompletion bool

	CleanupTimeout time.Duration
}

// Validate checks the fields every run needs.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JobID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(c.AppVersion) == "" {
		return errors.New("app version is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}

// Dependencies are the collaborators of a run.
type Dependencies struct {
	Service firmwareci.Service
	Stager  ArtifactStager
	PKI     pki.Provider
	// Device reaches the device under test. Nil disables the injector.
	Device  injector.Device
	Store   *runstore.Store
	Fetcher *report.Fetcher
	Logger  *zap.Logger
	// Out receives the rendered report. Nil discards it.
	Out io.Writer
}

func (d Dependencies) validate() error {
	var missing []string
	if d.Service == nil {
		missing = append(missing, "service")
	}
	if d.Stager == nil {
		missing = append(missing, "stager")
	}
	if d.PKI == nil {
		missing = append(missing, "pki")
	}
	if d.Store == nil {
		missing = append(missing, "store")
	}
	if d.Fetcher == nil {
		missing = append(missing, "fetcher")
	}
	if len(missing) > 0 {
		return fmt.Errorf("workflow is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Outcome summarizes a run.
type Outcome struct {
	JobID   string
	Resumed bool
	// Job is the last observation of the primary job.
	Job      *firmwareci.Job
	Document *firmwareci.JobDocument
	Injector *injector.Result

	Report     *report.Report
	ReportPath string

	// TimedOut is set when the job never became terminal; the job was
	// then canceled.
	TimedOut bool
}

// Runner runs firmware CI jobs.
type Runner struct {
	cfg  Config
	deps Dependencies
	log  *zap.Logger
	rec  *recorder
}

// New validates cfg and deps.
func New(cfg Config, deps Dependencies) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	if cfg.InjectorTimeout <= 0 {
		cfg.InjectorTimeout = cfg.Params.Timeout
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("job_id", cfg.JobID))
	return &Runner{
		cfg:  cfg,
		deps: deps,
		log:  log,
		rec:  newRecorder(deps.Store, cfg.JobID, log),
	}, nil
}

// Run executes the workflow. A job id that the service already knows is
// resumed: nothing is staged, issued or submitted again.
func (r *Runner) Run(ctx context.Context) (_ *Outcome, runErr error) {
	out := &Outcome{JobID: r.cfg.JobID}
	defer func() { r.rec.finish(runErr, out) }()

	existing, err := r.deps.Service.Describe(ctx, r.cfg.JobID)
	switch {
	case err == nil:
		out.Resumed = true
		out.Job = existing
		out.Document = existing.Document
		r.log.Info("job exists, resuming", zap.String("status", string(existing.Status)))
		r.rec.update(func(rec *runstore.RunRecord) {
			rec.State = runstore.RunStateResumed
			rec.JobStatus = string(existing.Status)
		})
		return r.finish(ctx, out)
	case !errors.Is(err, firmwareci.ErrJobNotFound):
		return out, fmt.Errorf("look up job: %w", err)
	}

	return r.fresh(ctx, out)
}

func (r *Runner) fresh(ctx context.Context, out *Outcome) (_ *Outcome, runErr error) {
	r.rec.update(func(rec *runstore.RunRecord) { rec.State = runstore.RunStateStaging })

	defer func() {
		if err := r.cleanup(ctx); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}()

	results, err := r.deps.Stager.Stage(ctx, []stager.Artifact{
		{Key: r.cfg.HexKey, Path: r.cfg.HexFile},
		{Key: r.cfg.FOTAKey, Path: r.cfg.FOTAFile},
	})
	r.rec.update(func(rec *runstore.RunRecord) { rec.StagedKeys = attemptedKeys(results) })
	if err != nil {
		return out, fmt.Errorf("stage firmware: %w", err)
	}

	if _, err := r.deps.PKI.EnsureCA(ctx); err != nil {
		return out, fmt.Errorf("ensure CA: %w", err)
	}
	bundle, err := r.deps.PKI.IssueDevice(ctx, r.cfg.JobID, r.cfg.BrokerHostname)
	if err != nil {
		return out, fmt.Errorf("issue device certificate: %w", err)
	}

	p := r.cfg.Params
	doc, err := r.deps.Service.Schedule(ctx, firmwareci.ScheduleRequest{
		JobID:       r.cfg.JobID,
		FirmwareURL: r.cfg.FirmwareURL,
		Target:      p.Target,
		Network:     p.Network,
		SecTag:      p.SecTag,
		Timeout:     p.Timeout,
		AbortOn:     p.AbortOn,
		EndOn:       p.EndOn,
		Credentials: bundle,
	})
	if err != nil {
		return out, err
	}
	out.Document = doc
	path, err := r.deps.Store.WriteJSON(runstore.JobDocumentFile, doc)
	if err != nil {
		return out, fmt.Errorf("store job document: %w", err)
	}
	r.log.Info("stored job document", zap.String("path", path))
	r.rec.update(func(rec *runstore.RunRecord) { rec.State = runstore.RunStateScheduled })

	job, injected, err := r.supervise(ctx, stagedPath(results, r.cfg.FOTAKey, r.cfg.FOTAFile))
	out.Job = job
	out.Injector = injected
	if err != nil {
		out.TimedOut = errors.Is(err, poller.ErrTimeout)
		return out, err
	}
	return r.finish(ctx, out)
}

// supervise runs the poller and the injector side by side. updateImage is
// the resolved local path of the staged FOTA image.
func (r *Runner) supervise(ctx context.Context, updateImage string) (*firmwareci.Job, *injector.Result, error) {
	inj, err := r.newInjector(updateImage)
	if err != nil {
		return nil, nil, err
	}

	injCtx, cancelInjector := context.WithCancel(ctx)
	defer cancelInjector()

	var (
		g        errgroup.Group
		job      *firmwareci.Job
		pollErr  error
		injected *injector.Result
	)
	g.Go(func() error {
		job, pollErr = r.wait(ctx)
		if r.cfg.CancelInjectorOnCompletion {
			cancelInjector()
		}
		return nil
	})
	if inj != nil {
		g.Go(func() error {
			res, err := inj.Run(injCtx)
			injected = res
			if err != nil {
				r.log.Warn("fota injector did not run", zap.Error(err))
			} else if res.State != injector.StateFOTASubmitted && res.State != injector.StateCanceled {
				r.log.Warn("fota injection failed", zap.String("state", string(res.State)), zap.Error(res.Err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return job, injected, pollErr
}

func (r *Runner) newInjector(updateImage string) (*injector.Injector, error) {
	if r.deps.Device == nil || !r.cfg.Params.FOTAEnabled {
		r.log.Info("fota injection disabled")
		return nil, nil
	}
	return injector.New(injector.Config{
		ThingName:   r.cfg.JobID,
		UpdateImage: updateImage,
		Filename:    r.cfg.FOTAKey,
		Bucket:      r.cfg.Bucket,
		Region:      r.cfg.Region,
		Version:     r.cfg.Params.UpgradeTo,
		TargetBoard: r.cfg.Params.TargetBoard,
		Delay:       r.cfg.InjectorDelay,
		Interval:    r.cfg.InjectorInterval,
		JobTimeout:  r.cfg.InjectorTimeout,
	}, r.deps.Device, r.deps.Store,
		injector.WithLogger(r.log),
		injector.WithStateHook(func(s injector.State) {
			r.rec.update(func(rec *runstore.RunRecord) { rec.InjectorState = string(s) })
		}),
	)
}

// wait polls the job. On timeout the job is canceled exactly once.
func (r *Runner) wait(ctx context.Context) (*firmwareci.Job, error) {
	job, err := poller.Wait(ctx, r.deps.Service, r.cfg.JobID, poller.Options{
		Interval: r.cfg.PollInterval,
		Timeout:  r.cfg.PollTimeout,
		Logger:   r.log,
		OnStatus: func(j *firmwareci.Job) {
			r.log.Info("job status", zap.String("status", string(j.Status)))
			r.rec.update(func(rec *runstore.RunRecord) { rec.JobStatus = string(j.Status) })
		},
	})
	var te *poller.TimeoutError
	if errors.As(err, &te) {
		r.log.Warn("job did not finish in time, canceling", zap.Duration("timeout", r.cfg.PollTimeout))
		if cerr := r.deps.Service.Cancel(ctx, r.cfg.JobID, te.Error()); cerr != nil {
			return job, errors.Join(err, fmt.Errorf("cancel job: %w", cerr))
		}
	}
	return job, err
}

// finish waits for a resumed job if needed and collects the report.
func (r *Runner) finish(ctx context.Context, out *Outcome) (*Outcome, error) {
	if out.Job == nil || !out.Job.Status.IsTerminal() {
		job, err := r.wait(ctx)
		if job != nil {
			out.Job = job
		}
		if err != nil {
			out.TimedOut = errors.Is(err, poller.ErrTimeout)
			return out, err
		}
	}
	if out.Job.Document != nil {
		out.Document = out.Job.Document
	}
	if out.Document == nil {
		return out, errors.New("job has no document; no report to collect")
	}

	rep, path, err := report.Collect(ctx, r.deps.Fetcher, r.deps.Store, out.Document.ReportURL, r.deps.Out)
	if err != nil {
		return out, err
	}
	out.Report = rep
	out.ReportPath = path
	r.log.Info("stored report", zap.String("path", path), zap.String("status", string(out.Job.Status)))
	r.rec.update(func(rec *runstore.RunRecord) {
		rec.ReportPath = path
		rec.JobStatus = string(out.Job.Status)
	})
	return out, nil
}

// cleanup removes the staged artifacts and the device credentials. It runs
// on a context detached from cancellation of the run.
func (r *Runner) cleanup(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CleanupTimeout)
	defer cancel()

	var errs []error
	if _, err := r.deps.Stager.Cleanup(cctx); err != nil {
		errs = append(errs, fmt.Errorf("delete staged firmware: %w", err))
	}
	if err := r.deps.PKI.RemoveDevice(r.cfg.JobID); err != nil {
		errs = append(errs, fmt.Errorf("remove device certificates: %w", err))
	}
	if len(errs) == 0 {
		r.log.Info("cleaned up staged firmware and device certificates")
	}
	return errors.Join(errs...)
}

// stagedPath returns the file the stager uploaded for key. Artifact paths
// may be globs, so the injector must read the resolved file.
func stagedPath(results []stager.Result, key, fallback string) string {
	for _, res := range results {
		if res.Key == key && res.Err == nil && res.Path != "" {
			return res.Path
		}
	}
	return fallback
}

func attemptedKeys(results []stager.Result) []string {
	keys := make([]string, 0, len(results))
	for _, res := range results {
		keys = append(keys, res.Key)
	}
	return keys
}
