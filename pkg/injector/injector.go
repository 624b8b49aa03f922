// Package injector submits a FOTA update to the device under test while the
// primary firmware CI job is running.
//
// After a startup delay the injector polls the device shadow at a fixed
// interval. Once the device has connected and reported its device
// information, one FOTA job is created for it. Transient failures are
// retried until the time budget runs out; fatal failures stop immediately.
package injector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FOTAJobDocumentFile is the name the FOTA document is persisted under.
const FOTAJobDocumentFile = "fotaJobDocument.json"

// Defaults for Config.
const (
	DefaultDelay       = 60 * time.Second
	DefaultInterval    = 10 * time.Second
	DefaultCallTimeout = 30 * time.Second
)

// State of the injector.
type State string

const (
	StateIdle                 State = "IDLE"
	StateWaitingForConnection State = "WAITING_FOR_CONNECTION"
	StateDeviceIdentified     State = "DEVICE_IDENTIFIED"
	StateFOTASubmitted        State = "FOTA_SUBMITTED"
	StateTimedOutWaiting      State = "TIMED_OUT_WAITING"
	StateFailed               State = "FAILED"
	StateCanceled             State = "CANCELED"
)

// IsTerminal reports whether the injector has stopped.
func (s State) IsTerminal() bool {
	switch s {
	case StateFOTASubmitted, StateTimedOutWaiting, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Job is a FOTA job ready for submission.
type Job struct {
	ID          string
	TargetARN   string
	Document    []byte
	Description string
}

// Device is the device under test as seen through the device cloud.
type Device interface {
	// Shadow returns the raw shadow document. It returns an error wrapping
	// ErrNotConnected when the device has no shadow yet.
	Shadow(ctx context.Context, thingName string) ([]byte, error)
	ThingARN(ctx context.Context, thingName string) (string, error)
	// CreateJob must treat an already existing job id as success.
	CreateJob(ctx context.Context, job Job) error
}

// Persister stores the generated FOTA document. runstore.Store implements it.
type Persister interface {
	WriteJSON(name string, v any) (string, error)
}

// Config describes one injection.
type Config struct {
	// ThingName is the device under test; it equals the job identity.
	ThingName string
	// UpdateImage is the local path of the staged FOTA image.
	UpdateImage string
	// Filename is the object key of the staged FOTA image.
	Filename    string
	Bucket      string
	Region      string
	Version     string
	TargetBoard string

	Delay    time.Duration
	Interval time.Duration
	// JobTimeout is the primary job's timeout; the budget is JobTimeout
	// minus Delay.
	JobTimeout  time.Duration
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Delay < 0 {
		c.Delay = 0
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// Validate checks that every field the FOTA document needs is set.
func (c Config) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		"thing name":   c.ThingName,
		"update image": c.UpdateImage,
		"filename":     c.Filename,
		"bucket":       c.Bucket,
		"region":       c.Region,
		"version":      c.Version,
		"target board": c.TargetBoard,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	slices.Sort(missing)
	if len(missing) > 0 {
		return fmt.Errorf("injector config is missing %s", strings.Join(missing, ", "))
	}
	if c.JobTimeout <= 0 {
		return errors.New("injector config needs a positive job timeout")
	}
	return nil
}

// Budget is the total time the injector waits for the device.
func (c Config) Budget() time.Duration {
	return c.JobTimeout - c.Delay
}

// Result is the outcome of Run.
type Result struct {
	State     State
	Attempts  int
	FOTAJobID string
	Document  *FOTADocument
	// DocumentPath is where the FOTA document was persisted.
	DocumentPath string
	// Err is the last attempt error, if any.
	Err error
}

// Injector runs the FOTA injection once.
type Injector struct {
	cfg     Config
	device  Device
	store   Persister
	logger  *zap.Logger
	onState func(State)

	fotaJobID string
	state     atomic.Value
	started   atomic.Bool
	submitted atomic.Bool
}

// Option configures an Injector.
type Option func(*Injector)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Injector) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithStateHook registers fn to be called on every state transition.
func WithStateHook(fn func(State)) Option {
	return func(i *Injector) { i.onState = fn }
}

// WithJobID fixes the FOTA job id instead of generating one.
func WithJobID(id string) Option {
	return func(i *Injector) { i.fotaJobID = id }
}

// New validates cfg and returns an idle injector.
func New(cfg Config, device Device, store Persister, opts ...Option) (*Injector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if device == nil {
		return nil, errors.New("device is required")
	}
	if store == nil {
		return nil, errors.New("persister is required")
	}
	i := &Injector{
		cfg:    cfg.withDefaults(),
		device: device,
		store:  store,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.fotaJobID == "" {
		i.fotaJobID = uuid.NewString()
	}
	i.state.Store(StateIdle)
	return i, nil
}

// State returns the current state.
func (i *Injector) State() State {
	return i.state.Load().(State)
}

func (i *Injector) transition(s State) {
	if i.State() == s {
		return
	}
	i.state.Store(s)
	i.logger.Info("fota injector state", zap.String("thing", i.cfg.ThingName), zap.String("state", string(s)))
	if i.onState != nil {
		i.onState(s)
	}
}

// Run waits Delay, then retries the injection every Interval until it
// succeeds, fails fatally, the budget is spent or ctx is done. Run may be
// called once; later calls return an error.
func (i *Injector) Run(ctx context.Context) (*Result, error) {
	if !i.started.CompareAndSwap(false, true) {
		return nil, errors.New("injector already ran")
	}
	res := &Result{}
	finish := func(s State, err error) (*Result, error) {
		i.transition(s)
		res.State = s
		if err != nil {
			res.Err = err
		}
		return res, nil
	}

	if !sleep(ctx, i.cfg.Delay) {
		return finish(StateCanceled, ctx.Err())
	}
	i.transition(StateWaitingForConnection)

	remaining := i.cfg.Budget()
	for {
		res.Attempts++
		err := i.attempt(ctx, res)
		if err == nil {
			return finish(StateFOTASubmitted, nil)
		}
		if ctx.Err() != nil {
			return finish(StateCanceled, ctx.Err())
		}
		res.Err = err

		class := Classify(err)
		i.logger.Info("fota injection attempt failed",
			zap.String("thing", i.cfg.ThingName),
			zap.Int("attempt", res.Attempts),
			zap.String("class", class.String()),
			zap.Error(err),
		)
		if class == Fatal {
			return finish(StateFailed, err)
		}

		remaining -= i.cfg.Interval
		if remaining <= 0 {
			i.logger.Warn("device did not connect in time",
				zap.String("thing", i.cfg.ThingName),
				zap.Duration("budget", i.cfg.Budget()),
			)
			return finish(StateTimedOutWaiting, err)
		}
		if !sleep(ctx, i.cfg.Interval) {
			return finish(StateCanceled, ctx.Err())
		}
	}
}

type shadowDocument struct {
	State struct {
		Reported struct {
			Dev json.RawMessage `json:"dev"`
		} `json:"reported"`
	} `json:"state"`
}

func (i *Injector) attempt(ctx context.Context, res *Result) error {
	callCtx, cancel := context.WithTimeout(ctx, i.cfg.CallTimeout)
	defer cancel()

	payload, err := i.device.Shadow(callCtx, i.cfg.ThingName)
	if err != nil {
		return err
	}
	var shadow shadowDocument
	if err := json.Unmarshal(payload, &shadow); err != nil {
		return fatalf("malformed shadow of %s: %w", i.cfg.ThingName, err)
	}
	dev := shadow.State.Reported.Dev
	if len(dev) == 0 || string(dev) == "null" {
		return ErrNotIdentified
	}
	i.transition(StateDeviceIdentified)

	arn, err := i.device.ThingARN(callCtx, i.cfg.ThingName)
	if err != nil {
		return err
	}
	if arn == "" {
		return fatalf("thing %s has no ARN", i.cfg.ThingName)
	}

	doc := res.Document
	if doc == nil {
		st, err := os.Stat(i.cfg.UpdateImage)
		if err != nil {
			return fatalf("read update image: %w", err)
		}
		doc = &FOTADocument{
			Operation: OperationAppFWUpdate,
			Size:      st.Size(),
			Filename:  i.cfg.Filename,
			Location: Location{
				Protocol: "https",
				Host:     BucketHost(i.cfg.Bucket, i.cfg.Region),
				Path:     i.cfg.Filename,
			},
			FWVersion:   i.cfg.Version,
			TargetBoard: i.cfg.TargetBoard,
		}
		stored, err := i.store.WriteJSON(FOTAJobDocumentFile, doc)
		if err != nil {
			return fatalf("persist fota job document: %w", err)
		}
		res.Document = doc
		res.DocumentPath = stored
		i.logger.Info("stored fota job document", zap.String("path", stored))
	}

	if i.submitted.Load() {
		return nil
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fatalf("marshal fota job document: %w", err)
	}
	job := Job{
		ID:          i.fotaJobID,
		TargetARN:   arn,
		Document:    body,
		Description: fmt.Sprintf("Upgrade %s to version %s.", path.Base(arn), i.cfg.Version),
	}
	if err := i.device.CreateJob(callCtx, job); err != nil {
		return err
	}
	i.submitted.Store(true)
	res.FOTAJobID = job.ID
	i.logger.Info("fota job created", zap.String("fota_job_id", job.ID), zap.String("target", arn))
	return nil
}

// sleep waits d or until ctx is done. Reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
