// Package feature runs Gherkin feature files against registered step
// definitions.
package feature

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// StepContext is what a step definition sees when it runs.
type StepContext struct {
	Feature  *Feature
	Scenario *Scenario
	// Step has its text and doc string interpolated.
	Step   *Step
	Groups map[string]string
	World  map[string]string
	Store  *Store
	Logger *zap.Logger
}

// StepFunc implements a step. The returned value is reported as the step result.
type StepFunc func(ctx context.Context, sc *StepContext) (any, error)

// StepDefinition binds a pattern to a StepFunc.
type StepDefinition struct {
	Pattern *regexp.Regexp
	Run     StepFunc
}

// Define compiles pattern into a StepDefinition. It panics on an invalid pattern.
func Define(pattern string, fn StepFunc) StepDefinition {
	return StepDefinition{Pattern: regexp.MustCompile(pattern), Run: fn}
}

// Outcome is the result of a step, scenario or feature.
type Outcome string

const (
	Passed    Outcome = "passed"
	Failed    Outcome = "failed"
	Skipped   Outcome = "skipped"
	Undefined Outcome = "undefined"
)

// ErrUndefinedStep is returned for a step no definition matches.
var ErrUndefinedStep = errors.New("no step definition matches")

type StepResult struct {
	Keyword  string
	Text     string
	Line     int
	Outcome  Outcome
	Result   any
	Err      error
	Duration time.Duration
}

type ScenarioResult struct {
	Name     string
	Line     int
	Outcome  Outcome
	Steps    []StepResult
	Duration time.Duration
}

type FeatureResult struct {
	Name      string
	File      string
	Outcome   Outcome
	Scenarios []ScenarioResult
}

// Summary aggregates one run.
type Summary struct {
	Features  []FeatureResult
	Scenarios int
	Passed    int
	Failed    int
	Skipped   int
	Steps     int
	Duration  time.Duration
}

// OK reports whether nothing failed.
func (s *Summary) OK() bool {
	return s.Failed == 0
}

// Reporter receives results as they happen.
type Reporter interface {
	FeatureStarted(f *Feature)
	StepFinished(f *Feature, s *Scenario, r StepResult)
	ScenarioFinished(f *Feature, r ScenarioResult)
	Finished(s *Summary)
}

// Runner executes features sequentially.
type Runner struct {
	World    map[string]string
	Store    *Store
	Steps    []StepDefinition
	Reporter Reporter
	Logger   *zap.Logger
}

// NewRunner returns a Runner with an empty store.
func NewRunner(world map[string]string, steps []StepDefinition, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{World: world, Store: NewStore(), Steps: steps, Logger: logger}
}

// Run executes every feature. A failed step skips the rest of its scenario
// and the remaining scenarios of the feature. Features tagged @Skip are
// skipped; when any feature is tagged @Only, only those run.
//
// The returned error is non-nil only when ctx ended the run.
func (r *Runner) Run(ctx context.Context, features []*Feature) (*Summary, error) {
	start := time.Now()
	if r.Store == nil {
		r.Store = NewStore()
	}
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	only := slices.ContainsFunc(features, func(f *Feature) bool { return HasTag(f.Tags, "Only") })

	sum := &Summary{}
	for _, f := range features {
		if err := ctx.Err(); err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}
		skip := HasTag(f.Tags, "Skip") || (only && !HasTag(f.Tags, "Only"))
		fr := r.runFeature(ctx, f, skip)
		for _, sr := range fr.Scenarios {
			sum.Scenarios++
			sum.Steps += len(sr.Steps)
			switch sr.Outcome {
			case Passed:
				sum.Passed++
			case Skipped:
				sum.Skipped++
			default:
				sum.Failed++
			}
		}
		sum.Features = append(sum.Features, fr)
	}
	sum.Duration = time.Since(start)
	if r.Reporter != nil {
		r.Reporter.Finished(sum)
	}
	return sum, ctx.Err()
}

func (r *Runner) runFeature(ctx context.Context, f *Feature, skip bool) FeatureResult {
	fr := FeatureResult{Name: f.Name, File: f.File, Outcome: Passed}
	if r.Reporter != nil {
		r.Reporter.FeatureStarted(f)
	}
	r.Logger.Debug("feature started", zap.String("feature", f.Name), zap.String("file", f.File), zap.Bool("skip", skip))

	for _, s := range f.Scenarios {
		skipScenario := skip || fr.Outcome == Failed || HasTag(s.Tags, "Skip") || ctx.Err() != nil
		sr := r.runScenario(ctx, f, s, skipScenario)
		if sr.Outcome == Failed || sr.Outcome == Undefined {
			fr.Outcome = Failed
		}
		fr.Scenarios = append(fr.Scenarios, sr)
		if r.Reporter != nil {
			r.Reporter.ScenarioFinished(f, sr)
		}
	}
	if skip {
		fr.Outcome = Skipped
	}
	return fr
}

func (r *Runner) runScenario(ctx context.Context, f *Feature, s *Scenario, skip bool) ScenarioResult {
	start := time.Now()
	sr := ScenarioResult{Name: s.Name, Line: s.Line, Outcome: Passed}
	if skip {
		sr.Outcome = Skipped
	}

	failed := skip
	for _, step := range s.Steps {
		var res StepResult
		if failed {
			res = StepResult{Keyword: step.Keyword, Text: step.Text, Line: step.Line, Outcome: Skipped}
		} else {
			res = r.runStep(ctx, f, s, step)
			if res.Outcome != Passed {
				failed = true
				sr.Outcome = res.Outcome
			}
		}
		sr.Steps = append(sr.Steps, res)
		if r.Reporter != nil {
			r.Reporter.StepFinished(f, s, res)
		}
	}
	sr.Duration = time.Since(start)
	return sr
}

func (r *Runner) runStep(ctx context.Context, f *Feature, s *Scenario, step *Step) StepResult {
	start := time.Now()
	interpolated := *step
	interpolated.Text = Interpolate(step.Text, r.World, r.Store)
	if step.HasDocString {
		interpolated.DocString = Interpolate(step.DocString, r.World, r.Store)
	}
	res := StepResult{Keyword: step.Keyword, Text: interpolated.Text, Line: step.Line}

	def, groups := r.match(interpolated.Text)
	if def == nil {
		res.Outcome = Undefined
		res.Err = fmt.Errorf("%w: %q", ErrUndefinedStep, interpolated.Text)
		return res
	}

	sc := &StepContext{
		Feature:  f,
		Scenario: s,
		Step:     &interpolated,
		Groups:   groups,
		World:    r.World,
		Store:    r.Store,
		Logger:   r.Logger.With(zap.String("step", interpolated.Text)),
	}
	out, err := def.Run(ctx, sc)
	res.Duration = time.Since(start)
	res.Result = out
	if err != nil {
		res.Outcome = Failed
		res.Err = err
		r.Logger.Debug("step failed", zap.String("step", interpolated.Text), zap.Error(err))
		return res
	}
	res.Outcome = Passed
	return res
}

func (r *Runner) match(text string) (*StepDefinition, map[string]string) {
	for i := range r.Steps {
		def := &r.Steps[i]
		m := def.Pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		groups := map[string]string{}
		for j, name := range def.Pattern.SubexpNames() {
			if name != "" {
				groups[name] = m[j]
			}
		}
		return def, groups
	}
	return nil, nil
}

// Discover returns the .feature files below dir, sorted.
func Discover(dir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*.feature")
	if err != nil {
		return nil, fmt.Errorf("discover features in %s: %w", dir, err)
	}
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, filepath.Join(dir, filepath.FromSlash(m)))
	}
	slices.Sort(paths)
	return paths, nil
}

// Load discovers and parses all feature files below dir.
func Load(dir string) ([]*Feature, error) {
	paths, err := Discover(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .feature files found in %s", dir)
	}
	features := make([]*Feature, 0, len(paths))
	for _, p := range paths {
		f, err := ParseFile(p)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, nil
}
