package output

import (
	"context"
	"time"

	"github.com/3leaps/fwci/pkg/feature"
)

// FeatureReporter writes feature run results as JSONL records. Write errors
// are kept and returned by Err; they never stop the run.
type FeatureReporter struct {
	ctx context.Context
	w   Writer
	err error
}

// NewFeatureReporter returns a feature.Reporter writing to w.
func NewFeatureReporter(ctx context.Context, w Writer) *FeatureReporter {
	return &FeatureReporter{ctx: ctx, w: w}
}

// Err returns the first write error.
func (r *FeatureReporter) Err() error {
	return r.err
}

func (r *FeatureReporter) keep(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *FeatureReporter) FeatureStarted(*feature.Feature) {}

func (r *FeatureReporter) StepFinished(f *feature.Feature, s *feature.Scenario, res feature.StepResult) {
	rec := &StepRecord{
		Feature:  f.Name,
		Scenario: s.Name,
		Keyword:  res.Keyword,
		Text:     res.Text,
		Line:     res.Line,
		Outcome:  string(res.Outcome),
		Result:   res.Result,
		Duration: res.Duration,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	r.keep(r.w.WriteStep(r.ctx, rec))
}

func (r *FeatureReporter) ScenarioFinished(f *feature.Feature, res feature.ScenarioResult) {
	r.keep(r.w.WriteScenario(r.ctx, &ScenarioRecord{
		Feature:  f.Name,
		File:     f.File,
		Scenario: res.Name,
		Outcome:  string(res.Outcome),
		Steps:    len(res.Steps),
		Duration: res.Duration,
	}))
}

func (r *FeatureReporter) Finished(sum *feature.Summary) {
	r.keep(r.w.WriteSummary(r.ctx, &SummaryRecord{
		Features:      len(sum.Features),
		Scenarios:     sum.Scenarios,
		Passed:        sum.Passed,
		Failed:        sum.Failed,
		Skipped:       sum.Skipped,
		Steps:         sum.Steps,
		Duration:      sum.Duration,
		DurationHuman: sum.Duration.Round(time.Millisecond).String(),
	}))
}

var _ feature.Reporter = (*FeatureReporter)(nil)
