package workflow

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/fwci/pkg/poller"
	"github.com/3leaps/fwci/pkg/runstore"
)

// recorder serializes updates of the run record made by the poller and the
// injector goroutines. Write failures are logged, never fatal.
type recorder struct {
	mu    sync.Mutex
	store *runstore.Store
	rec   runstore.RunRecord
	log   *zap.Logger
}

func newRecorder(store *runstore.Store, jobID string, log *zap.Logger) *recorder {
	r := &recorder{store: store, log: log, rec: runstore.RunRecord{JobID: jobID}}
	if prev, err := store.GetRun(jobID); err == nil {
		r.rec = *prev
	}
	return r
}

func (r *recorder) update(fn func(rec *runstore.RunRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.rec)
	if err := r.store.WriteRun(&r.rec); err != nil {
		r.log.Warn("failed to write run record", zap.Error(err))
	}
}

func (r *recorder) finish(err error, out *Outcome) {
	r.update(func(rec *runstore.RunRecord) {
		now := time.Now().UTC()
		rec.EndedAt = &now
		if out.Injector != nil {
			rec.InjectorState = string(out.Injector.State)
			rec.FOTAJobID = out.Injector.FOTAJobID
		}
		switch {
		case errors.Is(err, poller.ErrTimeout):
			rec.State = runstore.RunStateTimedOut
		case err != nil:
			rec.State = runstore.RunStateFailed
		default:
			rec.State = runstore.RunStateCompleted
		}
		rec.Error = ""
		if err != nil {
			rec.Error = err.Error()
		}
	})
}
