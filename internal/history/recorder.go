package history

import (
	"context"
	"database/sql"
	"sync"

	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/CZERTAINLY/conductor/internal/supervisor"
	"github.com/google/uuid"
)

// Recorder stores supervisor events as runs. A Running event opens a run,
// the next terminal event of the same worker closes it. Terminal events
// without an open run (launch failures, cascaded failures) are stored as
// closed runs.
type Recorder struct {
	db    *sql.DB
	newID func() string

	mx   sync.Mutex
	open map[string]string
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{
		db:    db,
		newID: uuid.NewString,
		open:  make(map[string]string),
	}
}

func (r *Recorder) Record(ctx context.Context, e supervisor.Event) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if e.State == model.Running {
		id := r.newID()
		if err := Start(ctx, r.db, id, e.Worker, e.Pid, e.At); err != nil {
			return err
		}
		r.open[e.Worker] = id
		return nil
	}

	if !e.State.Terminal() {
		return nil
	}

	if id, ok := r.open[e.Worker]; ok {
		delete(r.open, e.Worker)
		return Finish(ctx, r.db, id, e.State, e.At, e.ExitCode, e.Reason)
	}

	run := Run{
		UUID:     r.newID(),
		Worker:   e.Worker,
		Pid:      e.Pid,
		State:    e.State,
		ExitCode: e.ExitCode,
	}
	if !e.At.IsZero() {
		at := e.At
		run.Stopped = &at
	}
	if e.Reason != "" {
		reason := e.Reason
		run.Reason = &reason
	}
	return Insert(ctx, r.db, run)
}
