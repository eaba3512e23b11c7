package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

// handle is the in-process state of one live run. All run mutations go
// through update so the control path and the executing goroutine never
// race.
type handle struct {
	mu  sync.Mutex
	run *model.Run

	cancelled bool
	paused    bool
	resume    chan struct{}
	// closing is set once the run is being finalised; control requests are
	// rejected from then on.
	closing bool

	// units is the number of progress units (inputs, steps, quality,
	// outputs); done counts those finished.
	units int
	done  int

	finished chan struct{}
	err      error
}

func newHandle(run *model.Run, units int) *handle {
	if units < 1 {
		units = 1
	}
	return &handle{run: run, units: units, finished: make(chan struct{})}
}

func (h *handle) update(fn func(r *model.Run)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.run)
}

func (h *handle) status() model.RunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run.Status
}

func (h *handle) advance(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done += n
	if h.done > h.units {
		h.done = h.units
	}
	h.run.Progress = float64(int(float64(h.done)/float64(h.units)*10000)) / 100
}

// snapshot deep-copies the run.
func (h *handle) snapshot() (*model.Run, error) {
	h.mu.Lock()
	data, err := json.Marshal(h.run)
	h.mu.Unlock()
	if err != nil {
		return nil, eris.Wrap(err, "engine: snapshot run")
	}
	var out model.Run
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "engine: snapshot run")
	}
	return &out, nil
}

// requestPause marks the run paused; the executing goroutine blocks at its
// next checkpoint.
func (h *handle) requestPause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.run.Status != model.RunRunning || h.cancelled || h.closing {
		return eris.Wrapf(ErrInvalidTransition, "pause run %s in state %s", h.run.ID, h.run.Status)
	}
	h.paused = true
	h.resume = make(chan struct{})
	h.run.Status = model.RunPaused
	return nil
}

func (h *handle) requestResume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.run.Status != model.RunPaused || h.cancelled || h.closing {
		return eris.Wrapf(ErrInvalidTransition, "resume run %s in state %s", h.run.ID, h.run.Status)
	}
	h.paused = false
	h.run.Status = model.RunRunning
	close(h.resume)
	return nil
}

func (h *handle) requestCancel() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.run.Status
	if (s != model.RunRunning && s != model.RunPaused) || h.cancelled || h.closing {
		return eris.Wrapf(ErrInvalidTransition, "cancel run %s in state %s", h.run.ID, s)
	}
	h.cancelled = true
	if h.paused {
		h.paused = false
		close(h.resume)
	}
	return nil
}

// checkpoint is the cooperative control point between steps and fetch
// attempts. It returns ErrCancelled once a cancel has been requested and
// blocks while the run is paused.
func (h *handle) checkpoint(ctx context.Context) error {
	for {
		h.mu.Lock()
		if h.cancelled {
			h.mu.Unlock()
			return ErrCancelled
		}
		if !h.paused {
			h.mu.Unlock()
			if err := ctx.Err(); err != nil {
				return eris.Wrap(ErrCancelled, err.Error())
			}
			return nil
		}
		wait := h.resume
		h.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return eris.Wrap(ErrCancelled, ctx.Err().Error())
		}
	}
}
