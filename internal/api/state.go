package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/config"
	"github.com/cronfan/cronfan/internal/store"
)

// StateHandler exposes the shared state store for read ("a snapshot of
// {running, state}") and the command queue for write ("enqueue a {kill,
// job_name} command"), per §4.8.
type StateHandler struct {
	store  *store.Store
	loader *config.Loader
	logger *zap.Logger
}

// NewStateHandler builds a StateHandler.
func NewStateHandler(st *store.Store, loader *config.Loader, logger *zap.Logger) *StateHandler {
	return &StateHandler{store: st, loader: loader, logger: logger.Named("api")}
}

type targetResultResponse struct {
	StartTime     time.Time `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	RetCode       *int      `json:"retcode,omitempty"`
	Output        string    `json:"output"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type jobStateResponse struct {
	NextRun time.Time                        `json:"next_run"`
	LastRun time.Time                        `json:"last_run"`
	Overlap bool                             `json:"overlap"`
	Targets []string                         `json:"targets"`
	Results map[string]targetResultResponse  `json:"results"`
}

type runningInstanceResponse struct {
	JobName   string    `json:"job_name"`
	StartedAt time.Time `json:"started_at"`
	Machines  []string  `json:"machines"`
}

type stateResponse struct {
	Running map[string]runningInstanceResponse `json:"running"`
	Jobs    map[string]jobStateResponse        `json:"jobs"`
}

// GetState handles GET /api/v1/state: a point-in-time snapshot of every
// running instance and per-job state (§4.8: "Read: a snapshot of
// {running, state}").
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Snapshot()

	resp := stateResponse{
		Running: make(map[string]runningInstanceResponse, len(snap.Running)),
		Jobs:    make(map[string]jobStateResponse, len(snap.Jobs)),
	}
	for id, ri := range snap.Running {
		resp.Running[id] = runningInstanceResponse{JobName: ri.JobName, StartedAt: ri.StartedAt, Machines: ri.Machines}
	}
	for name, js := range snap.Jobs {
		results := make(map[string]targetResultResponse, len(js.Results))
		for machine, tr := range js.Results {
			rr := targetResultResponse{
				StartTime:     tr.StartTime,
				RetCode:       tr.RetCode,
				Output:        string(tr.Output),
				LastHeartbeat: tr.LastHeartbeat,
			}
			if !tr.EndTime.IsZero() {
				et := tr.EndTime
				rr.EndTime = &et
			}
			results[machine] = rr
		}
		resp.Jobs[name] = jobStateResponse{
			NextRun: js.NextRun,
			LastRun: js.LastRun,
			Overlap: js.Overlap,
			Targets: js.Targets,
			Results: results,
		}
	}

	ok(w, resp)
}

// KillJob handles POST /api/v1/jobs/{name}/kill: enqueues a {kill, job_name}
// command for the channel server's command-queue poller to deliver
// best-effort to every live (instance, machine) of that job (§4.8, §5).
// A job with no running instance is accepted with no effect (§8 boundary
// behaviour: "Kill requested for a job with no running instance: no error,
// no effect").
func (h *StateHandler) KillJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		errBadRequest(w, "missing job name")
		return
	}

	snap := h.loader.Current()
	if _, known := snap.Jobs[name]; !known {
		errNotFound(w)
		return
	}

	h.store.EnqueueKill(name)
	h.logger.Info("kill enqueued via api", zap.String("job", name))
	ok(w, envelope{"enqueued": true})
}
