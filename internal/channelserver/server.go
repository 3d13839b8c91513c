package channelserver

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/store"
	"github.com/cronfan/cronfan/internal/types"
)

// commandPollInterval is how often the command queue is drained and turned
// into kill deliveries (§5: "timer wait for the command-queue poll (every
// 500ms)").
const commandPollInterval = 500 * time.Millisecond

// Server accepts inbound agent connections and owns the connection registry.
// Scheduling model (§5): the teacher's hub is a single cooperative event
// loop; here each Client already runs its own read/write goroutines (the
// registry's mutex plays the role the teacher's single-writer channel loop
// plays), which better fits a protocol where the server must reply
// synchronously to each agent rather than only broadcast.
type Server struct {
	store    *store.Store
	registry *registry
	logger   *zap.Logger
}

// New builds a Server.
func New(st *store.Store, logger *zap.Logger) *Server {
	return &Server{
		store:    st,
		registry: newRegistry(),
		logger:   logger.Named("channelserver"),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the per-connection
// state machine until the agent disconnects. Mount at the path advertised by
// SP_WEBSOCKET_URL.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("channelserver: upgrade failed", zap.Error(err))
		return
	}
	c := newClient(s, conn)
	c.run()
}

// ConnectedCount reports the number of live agent connections, for metrics.
func (s *Server) ConnectedCount() int {
	return s.registry.count()
}

// RunCommandPoller drains the store's command queue on a fixed interval and
// delivers kill frames to every connected (instance, machine) belonging to
// the targeted job (§5, §4.6 note 3). Best-effort: a job with no currently
// connected agent simply has nothing to deliver to — the monitor's own
// timeout/heartbeat paths are what actually finalize such targets.
func (s *Server) RunCommandPoller(ctx context.Context) {
	ticker := time.NewTicker(commandPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, cmd := range s.store.DrainCommands() {
				if cmd.Kind != "kill" {
					continue
				}
				s.deliverKill(cmd.JobName)
			}
		}
	}
}

func (s *Server) deliverKill(jobName string) {
	clients := s.registry.byJob(jobName)
	for _, c := range clients {
		select {
		case c.send <- Envelope{Type: types.MsgKill, Timestamp: time.Now().Unix()}:
		default:
			s.logger.Warn("channelserver: kill delivery dropped, client send buffer full",
				zap.String("job", jobName), zap.String("machine", c.key.machine))
		}
	}
}
