package registry

import (
	"os/exec"
	"sync"
	"time"
)

// Mode discriminates the two session variants spec.md §3/§9 describes
// as a tagged union over a shared envelope.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Status is a session's lifecycle stage; transitions form the DAG
// running -> {completed, error, timed_out, killed, orphaned}.
type Status string

const (
	SessionRunning   Status = "running"
	SessionCompleted Status = "completed"
	SessionError     Status = "error"
	SessionTimedOut  Status = "timed_out"
	SessionKilled    Status = "killed"
	SessionOrphaned  Status = "orphaned"
)

// Session is the shared envelope plus mode-specific variant fields.
// Only one of Cmd (local) / TaskID+VesselID (remote) is meaningful,
// selected by Mode.
type Session struct {
	ID                string
	Worker            string
	JobType           string
	Mode              Mode
	Status            Status
	StartedAt         time.Time
	CompletedAt       *time.Time
	Result            any
	PromptPreview     string
	ConfigCleanupPath string

	// Remote-mode fields.
	TaskID   string
	VesselID string

	// Local-mode fields.
	Cmd *exec.Cmd
}

// IsRunning reports whether the session still occupies its worker.
func (s Session) IsRunning() bool { return s.Status == SessionRunning }

// IsTerminal reports whether the session has reached a DAG leaf.
func (s Session) IsTerminal() bool { return !s.IsRunning() }

// Sessions is the in-memory session-id -> Session map (spec.md §4.E).
type Sessions struct {
	mu       sync.Mutex
	byID     map[string]*Session
	timeout  time.Duration
	now      func() time.Time
}

func NewSessions(timeout time.Duration) *Sessions {
	return &Sessions{
		byID:    make(map[string]*Session),
		timeout: timeout,
		now:     time.Now,
	}
}

// Create registers a new running session. It does not check worker
// single-activity: callers must have already confirmed the worker has
// no running session (the dispatcher does this before calling Create);
// Create itself does not re-check across registries to avoid a
// lock-order dependency between the two.
func (s *Sessions) Create(sess Session) {
	sess.Status = SessionRunning
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sess
	s.byID[sess.ID] = &cp
}

// Get returns a copy of the session, if known.
func (s *Sessions) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Complete transitions a running session to a terminal status with a
// result payload. A no-op (returns false) if the session is already
// terminal or unknown, satisfying the idempotent-kill/complete laws.
func (s *Sessions) Complete(id string, status Status, result any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[id]
	if !ok || sess.IsTerminal() {
		return false
	}
	now := s.now()
	sess.Status = status
	sess.Result = result
	sess.CompletedAt = &now
	return true
}

// All returns a copy of every known session, for the read-only sessions
// listing endpoint.
func (s *Sessions) All() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.byID))
	for _, sess := range s.byID {
		out = append(out, *sess)
	}
	return out
}

// RunningForWorker returns the session currently occupying worker, if
// any — enforcing the single-activity invariant is a read-side query,
// the dispatcher is responsible for checking it before Create.
func (s *Sessions) RunningForWorker(worker string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.byID {
		if sess.Worker == worker && sess.IsRunning() {
			return *sess, true
		}
	}
	return Session{}, false
}

// TimeoutSweep returns every running session older than the configured
// horizon, marking each timed_out. Callers are responsible for the
// side effects spec.md §4.E requires (kill process / send cancel,
// release worker, notify operator) since those depend on components
// this package does not own.
func (s *Sessions) TimeoutSweep() []Session {
	cutoff := s.now().Add(-s.timeout)
	var expired []Session

	s.mu.Lock()
	for _, sess := range s.byID {
		if sess.IsRunning() && sess.StartedAt.Before(cutoff) {
			now := s.now()
			sess.Status = SessionTimedOut
			sess.CompletedAt = &now
			expired = append(expired, *sess)
		}
	}
	s.mu.Unlock()

	return expired
}

// OrphanSweep returns every running remote session whose vessel is not
// present in connectedVessels, marking each orphaned. Local sessions
// are skipped — they manage their own lifecycle (spec.md §4.E).
func (s *Sessions) OrphanSweep(connectedVessels map[string]struct{}) []Session {
	var orphaned []Session

	s.mu.Lock()
	for _, sess := range s.byID {
		if !sess.IsRunning() || sess.Mode != ModeRemote {
			continue
		}
		if _, connected := connectedVessels[sess.VesselID]; connected {
			continue
		}
		now := s.now()
		sess.Status = SessionOrphaned
		sess.CompletedAt = &now
		orphaned = append(orphaned, *sess)
	}
	s.mu.Unlock()

	return orphaned
}

// Kill marks a running session killed. Returns false (no-op) if the
// session is already terminal or unknown, per the idempotent-kill law.
func (s *Sessions) Kill(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[id]
	if !ok {
		return Session{}, false
	}
	if sess.IsTerminal() {
		return *sess, false
	}
	sess.Status = SessionKilled
	now := s.now()
	sess.CompletedAt = &now
	return *sess, true
}
