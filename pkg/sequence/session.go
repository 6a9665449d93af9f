package sequence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/battlab/battlab/pkg/events"
)

// Phase is where a session currently is. Phases only ever advance.
type Phase string

const (
	PhaseIdle         Phase = "Idle"
	PhaseInitializing Phase = "Initializing"
	PhasePulseActive  Phase = "PulseActive"
	PhaseRestActive   Phase = "RestActive"
	PhasePlayback     Phase = "Playback"
	PhaseDischarge    Phase = "Discharge"
	PhaseCharge       Phase = "Charge"
	PhaseExport       Phase = "Export"
	PhaseFinalizing   Phase = "Finalizing"
	PhaseCompleted    Phase = "Completed"
	PhaseAborted      Phase = "Aborted"
)

// Terminal reports whether the phase ends a session.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseAborted
}

// Progress is a read-only snapshot of a running session. Reading it never
// perturbs the engine's timing loop.
type Progress struct {
	SessionID string    `json:"sessionId"`
	DeviceID  string    `json:"deviceId"`
	Procedure string    `json:"procedure"`
	Phase     Phase     `json:"phase"`
	Step      int       `json:"step"`
	Steps     int       `json:"steps"`
	StartedAt time.Time `json:"startedAt"`
	Error     string    `json:"error,omitempty"`
	Files     []string  `json:"files,omitempty"`
}

// Session is one engine invocation. The engine's worker goroutine is the
// only writer; everything exposed is mutex-guarded.
type Session struct {
	id        string
	deviceID  string
	procedure string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	hub    *events.Hub

	mu    sync.Mutex
	phase Phase
	step  int
	steps int
	err   error
	files []string
}

func newSession(deviceID, procedure string, hub *events.Hub) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        uuid.New().String(),
		deviceID:  deviceID,
		procedure: procedure,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		hub:       hub,
		phase:     PhaseIdle,
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) DeviceID() string     { return s.deviceID }
func (s *Session) Procedure() string    { return s.procedure }
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err returns the session error, nil while running or after success.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Files lists the output files the session has created so far.
func (s *Session) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.files))
	copy(out, s.files)
	return out
}

// Progress returns a consistent snapshot.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Progress{
		SessionID: s.id,
		DeviceID:  s.deviceID,
		Procedure: s.procedure,
		Phase:     s.phase,
		Step:      s.step,
		Steps:     s.steps,
		StartedAt: s.startedAt,
		Files:     append([]string(nil), s.files...),
	}
	if s.err != nil {
		p.Error = s.err.Error()
	}
	return p
}

// Cancel requests cooperative cancellation. The engine notices it between
// phases and runs the normal finalizing cleanup.
func (s *Session) Cancel() { s.cancel() }

// Done is closed once the session reaches a terminal phase.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends and returns its error.
func (s *Session) Wait() error {
	<-s.done
	return s.Err()
}

func (s *Session) cancelled() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	from := s.phase
	s.phase = p
	s.mu.Unlock()

	s.hub.Publish(events.SessionPhase, events.SessionPhaseEvent{
		SessionID: s.id,
		DeviceID:  s.deviceID,
		From:      string(from),
		To:        string(p),
		Ts:        time.Now().Unix(),
	})
}

func (s *Session) setStep(step, steps int) {
	s.mu.Lock()
	s.step, s.steps = step, steps
	s.mu.Unlock()
}

func (s *Session) addFile(path string) {
	s.mu.Lock()
	s.files = append(s.files, path)
	s.mu.Unlock()
}

// complete records the outcome and the terminal phase, then releases
// waiters.
func (s *Session) complete(err error) {
	s.mu.Lock()
	s.err = err
	if err != nil {
		s.phase = PhaseAborted
	} else {
		s.phase = PhaseCompleted
	}
	terminal := s.phase
	s.mu.Unlock()

	s.hub.Publish(events.SessionPhase, events.SessionPhaseEvent{
		SessionID: s.id,
		DeviceID:  s.deviceID,
		From:      string(PhaseFinalizing),
		To:        string(terminal),
		Ts:        time.Now().Unix(),
	})
	close(s.done)
}
