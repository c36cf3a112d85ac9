// Package session owns at most one long-running provider CLI session per
// agent type. Sessions amortise profile injection across loops and are
// recycled on age, error, or loop-count limits.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"boardroom/pkg/logx"
	"boardroom/pkg/proto"
)

// ErrBusy is returned when a second send overlaps an in-flight request.
// Callers must not queue behind a busy session.
var ErrBusy = errors.New("Session is busy")

// State is a session lifecycle state.
type State string

const (
	StateStarting  State = "starting"
	StateIdle      State = "idle"
	StateBusy      State = "busy"
	StateError     State = "error"
	StateRecycling State = "recycling"
)

// Result is one completed exchange on a session.
type Result struct {
	Content    string
	CostUSD    float64
	DurationMs int64
}

// Session wraps one provider CLI child process speaking newline-delimited
// JSON. All mutation goes through the pool; requests are strictly serialised.
type Session struct {
	ID        string
	AgentType proto.AgentType

	proc     Process
	maxLoops int
	maxAge   time.Duration
	logger   *logx.Logger
	now      func() time.Time

	mu              sync.Mutex
	state           State
	loopCount       int
	profileInjected bool
	recycleMark     bool
	startedAt       time.Time
	lastActivityAt  time.Time
}

// newSession wraps an already-built process. id is the session ID the process
// was launched with; the NDJSON payloads reuse it.
func newSession(id string, agentType proto.AgentType, proc Process, maxLoops int, maxAge time.Duration, now func() time.Time) *Session {
	return &Session{
		ID:        id,
		AgentType: agentType,
		proc:      proc,
		maxLoops:  maxLoops,
		maxAge:    maxAge,
		logger:    logx.NewLogger("session." + string(agentType)),
		now:       now,
		state:     StateStarting,
		startedAt: now(),
	}
}

// start launches the child process and injects the profile exactly once.
func (s *Session) start(ctx context.Context, profile string) error {
	if err := s.proc.Start(ctx); err != nil {
		s.setState(StateError)
		return fmt.Errorf("failed to start session for %s: %w", s.AgentType, err)
	}
	s.setState(StateIdle)
	if err := s.injectProfile(ctx, profile); err != nil {
		s.setState(StateError)
		return err
	}
	s.logger.Info("Session %s started: handle=%s", s.ID, s.proc.Handle())
	return nil
}

// injectProfile primes the session with the agent profile. Repeat calls
// short-circuit; the profile is sent at most once per session lifetime.
func (s *Session) injectProfile(ctx context.Context, profile string) error {
	s.mu.Lock()
	if s.profileInjected {
		s.mu.Unlock()
		return nil
	}
	s.profileInjected = true
	s.mu.Unlock()

	if _, err := s.exchange(ctx, profile); err != nil {
		return fmt.Errorf("profile injection failed for %s: %w", s.AgentType, err)
	}
	s.logger.Debug("Profile injected: session=%s chars=%d", s.ID, len(profile))
	return nil
}

// SendMessage runs one exchange on the session. A call while another is in
// flight fails fast with ErrBusy. A timeout or cancellation marks the session
// for recycling since the aborted process cannot serve later requests.
func (s *Session) SendMessage(ctx context.Context, prompt string, timeout time.Duration) (Result, error) {
	s.mu.Lock()
	if s.state == StateBusy {
		s.mu.Unlock()
		return Result{}, ErrBusy
	}
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return Result{}, fmt.Errorf("session %s is not ready: state=%s", s.ID, state)
	}
	s.state = StateBusy
	s.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := s.exchange(ctx, prompt)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = s.now()
	if err != nil {
		if ctx.Err() != nil {
			// The request was aborted mid-stream; a stale result may still
			// arrive and cannot be matched to a later request.
			s.recycleMark = true
		}
		s.state = StateError
		return Result{}, err
	}
	s.loopCount++
	s.state = StateIdle
	return result, nil
}

// exchange writes one user line and waits for the next result line.
func (s *Session) exchange(ctx context.Context, content string) (Result, error) {
	line, err := encodeRequest(content, s.ID)
	if err != nil {
		return Result{}, err
	}
	if err := s.proc.Send(line); err != nil {
		return Result{}, err
	}

	lines := s.proc.Lines()
	for {
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("session %s request aborted: %w", s.ID, ctx.Err())
		case raw, ok := <-lines:
			if !ok {
				return Result{}, fmt.Errorf("session %s process closed its stream", s.ID)
			}
			res, isResult, err := decodeResult(raw)
			if err != nil {
				s.logger.Debug("Skipping malformed stream line: %v", err)
				continue
			}
			if !isResult {
				continue
			}
			if res.IsError {
				return Result{}, fmt.Errorf("session %s provider error: %s", s.ID, res.Content)
			}
			return Result{Content: res.Content, CostUSD: res.CostUSD, DurationMs: res.DurationMs}, nil
		}
	}
}

// ShouldRecycle reports whether the session must be replaced before serving
// another request.
func (s *Session) ShouldRecycle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recycleMark || s.state == StateError || s.state == StateRecycling {
		return true
	}
	if s.maxLoops > 0 && s.loopCount >= s.maxLoops {
		return true
	}
	if s.maxAge > 0 && s.now().Sub(s.startedAt) >= s.maxAge {
		return true
	}
	return !s.proc.Alive()
}

// MarkRecycle flags the session for replacement on the next pool access.
func (s *Session) MarkRecycle() {
	s.mu.Lock()
	s.recycleMark = true
	s.mu.Unlock()
}

// Stop sends the exit sentinel then terminates the process.
func (s *Session) Stop() {
	s.setState(StateRecycling)
	if line, err := encodeRequest(exitSentinel, s.ID); err == nil {
		_ = s.proc.Send(line)
	}
	if err := s.proc.Kill(); err != nil {
		s.logger.Warn("Failed to kill session process %s: %v", s.proc.Handle(), err)
	}
	s.logger.Info("Session %s stopped after %d loops", s.ID, s.LoopCount())
}

// LoopCount returns the number of completed exchanges.
func (s *Session) LoopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopCount
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the process handle for observability.
func (s *Session) Handle() string {
	return s.proc.Handle()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
