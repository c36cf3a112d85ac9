package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"boardroom/pkg/config"
	"boardroom/pkg/llm"
	"boardroom/pkg/logx"
	"boardroom/pkg/proto"
)

// Executor runs one agent exchange. The pool implements it in session mode;
// with the pool disabled every call goes one-shot with the full profile.
type Executor interface {
	Execute(ctx context.Context, agentType proto.AgentType, profile, prompt string, timeout time.Duration) (Result, error)
}

// Pool owns at most one session per agent type. Cross-agent calls run in
// parallel; per-agent calls serialise on the session itself.
type Pool struct {
	factory  ProcessFactory
	oneShot  llm.Adapter
	enabled  bool
	maxLoops int
	maxAge   time.Duration
	startTO  time.Duration
	logger   *logx.Logger
	now      func() time.Time

	mu    sync.Mutex
	slots map[proto.AgentType]*agentSlot
}

// agentSlot serialises session construction per agent type so two callers
// never race to spawn processes for the same agent.
type agentSlot struct {
	mu      sync.Mutex
	session *Session
}

// NewPool creates a session pool. The one-shot adapter handles the bypass
// path when the pool is disabled.
func NewPool(cfg config.SessionConfig, factory ProcessFactory, oneShot llm.Adapter) *Pool {
	return &Pool{
		factory:  factory,
		oneShot:  oneShot,
		enabled:  cfg.Enabled,
		maxLoops: cfg.MaxLoops,
		maxAge:   time.Duration(cfg.MaxAgeMinutes) * time.Minute,
		startTO:  time.Duration(cfg.StartTimeoutS) * time.Second,
		logger:   logx.NewLogger("session-pool"),
		now:      time.Now,
		slots:    make(map[proto.AgentType]*agentSlot),
	}
}

// GetSession returns the agent's healthy session, synchronously replacing one
// that is missing or due for recycling.
func (p *Pool) GetSession(ctx context.Context, agentType proto.AgentType, profile string) (*Session, error) {
	slot := p.slot(agentType)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.session != nil && !slot.session.ShouldRecycle() {
		return slot.session, nil
	}
	if slot.session != nil {
		p.logger.Info("Recycling session for %s: loops=%d state=%s",
			agentType, slot.session.LoopCount(), slot.session.State())
		slot.session.Stop()
		slot.session = nil
	}

	if p.startTO > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.startTO)
		defer cancel()
	}
	// The CLI validates --session-id at startup, so the ID must exist before
	// the process is built.
	sessionID := uuid.New().String()
	sess := newSession(sessionID, agentType, p.factory(agentType, sessionID), p.maxLoops, p.maxAge, p.now)
	if err := sess.start(ctx, profile); err != nil {
		sess.Stop()
		return nil, err
	}
	slot.session = sess
	return sess, nil
}

// Execute implements Executor. In session mode the profile is only paid once
// per session lifetime; one-shot mode resends it on every call.
func (p *Pool) Execute(ctx context.Context, agentType proto.AgentType, profile, prompt string, timeout time.Duration) (Result, error) {
	if !p.enabled {
		return p.executeOneShot(ctx, profile, prompt)
	}
	sess, err := p.GetSession(ctx, agentType, profile)
	if err != nil {
		return Result{}, err
	}
	return sess.SendMessage(ctx, prompt, timeout)
}

func (p *Pool) executeOneShot(ctx context.Context, profile, prompt string) (Result, error) {
	if p.oneShot == nil {
		return Result{}, fmt.Errorf("session pool disabled and no one-shot adapter configured")
	}
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(profile),
		llm.NewUserMessage(prompt),
	})
	result := p.oneShot.ExecuteWithRetry(ctx, req)
	if !result.Success {
		return Result{}, fmt.Errorf("one-shot execution failed: %w", result.Error)
	}
	return Result{Content: result.Output, DurationMs: result.DurationMs}, nil
}

// MarkRecycle flags an agent's session for replacement, if one exists.
func (p *Pool) MarkRecycle(agentType proto.AgentType) {
	slot := p.slot(agentType)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.session != nil {
		slot.session.MarkRecycle()
	}
}

// Shutdown stops every live session.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	slots := make([]*agentSlot, 0, len(p.slots))
	for _, slot := range p.slots {
		slots = append(slots, slot)
	}
	p.mu.Unlock()

	for _, slot := range slots {
		slot.mu.Lock()
		if slot.session != nil {
			slot.session.Stop()
			slot.session = nil
		}
		slot.mu.Unlock()
	}
}

func (p *Pool) slot(agentType proto.AgentType) *agentSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[agentType]
	if !ok {
		slot = &agentSlot{}
		p.slots[agentType] = slot
	}
	return slot
}
