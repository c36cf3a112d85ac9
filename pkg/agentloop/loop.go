// Package agentloop runs one deliberation cycle for an agent: load state and
// context, prompt the model through the session pool, and dispatch the
// returned actions. A loop never propagates a failure to the scheduler.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"boardroom/pkg/llm"
	"boardroom/pkg/logx"
	"boardroom/pkg/metrics"
	"boardroom/pkg/persistence"
	"boardroom/pkg/proto"
	"boardroom/pkg/session"
)

// ErrConcurrencyLimit is returned when the per-agent semaphore is exhausted.
// The invocation is skipped, not queued.
var ErrConcurrencyLimit = errors.New("agent concurrency limit reached")

// executeRetries bounds retries of the provider call on retryable failures.
const executeRetries = 3

// ragTopK is the history neighbourhood size for the prompt context.
const ragTopK = 5

// maxFocusQueryChars truncates the focus text used as the RAG query.
const maxFocusQueryChars = 1000

// Trigger describes why a loop fired.
type Trigger struct {
	Type string // scheduled, event, manual, digest
	Data string
	At   time.Time
}

// Publisher sends bus messages; satisfied by the message bus.
type Publisher interface {
	Publish(channel string, msg *proto.Message) error
	PublishMessage(msg *proto.Message) error
}

// ContextSource renders the market-data block; satisfied by the data cache.
type ContextSource interface {
	BuildDataContext() string
}

// ProfileSource resolves an agent's system profile text.
type ProfileSource func(agentType proto.AgentType) (string, error)

// Runner executes agent loops with per-agent concurrency limits.
type Runner struct {
	store    *persistence.Store
	executor session.Executor
	bus      Publisher
	cache    ContextSource
	embedder llm.Embedder
	recorder metrics.Recorder
	profiles ProfileSource
	logger   *logx.Logger
	now      func() time.Time

	sendTimeout time.Duration
	sems        map[proto.AgentType]chan struct{}
}

// NewRunner creates a loop runner. The embedder may be nil; history records
// then omit vectors and retrieval falls back to recency.
func NewRunner(store *persistence.Store, executor session.Executor, bus Publisher,
	cache ContextSource, embedder llm.Embedder, recorder metrics.Recorder,
	profiles ProfileSource, maxConcurrentPerAgent int, sendTimeout time.Duration,
) *Runner {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	if maxConcurrentPerAgent <= 0 {
		maxConcurrentPerAgent = 2
	}
	sems := make(map[proto.AgentType]chan struct{}, len(proto.AllAgentTypes()))
	for _, at := range proto.AllAgentTypes() {
		sems[at] = make(chan struct{}, maxConcurrentPerAgent)
	}
	return &Runner{
		store:       store,
		executor:    executor,
		bus:         bus,
		cache:       cache,
		embedder:    embedder,
		recorder:    recorder,
		profiles:    profiles,
		logger:      logx.NewLogger("loop"),
		now:         time.Now,
		sendTimeout: sendTimeout,
		sems:        sems,
	}
}

// RunLoop executes one loop invocation. It returns ErrConcurrencyLimit when
// skipped; every other failure is absorbed into error_count and history.
func (r *Runner) RunLoop(ctx context.Context, agentType proto.AgentType, trigger Trigger) error {
	sem := r.sems[agentType]
	select {
	case sem <- struct{}{}:
	default:
		r.logger.Warn("Skipping %s loop: concurrency limit reached", agentType)
		return ErrConcurrencyLimit
	}
	defer func() { <-sem }()

	started := r.now()
	if trigger.At.IsZero() {
		trigger.At = started
	}

	err := r.runOnce(ctx, agentType, trigger)
	r.recorder.ObserveLoop(string(agentType), err == nil, r.now().Sub(started))
	if err != nil {
		r.logger.Error("Loop failed for %s: %v", agentType, err)
		r.recordFailure(agentType, err)
	}
	return nil
}

func (r *Runner) runOnce(ctx context.Context, agentType proto.AgentType, trigger Trigger) error {
	agent, err := r.store.GetAgent(agentType)
	if err != nil {
		return fmt.Errorf("agent %s not registered: %w", agentType, err)
	}

	essential, err := r.store.GetEssentialState(agent.ID)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	prompt := r.buildPrompt(ctx, agent, essential, trigger)

	profile, err := r.profiles(agentType)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}

	output, err := r.executeWithRetries(ctx, agentType, profile, prompt)
	if err != nil {
		return err
	}

	result, dropped, err := proto.ParseLoopResult([]byte(output))
	if err != nil {
		return fmt.Errorf("unparseable loop result: %w", err)
	}
	if len(dropped) > 0 {
		r.logger.Warn("Dropped %d unknown action(s) from %s: %v", len(dropped), agentType, dropped)
	}

	for i := range result.Actions {
		if err := r.dispatch(agent, &result.Actions[i]); err != nil {
			r.logger.Error("Action %s failed for %s: %v", result.Actions[i].Type, agentType, err)
		}
	}

	r.finishLoop(agent, essential, trigger, result.Summary)
	return nil
}

// executeWithRetries calls the session executor, retrying retryable failures
// within the budget. A recycled session is rebuilt by the pool on retry.
func (r *Runner) executeWithRetries(ctx context.Context, agentType proto.AgentType, profile, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= executeRetries; attempt++ {
		result, err := r.executor.Execute(ctx, agentType, profile, prompt, r.sendTimeout)
		if err == nil {
			return result.Content, nil
		}
		lastErr = err
		if !llm.Classify(err).IsRetryable() || ctx.Err() != nil {
			return "", err
		}
		r.logger.Warn("Loop execution attempt %d for %s failed: %v", attempt+1, agentType, err)
	}
	return "", fmt.Errorf("loop execution exhausted %d retries: %w", executeRetries, lastErr)
}

// dispatch routes one action to its collaborator.
func (r *Runner) dispatch(agent *persistence.Agent, action *proto.Action) error {
	agentID := string(agent.AgentType)
	switch action.Type {
	case proto.ActionCreateTask:
		task := &persistence.Task{
			Title:       action.Title,
			Description: action.Description,
			AssignedTo:  action.AssignTo,
			CreatedBy:   agentID,
			Status:      proto.TaskPending,
			Priority:    action.Priority,
		}
		if task.AssignedTo == "" {
			task.AssignedTo = agentID
		}
		if err := r.store.CreateTask(task); err != nil {
			return err
		}
		if err := r.store.AppendEvent(&persistence.Event{
			EventType:     proto.EventTaskCreated,
			SourceAgent:   agentID,
			TargetAgent:   task.AssignedTo,
			Payload:       fmt.Sprintf(`{"task_id":%q,"title":%q}`, task.ID, task.Title),
			CorrelationID: task.ID,
		}); err != nil {
			r.logger.Error("Failed to log task event: %v", err)
		}
		msg := proto.NewMessage(proto.MsgTypeTaskQueued, agentID, task.AssignedTo)
		msg.CorrelationID = task.ID
		msg.SetPayload(proto.KeyTaskID, task.ID)
		msg.SetPayload(proto.KeyTitle, task.Title)
		return r.bus.PublishMessage(msg)

	case proto.ActionSendMessage:
		msg := proto.NewMessage(proto.MsgTypeDirect, agentID, action.To)
		msg.Priority = proto.ParsePriority(action.Urgency)
		msg.SetPayload(proto.KeyContent, action.Content)
		return r.bus.PublishMessage(msg)

	case proto.ActionProposeDecision:
		msg := proto.NewMessage(proto.MsgTypeDecision, agentID, "decision-engine")
		msg.Priority = proto.PriorityHigh
		msg.SetPayload(proto.KeyTitle, action.Title)
		msg.SetPayload(proto.KeyDescription, action.Description)
		msg.SetPayload(proto.KeyTier, action.Tier)
		return r.bus.Publish(proto.ChannelOrchestrator, msg)

	case proto.ActionSpawnWorker:
		msg := proto.NewMessage(proto.MsgTypeTask, agentID, "worker")
		msg.CorrelationID = proto.NewCorrelationID()
		msg.SetPayload(proto.KeyWorkerType, action.WorkerType)
		msg.SetPayload(proto.KeyWorkerInput, action.Input)
		return r.bus.Publish(proto.ChannelOrchestrator, msg)

	case proto.ActionUpdateFocus:
		return r.store.SetState(agent.ID, proto.StateKeyCurrentFocus, action.Focus)

	default:
		// ParseLoopResult already filtered unknown tags.
		return nil
	}
}

// finishLoop writes the post-loop state and the history record.
func (r *Runner) finishLoop(agent *persistence.Agent, essential map[string]string, trigger Trigger, summary string) {
	loopCount := parseCounter(essential[proto.StateKeyLoopCount]) + 1
	successCount := parseCounter(essential[proto.StateKeySuccessCount]) + 1

	updates := map[string]string{
		proto.StateKeyLoopCount:      strconv.Itoa(loopCount),
		proto.StateKeyLastLoopAt:     trigger.At.UTC().Format(time.RFC3339),
		proto.StateKeyLastLoopResult: summary,
		proto.StateKeySuccessCount:   strconv.Itoa(successCount),
	}
	if err := r.store.SetStateBatch(agent.ID, updates); err != nil {
		r.logger.Error("Failed to persist loop state for %s: %v", agent.AgentType, err)
	}

	rec := &persistence.HistoryRecord{
		AgentID:    agent.ID,
		ActionType: proto.HistoryCommunication,
		Summary:    summary,
	}
	if r.embedder != nil && summary != "" {
		embedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if vec, err := r.embedder.Embed(embedCtx, summary); err == nil {
			rec.Embedding = vec
		} else {
			r.logger.Warn("Embedding failed for %s, storing without vector: %v", agent.AgentType, err)
		}
		cancel()
	}
	if err := r.store.AppendHistory(rec); err != nil {
		r.logger.Error("Failed to append history for %s: %v", agent.AgentType, err)
	}
}

// recordFailure bumps error_count and appends an error history entry.
func (r *Runner) recordFailure(agentType proto.AgentType, loopErr error) {
	agent, err := r.store.GetAgent(agentType)
	if err != nil {
		return
	}
	count, _ := r.store.GetState(agent.ID, proto.StateKeyErrorCount)
	if err := r.store.SetState(agent.ID, proto.StateKeyErrorCount,
		strconv.Itoa(parseCounter(count)+1)); err != nil {
		r.logger.Error("Failed to bump error count for %s: %v", agentType, err)
	}
	if err := r.store.AppendHistory(&persistence.HistoryRecord{
		AgentID:    agent.ID,
		ActionType: proto.HistoryError,
		Summary:    loopErr.Error(),
	}); err != nil {
		r.logger.Error("Failed to record failure history for %s: %v", agentType, err)
	}
}

func parseCounter(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
