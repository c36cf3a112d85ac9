// Package orch assembles the orchestrator: persistence, bus, providers,
// router, session pool, decision engine, data cache, container runtime,
// agent loops, and the scheduler, wired in dependency order.
package orch

import (
	"context"
	"fmt"
	"os"
	"sync"

	"boardroom/pkg/agentloop"
	"boardroom/pkg/bus"
	"boardroom/pkg/config"
	"boardroom/pkg/container"
	"boardroom/pkg/datacache"
	"boardroom/pkg/decision"
	"boardroom/pkg/eventlog"
	"boardroom/pkg/llm"
	"boardroom/pkg/llm/anthropic"
	"boardroom/pkg/llm/google"
	"boardroom/pkg/llm/openai"
	"boardroom/pkg/logx"
	"boardroom/pkg/metrics"
	"boardroom/pkg/persistence"
	"boardroom/pkg/proto"
	"boardroom/pkg/quota"
	"boardroom/pkg/router"
	"boardroom/pkg/scheduler"
	"boardroom/pkg/session"
	"boardroom/pkg/tokens"
)

// Orchestrator owns every subsystem and their startup/shutdown order.
type Orchestrator struct {
	cfg      *config.Config
	secrets  *config.Secrets
	logger   *logx.Logger
	store    *persistence.Store
	settings *persistence.SettingsCache
	bus      *bus.Bus
	eventLog *eventlog.Writer
	quota    *quota.Manager
	router   *router.Router
	pool     *session.Pool
	engine   *decision.Engine
	cache    *datacache.Cache
	runtime  container.API
	runner   *agentloop.Runner
	sched    *scheduler.Scheduler
	recorder metrics.Recorder

	profiles *profileCache

	cancel context.CancelFunc
	subs   []*bus.Subscription
	wg     sync.WaitGroup
}

// New wires the orchestrator from validated config. Nothing runs until Start.
func New(cfg *config.Config, secrets *config.Secrets) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:     cfg,
		secrets: secrets,
		logger:  logx.NewLogger("orch"),
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	o.store = store
	o.settings = persistence.NewSettingsCache(store)

	if err := o.seedAgents(); err != nil {
		_ = store.Close()
		return nil, err
	}

	o.eventLog, err = eventlog.NewWriter(cfg.EventLogDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	o.bus = bus.New(o.settings)
	o.recorder = metrics.NewPrometheusRecorder()

	quotas := make(map[string]int64, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		quotas[name] = pc.MonthlyQuota
	}
	o.quota = quota.NewManager(quotas, config.ProviderClaude, o.bus, store)

	counter, err := tokens.NewCounter()
	if err != nil {
		o.logger.Warn("Token counter unavailable, falling back to estimation: %v", err)
		counter = nil
	}

	adapters, embedder := o.buildProviders()
	o.router = router.New(adapters, o.quota, o.settings, o.recorder, counter, cfg.LLM)

	claudeModel := config.ModelClaudeSonnet
	if pc, ok := cfg.Providers[config.ProviderClaude]; ok && pc.DefaultModel != "" {
		claudeModel = pc.DefaultModel
	}
	factory := func(agentType proto.AgentType, sessionID string) session.Process {
		return session.NewCLIProcess(cfg.Session.Command, cfg.Session.MCPConfigPath, claudeModel, sessionID)
	}
	o.pool = session.NewPool(cfg.Session, factory, adapters[config.ProviderClaude])

	o.engine = decision.NewEngine(store, o.bus, &busNotifier{bus: o.bus},
		o.settings, cfg.Decisions.MaxVetoRounds, cfg.Decisions.HumanChannels)
	o.engine.SetPRPredicate(decision.DenyByDefault)

	o.cache = datacache.New(cfg.DataCache)
	o.runtime = container.New(cfg.Container)
	o.profiles = &profileCache{cfg: cfg}

	o.runner = agentloop.NewRunner(store, o.executor(counter, claudeModel), o.bus, o.cache, embedder,
		o.recorder, o.profiles.load, cfg.Scheduler.MaxConcurrentPerAgent, cfg.SessionSendTimeout())

	o.sched = scheduler.New(o.runner, o.engine, o.pool, o.bus, store, o.runtime,
		o.settings, cfg.Scheduler)
	if cfg.PrometheusURL != "" {
		usage, err := metrics.NewQueryService(cfg.PrometheusURL)
		if err != nil {
			o.logger.Warn("Digest usage table disabled: %v", err)
		} else {
			o.sched.SetUsageSource(usage)
		}
	}
	return o, nil
}

// executor selects the loop execution path: the CLI session pool when
// enabled, direct routed API calls otherwise. The pool path is wrapped so
// session usage still reaches the quota windows and request metrics.
func (o *Orchestrator) executor(counter *tokens.Counter, model string) session.Executor {
	if o.cfg.Session.Enabled {
		return &meteredExecutor{
			inner:    o.pool,
			quota:    o.quota,
			recorder: o.recorder,
			counter:  counter,
			provider: config.ProviderClaude,
			model:    model,
		}
	}
	return &routedExecutor{router: o.router}
}

// buildProviders constructs an adapter per enabled provider with a resolvable
// API key, plus the embedding client when OpenAI is usable.
func (o *Orchestrator) buildProviders() (map[string]llm.Adapter, llm.Embedder) {
	adapters := make(map[string]llm.Adapter)
	var embedder llm.Embedder

	for name, pc := range o.cfg.Providers {
		if !pc.Enabled {
			continue
		}
		key, err := o.secrets.Get(pc.APIKeySecret)
		if err != nil {
			o.logger.Warn("Provider %s disabled: %v", name, err)
			continue
		}

		var client llm.Client
		switch name {
		case config.ProviderClaude:
			client = anthropic.NewClient(key, pc.DefaultModel)
		case config.ProviderGemini:
			client = google.NewClient(key, pc.DefaultModel)
		case config.ProviderOpenAI:
			client = openai.NewClient(key, pc.DefaultModel)
			embedder = openai.NewEmbeddingClient(key, config.ModelOpenAIEmbed)
		default:
			continue
		}
		adapters[name] = llm.NewProviderAdapter(name, client, nil)
		o.logger.Info("Provider %s enabled (model %s)", name, pc.DefaultModel)
	}
	return adapters, embedder
}

// seedAgents upserts the configured roster so loops and state writes always
// find their agent row.
func (o *Orchestrator) seedAgents() error {
	for _, ac := range o.cfg.Agents {
		if err := o.store.UpsertAgent(&persistence.Agent{
			AgentType:    ac.Type,
			Name:         ac.Name,
			ProfileRef:   ac.ProfilePath,
			LoopInterval: ac.LoopInterval,
			Status:       proto.AgentStatusActive,
		}); err != nil {
			return fmt.Errorf("failed to seed agent %s: %w", ac.Type, err)
		}
	}
	return nil
}

// Start brings the subsystems up: data cache, bus taps, containers, then the
// scheduler last so nothing fires before its collaborators exist.
func (o *Orchestrator) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	go o.cache.Run(ctx)

	if err := o.subscribeOrchestrator(); err != nil {
		cancel()
		return err
	}
	if err := o.subscribeAgentChannels(); err != nil {
		cancel()
		return err
	}
	if err := o.subscribeQuotaWarnings(); err != nil {
		cancel()
		return err
	}

	o.startContainers(ctx)

	if err := o.sched.Start(o.cfg.Agents); err != nil {
		cancel()
		return err
	}
	o.logger.Info("Orchestrator started with %d agents", len(o.cfg.Agents))
	return nil
}

// subscribeOrchestrator feeds decision proposals, votes, and worker spawns to
// the decision engine, and journals everything.
func (o *Orchestrator) subscribeOrchestrator() error {
	sub, err := o.bus.Subscribe(proto.ChannelOrchestrator)
	if err != nil {
		return err
	}
	o.subs = append(o.subs, sub)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for msg := range sub.C() {
			o.journal(msg)
			o.handleOrchestratorMessage(msg)
		}
	}()
	return nil
}

// handleOrchestratorMessage routes orchestrator-channel traffic to its owner.
func (o *Orchestrator) handleOrchestratorMessage(msg *proto.Message) {
	switch msg.Type {
	case proto.MsgTypeDecision, proto.MsgTypeVote:
		o.engine.HandleMessage(msg)
	case proto.MsgTypePRReviewRequested:
		o.engine.ReviewPR(decision.PRMetadata{
			ID:          msg.PayloadString(proto.KeyPRID),
			Title:       msg.PayloadString(proto.KeyTitle),
			Author:      msg.PayloadString("author"),
			Branch:      msg.PayloadString("branch"),
			Description: msg.PayloadString(proto.KeyDescription),
		}, msg.CorrelationID)
	case proto.MsgTypeTask:
		o.logger.Info("Worker spawn requested: type=%s correlation=%s",
			msg.PayloadString(proto.KeyWorkerType), msg.CorrelationID)
	}
}

// subscribeAgentChannels taps all agent inboxes and the broadcast channel for
// the journal and for scheduler wake-ups.
func (o *Orchestrator) subscribeAgentChannels() error {
	for _, pattern := range []string{"channel:agent:*", proto.ChannelBroadcast} {
		sub, err := o.bus.Subscribe(pattern)
		if err != nil {
			return err
		}
		o.subs = append(o.subs, sub)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for msg := range sub.C() {
				o.journal(msg)
				o.sched.HandleMessage(msg)
			}
		}()
	}
	return nil
}

func (o *Orchestrator) subscribeQuotaWarnings() error {
	sub, err := o.bus.Subscribe(proto.ChannelQuotaWarning)
	if err != nil {
		return err
	}
	o.subs = append(o.subs, sub)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for msg := range sub.C() {
			o.journal(msg)
			o.logger.Warn("Quota warning: %s", msg.PayloadString(proto.KeyReason))
		}
	}()
	return nil
}

func (o *Orchestrator) journal(msg *proto.Message) {
	if err := o.eventLog.WriteMessage(msg); err != nil {
		o.logger.Error("Failed to journal message %s: %v", msg.ID, err)
	}
}

// startContainers launches one container per agent and records the handle.
// Failures degrade that agent to in-process execution.
func (o *Orchestrator) startContainers(ctx context.Context) {
	for _, ac := range o.cfg.Agents {
		handle, err := o.runtime.Start(ctx, ac.Type, map[string]string{
			"BOARDROOM_AGENT": string(ac.Type),
		})
		if err != nil {
			o.logger.Error("Failed to start container for %s: %v", ac.Type, err)
			continue
		}
		agent, err := o.store.GetAgent(ac.Type)
		if err != nil {
			continue
		}
		agent.ContainerHandle = handle
		if err := o.store.UpsertAgent(agent); err != nil {
			o.logger.Error("Failed to record container handle for %s: %v", ac.Type, err)
		}
	}
}

// HandleHumanResponse forwards a human escalation verdict to the decision
// engine. Exposed for the CLI and any future inbound surface.
func (o *Orchestrator) HandleHumanResponse(decisionID, response string) error {
	return o.engine.HandleHumanResponse(decisionID, response)
}

// Jobs returns the scheduler registry snapshot.
func (o *Orchestrator) Jobs() []scheduler.JobInfo {
	return o.sched.GetScheduledJobs()
}

// Stop shuts down in reverse dependency order: scheduler first so no new
// loops start, then sessions, bus, and finally durable storage.
func (o *Orchestrator) Stop() {
	o.sched.Stop()
	if o.cancel != nil {
		o.cancel()
	}
	o.pool.Shutdown()
	for _, sub := range o.subs {
		sub.Cancel()
	}
	o.bus.Close()
	o.wg.Wait()
	if err := o.eventLog.Close(); err != nil {
		o.logger.Error("Failed to close event log: %v", err)
	}
	if err := o.store.Close(); err != nil {
		o.logger.Error("Failed to close store: %v", err)
	}
	o.logger.Info("Orchestrator stopped")
}

// profileCache loads agent profile files once and serves them from memory.
type profileCache struct {
	cfg *config.Config

	mu    sync.Mutex
	cache map[proto.AgentType]string
}

func (p *profileCache) load(agentType proto.AgentType) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if profile, ok := p.cache[agentType]; ok {
		return profile, nil
	}

	ac, ok := p.cfg.AgentFor(agentType)
	if !ok {
		return "", fmt.Errorf("agent %s not configured", agentType)
	}
	profile := defaultProfile(agentType, ac.Name)
	if ac.ProfilePath != "" {
		data, err := os.ReadFile(ac.ProfilePath)
		if err != nil {
			return "", fmt.Errorf("failed to read profile for %s: %w", agentType, err)
		}
		profile = string(data)
	}

	if p.cache == nil {
		p.cache = make(map[proto.AgentType]string)
	}
	p.cache[agentType] = profile
	return profile, nil
}

func defaultProfile(agentType proto.AgentType, name string) string {
	return fmt.Sprintf("You are %s, the %s of an autonomous organization. "+
		"Act within your role, coordinate with the other officers over the message "+
		"bus, and propose decisions for anything beyond your own authority.",
		name, agentType)
}
