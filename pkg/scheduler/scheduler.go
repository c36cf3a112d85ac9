// Package scheduler drives agent loops on per-agent cadences, serves event
// wake-ups, and runs the standing system jobs (health checks, escalation
// sweeps, daily digest).
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"boardroom/pkg/agentloop"
	"boardroom/pkg/config"
	"boardroom/pkg/container"
	"boardroom/pkg/logx"
	"boardroom/pkg/metrics"
	"boardroom/pkg/persistence"
	"boardroom/pkg/proto"
)

// System job IDs.
const (
	JobHealthCheck     = "system:health-check"
	JobEscalationSweep = "system:escalation-sweep"
	JobDailyDigest     = "system:daily-digest"
)

// escalationSweepInterval is fixed; the per-decision deadlines live in the
// decision engine.
const escalationSweepInterval = time.Minute

// digestHourUTC is when the daily digest fires.
const digestHourUTC = 9

// LoopRunner invokes one agent loop; satisfied by the agentloop runner.
type LoopRunner interface {
	RunLoop(ctx context.Context, agentType proto.AgentType, trigger agentloop.Trigger) error
}

// Sweeper runs the decision timeout and escalation checks.
type Sweeper interface {
	SweepTimeouts() error
	SweepEscalations() error
}

// Recycler marks an agent's session for replacement after a timed-out loop.
type Recycler interface {
	MarkRecycle(agentType proto.AgentType)
}

// Publisher sends the digest message; satisfied by the message bus.
type Publisher interface {
	PublishMessage(msg *proto.Message) error
}

// UsageSource reads aggregated per-agent LLM usage for the daily digest;
// satisfied by the metrics query service.
type UsageSource interface {
	GetAllAgentUsage(ctx context.Context, window time.Duration) ([]*metrics.AgentUsage, error)
}

// JobInfo is the registry view of one scheduled job.
type JobInfo struct {
	ID        string
	AgentType proto.AgentType // empty for system jobs
	Interval  time.Duration
	CronSpec  string
	Paused    bool
	LastRun   time.Time
}

type job struct {
	id        string
	agentType proto.AgentType
	interval  func() time.Duration
	run       func(ctx context.Context)

	mu      sync.Mutex
	paused  bool
	lastRun time.Time
	stop    chan struct{}
	wake    chan agentloop.Trigger
}

// Scheduler owns the process-wide job registry.
type Scheduler struct {
	runner    LoopRunner
	sweeper   Sweeper
	recycler  Recycler
	publisher Publisher
	store     *persistence.Store
	runtime   container.API
	settings  *persistence.SettingsCache
	usage     UsageSource
	cfg       config.SchedulerConfig
	logger    *logx.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. Sweeper, recycler, publisher, and runtime may be
// nil; the corresponding jobs then no-op.
func New(runner LoopRunner, sweeper Sweeper, recycler Recycler, publisher Publisher,
	store *persistence.Store, runtime container.API, settings *persistence.SettingsCache,
	cfg config.SchedulerConfig,
) *Scheduler {
	return &Scheduler{
		runner:    runner,
		sweeper:   sweeper,
		recycler:  recycler,
		publisher: publisher,
		store:     store,
		runtime:   runtime,
		settings:  settings,
		cfg:       cfg,
		logger:    logx.NewLogger("scheduler"),
		jobs:      make(map[string]*job),
	}
}

// SetUsageSource attaches the metrics backend for digest usage tables. Must
// be called before Start.
func (s *Scheduler) SetUsageSource(usage UsageSource) {
	s.usage = usage
}

// Start registers agent jobs for the given roster plus the three system jobs
// and begins running them.
func (s *Scheduler) Start(agents []config.AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	for _, agent := range agents {
		agent := agent
		s.addJobLocked(&job{
			id:        "agent:" + string(agent.Type),
			agentType: agent.Type,
			interval:  func() time.Duration { return s.agentInterval(agent) },
			run: func(jobCtx context.Context) {
				s.runAgentLoop(jobCtx, agent.Type, agentloop.Trigger{Type: "scheduled"})
			},
		}, ctx)
	}

	s.addJobLocked(&job{
		id:       JobHealthCheck,
		interval: func() time.Duration { return time.Duration(s.cfg.HealthCheckIntervalS) * time.Second },
		run:      s.runHealthCheck,
	}, ctx)
	s.addJobLocked(&job{
		id:       JobEscalationSweep,
		interval: func() time.Duration { return escalationSweepInterval },
		run:      s.runEscalationSweep,
	}, ctx)
	s.addJobLocked(&job{
		id:       JobDailyDigest,
		interval: func() time.Duration { return untilNextDigest(time.Now().UTC()) },
		run:      s.runDailyDigest,
	}, ctx)

	s.logger.Info("Scheduler started with %d jobs", len(s.jobs))
	return nil
}

func (s *Scheduler) addJobLocked(j *job, ctx context.Context) {
	j.stop = make(chan struct{})
	j.wake = make(chan agentloop.Trigger, 8)
	s.jobs[j.id] = j
	s.wg.Add(1)
	go s.runJob(ctx, j)
}

// runJob is one job's timer loop. Wake-ups run out-of-band without resetting
// the cadence timer, each on its own goroutine so a slow loop does not stall
// the queue; the runner's per-agent concurrency cap bounds overlap.
func (s *Scheduler) runJob(ctx context.Context, j *job) {
	defer s.wg.Done()
	timer := time.NewTimer(j.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case trigger := <-j.wake:
			if !j.isPaused() {
				j.markRun()
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.runAgentLoop(ctx, j.agentType, trigger)
				}()
			}
		case <-timer.C:
			if !j.isPaused() {
				j.markRun()
				j.run(ctx)
			}
			timer.Reset(j.interval())
		}
	}
}

// Wake triggers an out-of-band run for an agent, subject to its concurrency
// cap. Unknown agents and full wake queues are dropped.
func (s *Scheduler) Wake(agentType proto.AgentType, trigger agentloop.Trigger) {
	s.mu.Lock()
	j, ok := s.jobs["agent:"+string(agentType)]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case j.wake <- trigger:
	default:
		s.logger.Warn("Wake queue full for %s, dropping trigger %s", agentType, trigger.Type)
	}
}

// HandleMessage converts bus traffic into wake-ups: task_queued and
// high-priority direct messages trigger the recipient's loop.
func (s *Scheduler) HandleMessage(msg *proto.Message) {
	agentType, err := proto.ParseAgentType(msg.To)
	if err != nil {
		return
	}
	highPriority := msg.Priority == proto.PriorityCritical || msg.Priority == proto.PriorityUrgent
	if msg.Type != proto.MsgTypeTaskQueued && !highPriority {
		return
	}
	s.Wake(agentType, agentloop.Trigger{
		Type: "event",
		Data: fmt.Sprintf("%s from %s", msg.Type, msg.From),
		At:   time.Now().UTC(),
	})
}

// runAgentLoop enforces the per-loop hard timeout. On timeout the partial
// result is discarded and the agent's session is marked for recycling.
func (s *Scheduler) runAgentLoop(ctx context.Context, agentType proto.AgentType, trigger agentloop.Trigger) {
	timeout := time.Duration(s.cfg.LoopTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	loopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_ = s.runner.RunLoop(loopCtx, agentType, trigger)
	if loopCtx.Err() == context.DeadlineExceeded {
		s.logger.Error("Loop for %s exceeded %s, marking session for recycle", agentType, timeout)
		if s.recycler != nil {
			s.recycler.MarkRecycle(agentType)
		}
	}
}

// StopJob removes a job from the registry.
func (s *Scheduler) StopJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job: %s", id)
	}
	close(j.stop)
	delete(s.jobs, id)
	s.logger.Info("Stopped job %s", id)
	return nil
}

// PauseJob keeps a job registered but skips its runs.
func (s *Scheduler) PauseJob(id string) error { return s.setPaused(id, true) }

// ResumeJob re-enables a paused job.
func (s *Scheduler) ResumeJob(id string) error { return s.setPaused(id, false) }

func (s *Scheduler) setPaused(id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job: %s", id)
	}
	j.mu.Lock()
	j.paused = paused
	j.mu.Unlock()
	return nil
}

// GetScheduledJobs returns the registry snapshot sorted by job ID.
func (s *Scheduler) GetScheduledJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		interval := j.interval()
		infos = append(infos, JobInfo{
			ID:        j.id,
			AgentType: j.agentType,
			Interval:  interval,
			CronSpec:  CronSpec(interval),
			Paused:    j.paused,
			LastRun:   j.lastRun,
		})
		j.mu.Unlock()
	}
	sort.Slice(infos, func(i, k int) bool { return infos[i].ID < infos[k].ID })
	return infos
}

// Stop cancels all jobs cooperatively and waits up to the grace period.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	grace := time.Duration(s.cfg.ShutdownGraceSeconds) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
		s.logger.Info("Scheduler stopped cleanly")
	case <-time.After(grace):
		s.logger.Warn("Scheduler stop exceeded %s grace period", grace)
	}
}

// agentInterval reads the live loop interval, overridable at runtime via
// agents.loop_interval_<type> seconds.
func (s *Scheduler) agentInterval(agent config.AgentConfig) time.Duration {
	secs := agent.LoopInterval
	if s.settings != nil {
		secs = s.settings.GetInt("agents", "loop_interval_"+string(agent.Type), secs)
	}
	if secs <= 0 {
		secs = 3600
	}
	return time.Duration(secs) * time.Second
}

func (j *job) isPaused() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.paused
}

func (j *job) markRun() {
	j.mu.Lock()
	j.lastRun = time.Now().UTC()
	j.mu.Unlock()
}

// CronSpec renders an interval as the smallest cron expression hitting that
// cadence. Display-only; execution uses timers.
func CronSpec(interval time.Duration) string {
	secs := int(interval.Seconds())
	switch {
	case secs <= 0:
		return "@manual"
	case secs%86400 == 0:
		days := secs / 86400
		if days == 1 {
			return fmt.Sprintf("0 %d * * *", digestHourUTC)
		}
		return fmt.Sprintf("0 0 */%d * *", days)
	case secs%3600 == 0:
		hours := secs / 3600
		if hours == 1 {
			return "0 * * * *"
		}
		return fmt.Sprintf("0 */%d * * *", hours)
	case secs%60 == 0:
		mins := secs / 60
		if mins == 1 {
			return "* * * * *"
		}
		return fmt.Sprintf("*/%d * * * *", mins)
	default:
		return fmt.Sprintf("@every %ds", secs)
	}
}

// untilNextDigest returns the wait until the next daily digest slot.
func untilNextDigest(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), digestHourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
