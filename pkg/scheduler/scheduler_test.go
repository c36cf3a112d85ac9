package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardroom/pkg/agentloop"
	"boardroom/pkg/config"
	"boardroom/pkg/metrics"
	"boardroom/pkg/persistence"
	"boardroom/pkg/proto"
)

type usageStub struct{}

func (usageStub) GetAllAgentUsage(context.Context, time.Duration) ([]*metrics.AgentUsage, error) {
	return []*metrics.AgentUsage{
		{AgentType: "ceo", Requests: 12, TotalTokens: 3400, TotalCost: 1.25},
	}, nil
}

type loopCall struct {
	agentType proto.AgentType
	trigger   agentloop.Trigger
}

// loopRecorder records RunLoop invocations on entry. With block set it then
// holds the loop open until the channel closes; with waitCtx set it blocks
// until the loop context expires.
type loopRecorder struct {
	mu      sync.Mutex
	calls   []loopCall
	waitCtx bool
	block   chan struct{}
}

func (l *loopRecorder) RunLoop(ctx context.Context, agentType proto.AgentType, trigger agentloop.Trigger) error {
	l.mu.Lock()
	l.calls = append(l.calls, loopCall{agentType: agentType, trigger: trigger})
	l.mu.Unlock()
	if l.block != nil {
		select {
		case <-l.block:
		case <-ctx.Done():
		}
	}
	if l.waitCtx {
		<-ctx.Done()
	}
	return nil
}

func (l *loopRecorder) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *loopRecorder) lastCall() (loopCall, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.calls) == 0 {
		return loopCall{}, false
	}
	return l.calls[len(l.calls)-1], true
}

type recycleRecorder struct {
	mu    sync.Mutex
	marks []proto.AgentType
}

func (r *recycleRecorder) MarkRecycle(agentType proto.AgentType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks = append(r.marks, agentType)
}

type msgRecorder struct {
	mu   sync.Mutex
	msgs []*proto.Message
}

func (m *msgRecorder) PublishMessage(msg *proto.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxConcurrentPerAgent: 2,
		LoopTimeoutSeconds:    60,
		HealthCheckIntervalS:  3600,
		ShutdownGraceSeconds:  5,
	}
}

// slowAgents returns a roster whose cadence timers never fire during a test.
func slowAgents(types ...proto.AgentType) []config.AgentConfig {
	agents := make([]config.AgentConfig, 0, len(types))
	for _, at := range types {
		agents = append(agents, config.AgentConfig{Type: at, Name: string(at), LoopInterval: 3600})
	}
	return agents
}

func TestWakeRunsLoopOutOfBand(t *testing.T) {
	runner := &loopRecorder{}
	s := New(runner, nil, nil, nil, nil, nil, nil, testConfig())
	require.NoError(t, s.Start(slowAgents(proto.AgentCEO)))
	defer s.Stop()

	s.Wake(proto.AgentCEO, agentloop.Trigger{Type: "event", Data: "task_queued from cmo"})

	require.Eventually(t, func() bool { return runner.callCount() == 1 },
		time.Second, 5*time.Millisecond)
	call, ok := runner.lastCall()
	require.True(t, ok)
	assert.Equal(t, proto.AgentCEO, call.agentType)
	assert.Equal(t, "event", call.trigger.Type)
}

// A wake arriving while a loop is still in flight must start a second loop
// rather than queue behind the first; the runner's per-agent cap is the only
// concurrency bound.
func TestWakesRunConcurrently(t *testing.T) {
	runner := &loopRecorder{block: make(chan struct{})}
	s := New(runner, nil, nil, nil, nil, nil, nil, testConfig())
	require.NoError(t, s.Start(slowAgents(proto.AgentCEO)))
	defer s.Stop()

	s.Wake(proto.AgentCEO, agentloop.Trigger{Type: "event", Data: "first"})
	require.Eventually(t, func() bool { return runner.callCount() == 1 },
		time.Second, 5*time.Millisecond)

	// The first loop is still blocked when the second wake lands.
	s.Wake(proto.AgentCEO, agentloop.Trigger{Type: "event", Data: "second"})
	require.Eventually(t, func() bool { return runner.callCount() == 2 },
		time.Second, 5*time.Millisecond)

	close(runner.block)
}

func TestWakeUnknownAgentIsDropped(t *testing.T) {
	runner := &loopRecorder{}
	s := New(runner, nil, nil, nil, nil, nil, nil, testConfig())
	require.NoError(t, s.Start(slowAgents(proto.AgentCEO)))
	defer s.Stop()

	s.Wake(proto.AgentCFO, agentloop.Trigger{Type: "event"})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runner.callCount())
}

func TestScheduledCadenceFires(t *testing.T) {
	runner := &loopRecorder{}
	s := New(runner, nil, nil, nil, nil, nil, nil, testConfig())
	require.NoError(t, s.Start([]config.AgentConfig{
		{Type: proto.AgentCOO, Name: "coo", LoopInterval: 1},
	}))
	defer s.Stop()

	require.Eventually(t, func() bool { return runner.callCount() >= 1 },
		3*time.Second, 10*time.Millisecond)
	call, ok := runner.lastCall()
	require.True(t, ok)
	assert.Equal(t, "scheduled", call.trigger.Type)
}

func TestHandleMessageWakeRules(t *testing.T) {
	runner := &loopRecorder{}
	s := New(runner, nil, nil, nil, nil, nil, nil, testConfig())
	require.NoError(t, s.Start(slowAgents(proto.AgentCEO, proto.AgentCMO)))
	defer s.Stop()

	// Normal-priority direct messages do not wake anyone.
	s.HandleMessage(proto.NewMessage(proto.MsgTypeDirect, "cmo", "ceo"))
	// Group recipients are not a single agent's inbox.
	s.HandleMessage(proto.NewMessage(proto.MsgTypeTaskQueued, "ceo", proto.RecipientAll))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runner.callCount())

	queued := proto.NewMessage(proto.MsgTypeTaskQueued, "ceo", "cmo")
	s.HandleMessage(queued)
	require.Eventually(t, func() bool { return runner.callCount() == 1 },
		time.Second, 5*time.Millisecond)

	urgent := proto.NewMessage(proto.MsgTypeDirect, "cmo", "ceo")
	urgent.Priority = proto.PriorityCritical
	s.HandleMessage(urgent)
	require.Eventually(t, func() bool { return runner.callCount() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestLoopTimeoutMarksSessionForRecycle(t *testing.T) {
	runner := &loopRecorder{waitCtx: true}
	recycler := &recycleRecorder{}
	cfg := testConfig()
	cfg.LoopTimeoutSeconds = 1
	s := New(runner, nil, recycler, nil, nil, nil, nil, cfg)
	require.NoError(t, s.Start(slowAgents(proto.AgentCTO)))
	defer s.Stop()

	s.Wake(proto.AgentCTO, agentloop.Trigger{Type: "event"})

	require.Eventually(t, func() bool {
		recycler.mu.Lock()
		defer recycler.mu.Unlock()
		return len(recycler.marks) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, proto.AgentCTO, recycler.marks[0])
}

func TestPauseAndResume(t *testing.T) {
	runner := &loopRecorder{}
	s := New(runner, nil, nil, nil, nil, nil, nil, testConfig())
	require.NoError(t, s.Start(slowAgents(proto.AgentCEO)))
	defer s.Stop()

	jobID := "agent:ceo"
	require.NoError(t, s.PauseJob(jobID))
	s.Wake(proto.AgentCEO, agentloop.Trigger{Type: "event"})
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runner.callCount(), "paused job skips wake-ups")

	require.NoError(t, s.ResumeJob(jobID))
	s.Wake(proto.AgentCEO, agentloop.Trigger{Type: "event"})
	require.Eventually(t, func() bool { return runner.callCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestStopJobRemovesFromRegistry(t *testing.T) {
	runner := &loopRecorder{}
	s := New(runner, nil, nil, nil, nil, nil, nil, testConfig())
	require.NoError(t, s.Start(slowAgents(proto.AgentCEO)))
	defer s.Stop()

	require.NoError(t, s.StopJob(JobHealthCheck))
	assert.Error(t, s.StopJob(JobHealthCheck), "already removed")
	assert.Error(t, s.PauseJob("agent:nosuch"))

	ids := make([]string, 0)
	for _, info := range s.GetScheduledJobs() {
		ids = append(ids, info.ID)
	}
	assert.NotContains(t, ids, JobHealthCheck)
	assert.Contains(t, ids, "agent:ceo")
	assert.Contains(t, ids, JobEscalationSweep)
	assert.Contains(t, ids, JobDailyDigest)
}

func TestGetScheduledJobsSnapshot(t *testing.T) {
	runner := &loopRecorder{}
	s := New(runner, nil, nil, nil, nil, nil, nil, testConfig())
	require.NoError(t, s.Start(slowAgents(proto.AgentCEO, proto.AgentDAO)))
	defer s.Stop()

	jobs := s.GetScheduledJobs()
	require.Len(t, jobs, 5, "two agents plus three system jobs")
	assert.Equal(t, "agent:ceo", jobs[0].ID)
	assert.Equal(t, proto.AgentCEO, jobs[0].AgentType)
	assert.Equal(t, time.Hour, jobs[0].Interval)
	assert.Equal(t, "0 * * * *", jobs[0].CronSpec)
}

func TestCronSpec(t *testing.T) {
	cases := []struct {
		interval time.Duration
		want     string
	}{
		{0, "@manual"},
		{45 * time.Second, "@every 45s"},
		{time.Minute, "* * * * *"},
		{15 * time.Minute, "*/15 * * * *"},
		{time.Hour, "0 * * * *"},
		{6 * time.Hour, "0 */6 * * *"},
		{24 * time.Hour, "0 9 * * *"},
		{48 * time.Hour, "0 0 */2 * *"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CronSpec(tc.interval), "interval %s", tc.interval)
	}
}

func TestDailyDigest(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendEvent(&persistence.Event{
			EventType:   proto.EventTaskCreated,
			SourceAgent: "cmo",
		}))
	}
	require.NoError(t, store.AppendEvent(&persistence.Event{
		EventType:   proto.EventDecisionProposed,
		SourceAgent: "cto",
	}))

	runner := &loopRecorder{}
	pub := &msgRecorder{}
	s := New(runner, nil, nil, pub, store, nil, nil, testConfig())
	s.SetUsageSource(usageStub{})
	require.NoError(t, s.Start(slowAgents(proto.AgentCEO)))
	defer s.Stop()

	s.runDailyDigest(context.Background())

	pub.mu.Lock()
	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	pub.mu.Unlock()
	assert.Equal(t, proto.MsgTypeDirect, msg.Type)
	assert.Equal(t, string(proto.AgentCEO), msg.To)
	content := msg.PayloadString(proto.KeyContent)
	assert.Contains(t, content, "4 events")
	assert.Contains(t, content, "task_created: 3")
	assert.Contains(t, content, "decision_proposed: 1")
	assert.Contains(t, content, "Open tasks: 0. Pending decisions: 0.")
	assert.Contains(t, content, "ceo: 12 requests, 3400 tokens, $1.25")

	// The digest also wakes the CEO loop.
	require.Eventually(t, func() bool { return runner.callCount() == 1 },
		time.Second, 5*time.Millisecond)
	call, _ := runner.lastCall()
	assert.Equal(t, "digest", call.trigger.Type)
}

func TestRuntimeIntervalOverride(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	settings := persistence.NewSettingsCache(store)
	require.NoError(t, settings.Set("agents", "loop_interval_ceo", "120"))

	s := New(&loopRecorder{}, nil, nil, nil, store, nil, settings, testConfig())
	got := s.agentInterval(config.AgentConfig{Type: proto.AgentCEO, LoopInterval: 3600})
	assert.Equal(t, 2*time.Minute, got)

	got = s.agentInterval(config.AgentConfig{Type: proto.AgentDAO, LoopInterval: 3600})
	assert.Equal(t, time.Hour, got, "no override falls back to config")
}
