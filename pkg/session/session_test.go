package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardroom/pkg/config"
	"boardroom/pkg/llm"
	"boardroom/pkg/proto"
)

var fakeHandleSeq atomic.Int64

// fakeProcess scripts the provider CLI stream protocol in memory.
type fakeProcess struct {
	handle     string
	replyDelay time.Duration

	mu       sync.Mutex
	alive    bool
	killed   bool
	requests []streamRequest
	lines    chan string
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		handle: fmt.Sprintf("fake:%d", fakeHandleSeq.Add(1)),
		lines:  make(chan string, 64),
	}
}

func (f *fakeProcess) Start(_ context.Context) error {
	f.mu.Lock()
	f.alive = true
	f.mu.Unlock()
	return nil
}

func (f *fakeProcess) Send(line []byte) error {
	var req streamRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return err
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	alive := f.alive
	f.mu.Unlock()
	if !alive {
		return fmt.Errorf("process is not running")
	}
	if req.Content == exitSentinel {
		return nil
	}
	go func() {
		if f.replyDelay > 0 {
			time.Sleep(f.replyDelay)
		}
		reply, _ := json.Marshal(streamResult{Type: streamTypeResult, Content: "ack:" + req.Content, DurationMs: 5})
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.alive {
			f.lines <- string(reply)
		}
	}()
	return nil
}

func (f *fakeProcess) Lines() <-chan string { return f.lines }

func (f *fakeProcess) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeProcess) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alive {
		f.alive = false
		f.killed = true
		close(f.lines)
	}
	return nil
}

func (f *fakeProcess) Handle() string { return f.handle }

// die simulates an unexpected process exit.
func (f *fakeProcess) die() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alive {
		f.alive = false
		close(f.lines)
	}
}

// userChars sums content characters of non-sentinel user messages.
func (f *fakeProcess) userChars() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, req := range f.requests {
		if req.Content != exitSentinel {
			total += len(req.Content)
		}
	}
	return total
}

// processRecorder tracks every process a factory handed out, along with the
// session ID each one was built with.
type processRecorder struct {
	mu    sync.Mutex
	procs []*fakeProcess
	ids   []string
}

func (r *processRecorder) factory(replyDelay time.Duration) ProcessFactory {
	return func(_ proto.AgentType, sessionID string) Process {
		p := newFakeProcess()
		p.replyDelay = replyDelay
		r.mu.Lock()
		r.procs = append(r.procs, p)
		r.ids = append(r.ids, sessionID)
		r.mu.Unlock()
		return p
	}
}

func (r *processRecorder) last() *fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[len(r.procs)-1]
}

func (r *processRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func testPoolConfig(maxLoops int) config.SessionConfig {
	return config.SessionConfig{Enabled: true, MaxLoops: maxLoops, StartTimeoutS: 5}
}

// The CLI rejects a missing or malformed --session-id at startup, so the ID
// the pool generates must reach the process factory unchanged.
func TestSessionIDReachesProcess(t *testing.T) {
	rec := &processRecorder{}
	pool := NewPool(testPoolConfig(20), rec.factory(0), nil)
	defer pool.Shutdown()

	sess, err := pool.GetSession(context.Background(), proto.AgentCEO, "profile")
	require.NoError(t, err)

	rec.mu.Lock()
	require.Len(t, rec.ids, 1)
	id := rec.ids[0]
	rec.mu.Unlock()

	require.NotEmpty(t, id)
	_, err = uuid.Parse(id)
	assert.NoError(t, err, "CLI session IDs must be UUIDs")
	assert.Equal(t, sess.ID, id, "NDJSON payloads and the CLI flag share one ID")

	// A recycled session gets a fresh ID.
	sess.MarkRecycle()
	replacement, err := pool.GetSession(context.Background(), proto.AgentCEO, "profile")
	require.NoError(t, err)
	rec.mu.Lock()
	require.Len(t, rec.ids, 2)
	assert.Equal(t, replacement.ID, rec.ids[1])
	assert.NotEqual(t, rec.ids[0], rec.ids[1])
	rec.mu.Unlock()
}

func TestSendMessageRoundTrip(t *testing.T) {
	rec := &processRecorder{}
	pool := NewPool(testPoolConfig(20), rec.factory(0), nil)
	defer pool.Shutdown()

	result, err := pool.Execute(context.Background(), proto.AgentCEO, "profile", "hello", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ack:hello", result.Content)
}

func TestBusySessionFailsFast(t *testing.T) {
	rec := &processRecorder{}
	pool := NewPool(testPoolConfig(20), rec.factory(300*time.Millisecond), nil)
	defer pool.Shutdown()

	sess, err := pool.GetSession(context.Background(), proto.AgentCEO, "profile")
	require.NoError(t, err)

	go func() { _, _ = sess.SendMessage(context.Background(), "slow", time.Second) }()
	// Let the first send take the busy slot.
	require.Eventually(t, func() bool { return sess.State() == StateBusy },
		200*time.Millisecond, 5*time.Millisecond)

	start := time.Now()
	_, err = sess.SendMessage(context.Background(), "overlap", time.Second)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrBusy)
	assert.Less(t, elapsed, 50*time.Millisecond)
}

func TestProfileInjectedExactlyOnce(t *testing.T) {
	rec := &processRecorder{}
	pool := NewPool(testPoolConfig(20), rec.factory(0), nil)
	defer pool.Shutdown()

	for i := 0; i < 3; i++ {
		_, err := pool.Execute(context.Background(), proto.AgentCTO, "the profile", fmt.Sprintf("loop %d", i), time.Second)
		require.NoError(t, err)
	}

	require.Equal(t, 1, rec.count())
	proc := rec.last()
	profileSends := 0
	proc.mu.Lock()
	for _, req := range proc.requests {
		if req.Content == "the profile" {
			profileSends++
		}
	}
	proc.mu.Unlock()
	assert.Equal(t, 1, profileSends)
}

func TestRecycleOnMaxLoops(t *testing.T) {
	rec := &processRecorder{}
	pool := NewPool(testPoolConfig(2), rec.factory(0), nil)
	defer pool.Shutdown()

	sess, err := pool.GetSession(context.Background(), proto.AgentCFO, "profile")
	require.NoError(t, err)
	firstHandle := sess.Handle()

	for i := 0; i < 2; i++ {
		_, err := sess.SendMessage(context.Background(), "work", time.Second)
		require.NoError(t, err)
	}
	assert.True(t, sess.ShouldRecycle())

	replacement, err := pool.GetSession(context.Background(), proto.AgentCFO, "profile")
	require.NoError(t, err)
	assert.NotEqual(t, firstHandle, replacement.Handle())
	assert.Equal(t, 2, rec.count())
}

func TestDeadProcessReplacedOnNextGet(t *testing.T) {
	rec := &processRecorder{}
	pool := NewPool(testPoolConfig(20), rec.factory(0), nil)
	defer pool.Shutdown()

	sess, err := pool.GetSession(context.Background(), proto.AgentCOO, "profile")
	require.NoError(t, err)
	rec.last().die()
	assert.True(t, sess.ShouldRecycle())

	replacement, err := pool.GetSession(context.Background(), proto.AgentCOO, "profile")
	require.NoError(t, err)
	assert.NotSame(t, sess, replacement)
}

func TestTimeoutMarksSessionForRecycle(t *testing.T) {
	rec := &processRecorder{}
	pool := NewPool(testPoolConfig(20), rec.factory(500*time.Millisecond), nil)
	defer pool.Shutdown()

	sess, err := pool.GetSession(context.Background(), proto.AgentCMO, "profile")
	require.NoError(t, err)

	_, err = sess.SendMessage(context.Background(), "slow", 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, sess.ShouldRecycle())
}

func TestStopSendsExitSentinel(t *testing.T) {
	rec := &processRecorder{}
	pool := NewPool(testPoolConfig(20), rec.factory(0), nil)

	_, err := pool.GetSession(context.Background(), proto.AgentCCO, "profile")
	require.NoError(t, err)
	pool.Shutdown()

	proc := rec.last()
	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.NotEmpty(t, proc.requests)
	assert.Equal(t, exitSentinel, proc.requests[len(proc.requests)-1].Content)
	assert.True(t, proc.killed)
}

// oneShotCounter tallies input characters sent in one-shot mode.
type oneShotCounter struct {
	inputChars int
}

func (o *oneShotCounter) Name() string      { return "claude" }
func (o *oneShotCounter) IsAvailable() bool { return true }
func (o *oneShotCounter) ExecuteWithRetry(_ context.Context, req llm.CompletionRequest) llm.Result {
	for _, msg := range req.Messages {
		o.inputChars += len(msg.Content)
	}
	return llm.Result{Success: true, Output: "ok"}
}

func TestSessionModeSavesTokens(t *testing.T) {
	profile := string(make([]byte, 10000))
	prompt := string(make([]byte, 2000))
	const loops = 10

	rec := &processRecorder{}
	sessionPool := NewPool(testPoolConfig(50), rec.factory(0), nil)
	defer sessionPool.Shutdown()
	for i := 0; i < loops; i++ {
		_, err := sessionPool.Execute(context.Background(), proto.AgentCEO, profile, prompt, time.Second)
		require.NoError(t, err)
	}
	sessionChars := rec.last().userChars()

	oneShot := &oneShotCounter{}
	oneShotPool := NewPool(config.SessionConfig{Enabled: false, MaxLoops: 50}, nil, oneShot)
	for i := 0; i < loops; i++ {
		_, err := oneShotPool.Execute(context.Background(), proto.AgentCEO, profile, prompt, time.Second)
		require.NoError(t, err)
	}

	assert.Equal(t, len(profile)+loops*len(prompt), sessionChars)
	assert.Equal(t, loops*(len(profile)+len(prompt)), oneShot.inputChars)
	assert.LessOrEqual(t, float64(sessionChars), 0.30*float64(oneShot.inputChars))
}
