package quota

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardroom/pkg/config"
	"boardroom/pkg/proto"
)

type capturePublisher struct {
	mu       sync.Mutex
	messages []*proto.Message
}

func (p *capturePublisher) Publish(_ string, msg *proto.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *capturePublisher) levels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m.PayloadString("level"))
	}
	return out
}

func newTestManager(quota int64, pub Publisher) *Manager {
	return NewManager(map[string]int64{config.ProviderClaude: quota}, config.ProviderClaude, pub, nil)
}

func TestRecordUsageAggregates(t *testing.T) {
	m := newTestManager(0, nil)

	m.RecordUsage(config.ProviderClaude, 100, 50, 200, true)
	m.RecordUsage(config.ProviderClaude, 200, 100, 400, false)

	view := m.GetProviderQuota(config.ProviderClaude)
	assert.Equal(t, int64(2), view.Monthly.TotalRequests)
	assert.Equal(t, int64(1), view.Monthly.SuccessfulRequests)
	assert.Equal(t, int64(1), view.Monthly.FailedRequests)
	assert.Equal(t, int64(450), view.Monthly.TokensEstimated)
	assert.Equal(t, int64(300), view.Monthly.AverageDurationMs)

	// Claude carries the rolling session windows.
	require.NotNil(t, view.SessionWindow)
	require.NotNil(t, view.WeeklyWindow)
	assert.Equal(t, int64(450), view.SessionWindow.TokensEstimated)
	assert.Equal(t, int64(450), view.WeeklyWindow.TokensEstimated)
}

func TestRollingWindowsExpire(t *testing.T) {
	m := newTestManager(0, nil)
	current := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	m.RecordUsage(config.ProviderClaude, 100, 0, 100, true)

	// After six hours the event leaves the 5h window but stays in the 7d one.
	current = current.Add(6 * time.Hour)
	view := m.GetProviderQuota(config.ProviderClaude)
	assert.Equal(t, int64(0), view.SessionWindow.TokensEstimated)
	assert.Equal(t, int64(100), view.WeeklyWindow.TokensEstimated)

	// After eight days it leaves both.
	current = current.Add(8 * 24 * time.Hour)
	view = m.GetProviderQuota(config.ProviderClaude)
	assert.Equal(t, int64(0), view.WeeklyWindow.TokensEstimated)
}

func TestHasAvailableQuota(t *testing.T) {
	m := newTestManager(1000, nil)

	assert.True(t, m.HasAvailableQuota(config.ProviderClaude, 1000))
	m.RecordUsage(config.ProviderClaude, 500, 100, 100, true)
	assert.True(t, m.HasAvailableQuota(config.ProviderClaude, 400))
	assert.False(t, m.HasAvailableQuota(config.ProviderClaude, 401))
	assert.ErrorIs(t, m.CheckQuota(config.ProviderClaude, 500), ErrExhausted)

	// Unconfigured provider is unlimited.
	assert.True(t, m.HasAvailableQuota(config.ProviderGemini, 1<<40))
}

func TestThresholdWarningsFireOncePerLevel(t *testing.T) {
	pub := &capturePublisher{}
	m := newTestManager(1000, pub)

	// 40%: below every threshold.
	m.RecordUsage(config.ProviderClaude, 400, 0, 10, true)
	assert.Empty(t, pub.levels())

	// 55%: info fires once.
	m.RecordUsage(config.ProviderClaude, 150, 0, 10, true)
	assert.Equal(t, []string{"info"}, pub.levels())

	// 60%: still info, no repeat.
	m.RecordUsage(config.ProviderClaude, 50, 0, 10, true)
	assert.Equal(t, []string{"info"}, pub.levels())

	// 85%: warning fires once.
	m.RecordUsage(config.ProviderClaude, 250, 0, 10, true)
	assert.Equal(t, []string{"info", "warning"}, pub.levels())

	// 96%: critical fires once.
	m.RecordUsage(config.ProviderClaude, 110, 0, 10, true)
	assert.Equal(t, []string{"info", "warning", "critical"}, pub.levels())

	// Further usage stays silent.
	m.RecordUsage(config.ProviderClaude, 100, 0, 10, true)
	assert.Equal(t, []string{"info", "warning", "critical"}, pub.levels())
}

func TestThresholdSkipsLevels(t *testing.T) {
	pub := &capturePublisher{}
	m := newTestManager(1000, pub)

	// One jump straight past 95% emits only the highest level.
	m.RecordUsage(config.ProviderClaude, 960, 0, 10, true)
	assert.Equal(t, []string{"critical"}, pub.levels())
}

func TestNoQuotaNoWarnings(t *testing.T) {
	pub := &capturePublisher{}
	m := newTestManager(0, pub)

	m.RecordUsage(config.ProviderClaude, 1_000_000, 0, 10, true)
	assert.Empty(t, pub.levels())
	assert.True(t, m.HasAvailableQuota(config.ProviderClaude, 1_000_000))
}
