// Package quota tracks per-provider LLM usage across a monthly window and,
// for the Claude provider, rolling 5-hour and 7-day session windows. Usage
// recording never fails the LLM call it accounts for.
package quota

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"boardroom/pkg/logx"
	"boardroom/pkg/proto"
)

// ErrExhausted is returned when a provider's monthly quota cannot cover an
// estimated request.
var ErrExhausted = errors.New("provider quota exhausted")

// Warning thresholds as a fraction of the monthly quota.
const (
	thresholdInfo     = 0.50
	thresholdWarning  = 0.80
	thresholdCritical = 0.95
)

// WarnLevel classifies a quota warning.
type WarnLevel string

const (
	WarnInfo     WarnLevel = "info"
	WarnWarning  WarnLevel = "warning"
	WarnCritical WarnLevel = "critical"
)

func (l WarnLevel) rank() int {
	switch l {
	case WarnCritical:
		return 3
	case WarnWarning:
		return 2
	case WarnInfo:
		return 1
	default:
		return 0
	}
}

// Rolling window spans for the Claude provider.
const (
	sessionWindow = 5 * time.Hour
	weeklyWindow  = 7 * 24 * time.Hour

	// monthlyRetention is how long a finished month's counter survives
	// before pruning.
	monthlyRetention = 35 * 24 * time.Hour
)

// WindowCounter aggregates usage for one (provider, window) pair.
type WindowCounter struct {
	TotalRequests      int64 `json:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests"`
	FailedRequests     int64 `json:"failed_requests"`
	TokensEstimated    int64 `json:"tokens_estimated"`
	TotalDurationMs    int64 `json:"total_duration_ms"`
	AverageDurationMs  int64 `json:"average_duration_ms"`
}

func (w *WindowCounter) add(tokens, durationMs int64, success bool) {
	w.TotalRequests++
	if success {
		w.SuccessfulRequests++
	} else {
		w.FailedRequests++
	}
	w.TokensEstimated += tokens
	w.TotalDurationMs += durationMs
	w.AverageDurationMs = w.TotalDurationMs / w.TotalRequests
}

// ProviderQuota is the combined view returned by GetProviderQuota.
type ProviderQuota struct {
	Provider      string         `json:"provider"`
	MonthlyQuota  int64          `json:"monthly_quota"`
	Monthly       WindowCounter  `json:"monthly"`
	PercentUsed   float64        `json:"percent_used"`
	SessionWindow *WindowCounter `json:"session_window,omitempty"` // Claude 5h
	WeeklyWindow  *WindowCounter `json:"weekly_window,omitempty"`  // Claude 7d
}

// Publisher is the bus surface the manager needs for threshold warnings.
type Publisher interface {
	Publish(channel string, msg *proto.Message) error
}

// SettingsStore durably mirrors monthly counters so restarts keep usage.
// Failures are absorbed; the in-memory counters remain authoritative.
type SettingsStore interface {
	SetSetting(category, key, value string) error
	SettingsByCategory(category string) (map[string]string, error)
	DeleteSetting(category, key string) error
}

const settingsCategory = "quota_usage"

type usageEvent struct {
	at     time.Time
	tokens int64
}

// Manager tracks usage and emits threshold warnings. Each threshold fires at
// most once per provider per month.
type Manager struct {
	quotas    map[string]int64 // provider -> monthly token quota, 0 = unlimited
	claudeKey string
	publisher Publisher
	store     SettingsStore
	logger    *logx.Logger
	now       func() time.Time

	mu      sync.Mutex
	monthly map[string]*WindowCounter // key: provider|month
	rolling []usageEvent              // Claude usage events inside the 7d horizon
	warned  map[string]WarnLevel      // key: provider|month -> highest level emitted
}

// NewManager creates a quota manager. quotas maps provider name to monthly
// token quota; zero or absent disables limits and warnings for the provider.
// publisher and store may be nil in tests.
func NewManager(quotas map[string]int64, claudeProvider string, publisher Publisher, store SettingsStore) *Manager {
	m := &Manager{
		quotas:    quotas,
		claudeKey: claudeProvider,
		publisher: publisher,
		store:     store,
		logger:    logx.NewLogger("quota"),
		now:       time.Now,
		monthly:   make(map[string]*WindowCounter),
		warned:    make(map[string]WarnLevel),
	}
	m.restore()
	return m
}

// RecordUsage atomically updates the current-month counter (and the Claude
// rolling windows) and evaluates warning thresholds. It never returns an
// error: persistence problems are logged and absorbed.
func (m *Manager) RecordUsage(provider string, inputTokens, outputTokens, durationMs int64, success bool) {
	tokens := inputTokens + outputTokens
	now := m.now().UTC()
	monthKey := m.monthKey(provider, now)

	m.mu.Lock()
	counter, ok := m.monthly[monthKey]
	if !ok {
		counter = &WindowCounter{}
		m.monthly[monthKey] = counter
	}
	counter.add(tokens, durationMs, success)

	if provider == m.claudeKey {
		m.rolling = append(m.rolling, usageEvent{at: now, tokens: tokens})
		m.pruneRolling(now)
	}

	snapshot := *counter
	m.mu.Unlock()

	m.persist(monthKey, snapshot)
	m.checkThresholds(provider, now, snapshot.TokensEstimated)
}

// HasAvailableQuota reports whether the provider can cover the estimate.
// Providers without a configured quota are always available.
func (m *Manager) HasAvailableQuota(provider string, estimatedTokens int64) bool {
	quota := m.quotas[provider]
	if quota <= 0 {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	used := int64(0)
	if c, ok := m.monthly[m.monthKey(provider, m.now().UTC())]; ok {
		used = c.TokensEstimated
	}
	return quota-used >= estimatedTokens
}

// GetProviderQuota returns the combined usage view for a provider. Claude
// includes its rolling session windows.
func (m *Manager) GetProviderQuota(provider string) ProviderQuota {
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	view := ProviderQuota{
		Provider:     provider,
		MonthlyQuota: m.quotas[provider],
	}
	if c, ok := m.monthly[m.monthKey(provider, now)]; ok {
		view.Monthly = *c
	}
	if view.MonthlyQuota > 0 {
		view.PercentUsed = float64(view.Monthly.TokensEstimated) / float64(view.MonthlyQuota) * 100
	}

	if provider == m.claudeKey {
		m.pruneRolling(now)
		session := &WindowCounter{}
		weekly := &WindowCounter{}
		for _, ev := range m.rolling {
			weekly.TotalRequests++
			weekly.TokensEstimated += ev.tokens
			if now.Sub(ev.at) <= sessionWindow {
				session.TotalRequests++
				session.TokensEstimated += ev.tokens
			}
		}
		view.SessionWindow = session
		view.WeeklyWindow = weekly
	}
	return view
}

func (m *Manager) checkThresholds(provider string, now time.Time, used int64) {
	quota := m.quotas[provider]
	if quota <= 0 {
		return
	}
	fraction := float64(used) / float64(quota)

	var level WarnLevel
	switch {
	case fraction >= thresholdCritical:
		level = WarnCritical
	case fraction >= thresholdWarning:
		level = WarnWarning
	case fraction >= thresholdInfo:
		level = WarnInfo
	default:
		return
	}

	warnKey := m.monthKey(provider, now)
	m.mu.Lock()
	if m.warned[warnKey].rank() >= level.rank() {
		m.mu.Unlock()
		return
	}
	m.warned[warnKey] = level
	m.mu.Unlock()

	m.logger.Warn("Provider %s at %.1f%% of monthly quota (%s)", provider, fraction*100, level)
	if m.publisher == nil {
		return
	}
	msg := proto.NewMessage(proto.MsgTypeAlert, "quota-manager", proto.RecipientAll)
	msg.Priority = proto.PriorityCritical
	msg.SetPayload("provider", provider)
	msg.SetPayload("level", string(level))
	msg.SetPayload("percent_used", fraction*100)
	msg.SetPayload("tokens_used", used)
	msg.SetPayload("monthly_quota", quota)
	if err := m.publisher.Publish(proto.ChannelQuotaWarning, msg); err != nil {
		m.logger.Error("failed to publish quota warning for %s: %v", provider, err)
	}
}

func (m *Manager) monthKey(provider string, now time.Time) string {
	return provider + "|" + now.Format("2006-01")
}

// persist mirrors one monthly counter to the settings table and prunes
// expired months.
func (m *Manager) persist(monthKey string, counter WindowCounter) {
	if m.store == nil {
		return
	}
	data, err := json.Marshal(counter)
	if err != nil {
		m.logger.Error("failed to marshal quota counter: %v", err)
		return
	}
	if err := m.store.SetSetting(settingsCategory, monthKey, string(data)); err != nil {
		m.logger.Warn("failed to persist quota counter %s: %v", monthKey, err)
		return
	}
	m.pruneStored()
}

// restore loads persisted monthly counters at startup.
func (m *Manager) restore() {
	if m.store == nil {
		return
	}
	stored, err := m.store.SettingsByCategory(settingsCategory)
	if err != nil {
		m.logger.Warn("failed to restore quota counters: %v", err)
		return
	}
	for key, raw := range stored {
		var counter WindowCounter
		if err := json.Unmarshal([]byte(raw), &counter); err != nil {
			m.logger.Warn("skipping malformed quota counter %s: %v", key, err)
			continue
		}
		m.monthly[key] = &counter
	}
}

func (m *Manager) pruneStored() {
	stored, err := m.store.SettingsByCategory(settingsCategory)
	if err != nil {
		return
	}
	cutoff := m.now().UTC().Add(-monthlyRetention)
	for key := range stored {
		parts := strings.Split(key, "|")
		if len(parts) != 2 {
			continue
		}
		monthStart, err := time.Parse("2006-01", parts[1])
		if err != nil {
			continue
		}
		// A month is prunable once its end is past the retention cutoff.
		if monthStart.AddDate(0, 1, 0).Before(cutoff) {
			if err := m.store.DeleteSetting(settingsCategory, key); err != nil {
				m.logger.Warn("failed to prune quota counter %s: %v", key, err)
			}
		}
	}
}

// pruneRolling drops Claude usage events past the 7-day horizon. Caller
// holds the mutex.
func (m *Manager) pruneRolling(now time.Time) {
	cut := 0
	for cut < len(m.rolling) && now.Sub(m.rolling[cut].at) > weeklyWindow {
		cut++
	}
	if cut > 0 {
		m.rolling = m.rolling[cut:]
	}
}

// CheckQuota is a convenience wrapper returning ErrExhausted for callers
// that want an error instead of a bool.
func (m *Manager) CheckQuota(provider string, estimatedTokens int64) error {
	if !m.HasAvailableQuota(provider, estimatedTokens) {
		return fmt.Errorf("%w: %s", ErrExhausted, provider)
	}
	return nil
}
