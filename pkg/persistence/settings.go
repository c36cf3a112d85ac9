package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Setting categories.
const (
	SettingsLLM       = "llm"
	SettingsQuota     = "quota"
	SettingsBus       = "bus"
	SettingsScheduler = "scheduler"
	SettingsDecisions = "decisions"
)

// SetSetting upserts one runtime-tunable value and invalidates the cache
// entry so readers see it within the TTL.
func (s *Store) SetSetting(category, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO system_settings (category, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(category, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		category, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set setting %s/%s: %w", category, key, err)
	}
	return nil
}

// GetSetting reads one setting directly from the database.
func (s *Store) GetSetting(category, key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM system_settings WHERE category = ? AND key = ?`,
		category, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get setting %s/%s: %w", category, key, err)
	}
	return value, nil
}

// DeleteSetting removes one setting. Deleting an absent key is not an error.
func (s *Store) DeleteSetting(category, key string) error {
	_, err := s.db.Exec(`DELETE FROM system_settings WHERE category = ? AND key = ?`, category, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %s/%s: %w", category, key, err)
	}
	return nil
}

// SettingsByCategory returns all settings in a category.
func (s *Store) SettingsByCategory(category string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM system_settings WHERE category = ?`, category)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings %s: %w", category, err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		result[key] = value
	}
	return result, rows.Err()
}

// settingsCacheTTL bounds how stale a cached setting can be. Runtime changes
// take effect within this window without a restart.
const settingsCacheTTL = 60 * time.Second

// SettingsCache fronts the settings table with a short-TTL cache for hot
// read paths like the router and bus.
type SettingsCache struct {
	store *Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedSetting
}

type cachedSetting struct {
	value     string
	found     bool
	fetchedAt time.Time
}

// NewSettingsCache creates a cache over the store's settings table.
func NewSettingsCache(store *Store) *SettingsCache {
	return &SettingsCache{
		store:   store,
		ttl:     settingsCacheTTL,
		now:     time.Now,
		entries: make(map[string]cachedSetting),
	}
}

// Get returns a setting value, or def when unset. Database errors also fall
// back to def so a read failure never blocks a hot path.
func (c *SettingsCache) Get(category, key, def string) string {
	cacheKey := category + "/" + key

	c.mu.RLock()
	if e, ok := c.entries[cacheKey]; ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.RUnlock()
		if !e.found {
			return def
		}
		return e.value
	}
	c.mu.RUnlock()

	value, err := c.store.GetSetting(category, key)
	entry := cachedSetting{fetchedAt: c.now()}
	switch {
	case err == nil:
		entry.value = value
		entry.found = true
	case errors.Is(err, ErrNotFound):
		// cache the miss too
	default:
		return def
	}

	c.mu.Lock()
	c.entries[cacheKey] = entry
	c.mu.Unlock()

	if !entry.found {
		return def
	}
	return entry.value
}

// GetInt returns an integer setting, falling back to def on absence or a
// malformed value.
func (c *SettingsCache) GetInt(category, key string, def int) int {
	raw := c.Get(category, key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// GetDuration returns a duration setting stored in seconds.
func (c *SettingsCache) GetDuration(category, key string, def time.Duration) time.Duration {
	raw := c.Get(category, key, "")
	if raw == "" {
		return def
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

// Set writes through to the store and refreshes the cache entry.
func (c *SettingsCache) Set(category, key, value string) error {
	if err := c.store.SetSetting(category, key, value); err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[category+"/"+key] = cachedSetting{value: value, found: true, fetchedAt: c.now()}
	c.mu.Unlock()
	return nil
}

// Invalidate drops one cached entry, or all entries when key is empty.
func (c *SettingsCache) Invalidate(category, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == "" {
		c.entries = make(map[string]cachedSetting)
		return
	}
	delete(c.entries, category+"/"+key)
}
