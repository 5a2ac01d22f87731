// Package cache is the bounded response cache keyed by
// (provider, model, prompt). Entries expire by TTL, checked lazily on lookup
// and by a periodic sweep, and the least-recently-accessed entry is evicted
// when the cache is full.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const sweepInterval = 5 * time.Minute

// Config bounds the cache.
type Config struct {
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
}

// DefaultConfig returns the cache defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 1000,
		DefaultTTL: time.Hour,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1000
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	return c
}

// Entry is one cached prompt/response pair. Validity is always re-derived
// from CreatedAt and TTL, never stored.
type Entry struct {
	Key         string        `json:"key"`
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	Prompt      string        `json:"prompt"`
	Response    string        `json:"response"`
	Tokens      int32         `json:"tokens"`
	CostUSD     float64       `json:"cost_usd"`
	CreatedAt   time.Time     `json:"created_at"`
	AccessCount int64         `json:"access_count"`
	LastAccess  time.Time     `json:"last_access"`
	TTL         time.Duration `json:"ttl"`
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Entries       int     `json:"entries"`
	Evictions     int64   `json:"evictions"`
	EstSavingsUSD float64 `json:"est_savings_usd"`
}

// Cache is the response cache. Safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	config    Config
	clock     clock.Clock
	entries   map[string]*Entry
	hits      int64
	misses    int64
	evictions int64
	logger    *zap.SugaredLogger
}

// New creates a cache and starts its periodic sweep. The returned stop
// function cancels the sweep; call it on shutdown.
func New(config Config, logger *zap.SugaredLogger) (*Cache, func()) {
	return NewWithClock(config, clock.New(), logger)
}

// NewWithClock creates a cache with an injected clock for tests.
func NewWithClock(config Config, clk clock.Clock, logger *zap.SugaredLogger) (*Cache, func()) {
	c := &Cache{
		config:  config.withDefaults(),
		clock:   clk,
		entries: make(map[string]*Entry),
		logger:  logger,
	}
	stop := c.startSweep(sweepInterval)
	return c, stop
}

// Key returns the stable hash for a (provider, model, prompt) triple.
func Key(providerName string, model string, prompt string) string {
	h := sha256.New()
	h.Write([]byte(providerName))
	h.Write([]byte{':'})
	h.Write([]byte(model))
	h.Write([]byte{':'})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the live entry for the triple, or a miss. An expired entry is
// deleted and reported as a miss. A hit bumps access bookkeeping.
func (c *Cache) Get(providerName string, model string, prompt string) (*Entry, bool) {
	key := Key(providerName, model, prompt)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	now := c.clock.Now()
	if entry.expired(now) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	entry.AccessCount++
	entry.LastAccess = now
	c.hits++

	copied := *entry
	return &copied, true
}

// Put stores a response. ttl <= 0 uses the configured default. When the cache
// is at capacity, the least-recently-accessed entry is evicted first.
func (c *Cache) Put(providerName string, model string, prompt string, response string, tokens int32, costUSD float64, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	key := Key(providerName, model, prompt)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.config.MaxEntries {
		c.evictOldest()
	}

	c.entries[key] = &Entry{
		Key:        key,
		Provider:   providerName,
		Model:      model,
		Prompt:     prompt,
		Response:   response,
		Tokens:     tokens,
		CostUSD:    costUSD,
		CreatedAt:  now,
		LastAccess: now,
		TTL:        ttl,
	}
}

// evictOldest removes the entry with the oldest last-access time. Caller
// holds the lock.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.LastAccess.Before(oldest) {
			oldestKey = key
			oldest = entry.LastAccess
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// Stats returns a point-in-time effectiveness report. Estimated savings is
// the sum of cost × accessCount over live entries: every hit avoided a paid
// call at roughly the entry's original cost.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Entries:   len(c.entries),
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	for _, entry := range c.entries {
		stats.EstSavingsUSD += entry.CostUSD * float64(entry.AccessCount)
	}
	return stats
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) sweep() {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 && c.logger != nil {
		c.logger.Debugw("Cache sweep removed expired entries", "removed", removed, "remaining", len(c.entries))
	}
}

func (c *Cache) startSweep(interval time.Duration) func() {
	ticker := c.clock.Ticker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
