package dispatch

import "time"

// Config tunes the dispatcher. All fields are persisted as the
// "dispatcher" sub-object of the controller settings.
type Config struct {
	DebounceMS        int `json:"debounce_ms"`
	BatchSizeLimit    int `json:"batch_size_limit"`
	RateLimitPerSec   int `json:"rate_limit_per_sec"`
	RateLimitBurst    int `json:"rate_limit_burst"`
	WorkerConcurrency int `json:"worker_concurrency"`
	QueueMaxDepth     int `json:"queue_max_depth"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		DebounceMS:        200,
		BatchSizeLimit:    100,
		RateLimitPerSec:   10,
		RateLimitBurst:    50,
		WorkerConcurrency: 4,
		QueueMaxDepth:     1000,
	}
}

// Normalized clamps every field into its allowed range.
func (c Config) Normalized() Config {
	c.DebounceMS = clamp(c.DebounceMS, 50, 2000)
	c.BatchSizeLimit = clamp(c.BatchSizeLimit, 1, 1000)
	if c.RateLimitPerSec < 1 {
		c.RateLimitPerSec = 1
	}
	if c.RateLimitBurst < 1 {
		c.RateLimitBurst = 1
	}
	c.WorkerConcurrency = clamp(c.WorkerConcurrency, 1, 16)
	if c.QueueMaxDepth < 10 {
		c.QueueMaxDepth = 10
	}
	return c
}

// Debounce returns the debounce window as a duration.
func (c Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// ConfigFrom builds a normalized config from decoded JSON. Unknown keys
// are discarded; anything that is not an object yields the defaults.
func ConfigFrom(v any) Config {
	c := DefaultConfig()
	m, ok := v.(map[string]any)
	if !ok {
		return c
	}
	c.DebounceMS = intField(m, "debounce_ms", c.DebounceMS)
	c.BatchSizeLimit = intField(m, "batch_size_limit", c.BatchSizeLimit)
	c.RateLimitPerSec = intField(m, "rate_limit_per_sec", c.RateLimitPerSec)
	c.RateLimitBurst = intField(m, "rate_limit_burst", c.RateLimitBurst)
	c.WorkerConcurrency = intField(m, "worker_concurrency", c.WorkerConcurrency)
	c.QueueMaxDepth = intField(m, "queue_max_depth", c.QueueMaxDepth)
	return c.Normalized()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// intField reads a numeric JSON value, tolerating the float64 that
// encoding/json produces for every number.
func intField(m map[string]any, key string, fallback int) int {
	v, ok := m[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return fallback
	}
}
