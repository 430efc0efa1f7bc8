package collab

import (
	"time"

	"go.uber.org/zap"

	"docsync/pkg/metrics"
)

const (
	DefaultSaveDebounce = 500 * time.Millisecond
	DefaultMaxStaleness = 5 * time.Second
	DefaultSaveAttempts = 3
	DefaultSaveBackoff  = 100 * time.Millisecond
	DefaultJoinGrace    = 10 * time.Second
	DefaultSaveTimeout  = 10 * time.Second
	DefaultDrainRetry   = 5 * time.Second
	DefaultDrainRetries = 60
)

// Config tunes the registry and every session it creates.
type Config struct {
	Store Store
	Codec Codec

	// SaveDebounce is the quiet period after the last edit before a save.
	SaveDebounce time.Duration
	// MaxStaleness bounds how long an edit may stay unsaved under continuous editing.
	MaxStaleness time.Duration
	// SaveAttempts and SaveBackoff control retries of a failed save. The
	// backoff doubles after each attempt.
	SaveAttempts int
	SaveBackoff  time.Duration
	SaveTimeout  time.Duration
	// Linger keeps an empty session around so a quick reconnect reuses it.
	// Zero tears the session down as soon as the last member leaves.
	Linger time.Duration
	// JoinGrace tears down a freshly created session nobody joined.
	JoinGrace time.Duration
	// An empty session whose final save failed stays in memory and retries
	// the save every DrainRetry, up to DrainRetries times, before its unsaved
	// content is dropped.
	DrainRetry   time.Duration
	DrainRetries int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Codec == nil {
		c.Codec = QuillCodec{}
	}
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = DefaultSaveDebounce
	}
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = DefaultMaxStaleness
	}
	if c.MaxStaleness < c.SaveDebounce {
		c.MaxStaleness = c.SaveDebounce
	}
	if c.SaveAttempts <= 0 {
		c.SaveAttempts = DefaultSaveAttempts
	}
	if c.SaveBackoff <= 0 {
		c.SaveBackoff = DefaultSaveBackoff
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = DefaultSaveTimeout
	}
	if c.JoinGrace <= 0 {
		c.JoinGrace = DefaultJoinGrace
	}
	if c.DrainRetry <= 0 {
		c.DrainRetry = DefaultDrainRetry
	}
	if c.DrainRetries <= 0 {
		c.DrainRetries = DefaultDrainRetries
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
	return c
}
