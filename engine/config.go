// ABOUTME: Engine configuration with environment overrides for the documented variable surface.
// ABOUTME: FromEnv reads each variable once; malformed values fall back to defaults.
package engine

import (
	"os"
	"strconv"
	"time"
)

// Config bounds the engine's resources. Zero values are replaced with
// defaults by normalize.
type Config struct {
	// MaxConcurrent bounds handlers in flight per execution.
	MaxConcurrent int
	// BatchMaxConcurrent bounds parallel batch items within a SubDiagram.
	BatchMaxConcurrent int
	// SubDiagramMaxConcurrent bounds concurrent child diagrams.
	SubDiagramMaxConcurrent int
	// EventRingMaxLen is the per-execution event ring capacity.
	EventRingMaxLen int
	// SubscriberOutboxMax is the per-subscriber outbox before detach.
	SubscriberOutboxMax int
	// StrictEnvelopes disables the legacy {results: ...} auto-wrapping.
	StrictEnvelopes bool
	// KeepAliveInterval is the KeepAlive emission period.
	KeepAliveInterval time.Duration
	// CancelGrace is how long in-flight handlers get after cancellation.
	CancelGrace time.Duration
	// PromptTemplateCache is the rendered-prompt LRU size.
	PromptTemplateCache int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:           20,
		BatchMaxConcurrent:      10,
		SubDiagramMaxConcurrent: 10,
		EventRingMaxLen:         1024,
		SubscriberOutboxMax:     256,
		StrictEnvelopes:         true,
		KeepAliveInterval:       15 * time.Second,
		CancelGrace:             5 * time.Second,
		PromptTemplateCache:     1000,
	}
}

// FromEnv builds a Config from the process environment, starting from the
// defaults. Unset or malformed variables keep their default.
func FromEnv() Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = envInt("ENGINE_MAX_CONCURRENT", cfg.MaxConcurrent)
	cfg.BatchMaxConcurrent = envInt("BATCH_MAX_CONCURRENT", cfg.BatchMaxConcurrent)
	cfg.SubDiagramMaxConcurrent = envInt("SUB_DIAGRAM_MAX_CONCURRENT", cfg.SubDiagramMaxConcurrent)
	cfg.EventRingMaxLen = envInt("EVENT_RING_MAX_LEN", cfg.EventRingMaxLen)
	cfg.SubscriberOutboxMax = envInt("SUBSCRIBER_OUTBOX_MAX", cfg.SubscriberOutboxMax)
	cfg.PromptTemplateCache = envInt("PROMPT_TEMPLATE_CACHE", cfg.PromptTemplateCache)
	if v := os.Getenv("STRICT_ENVELOPES"); v != "" {
		cfg.StrictEnvelopes = v != "0"
	}
	if s := envInt("KEEPALIVE_INTERVAL_S", int(cfg.KeepAliveInterval/time.Second)); s >= 0 {
		cfg.KeepAliveInterval = time.Duration(s) * time.Second
	}
	if s := envInt("HANDLER_CANCEL_GRACE_S", int(cfg.CancelGrace/time.Second)); s >= 0 {
		cfg.CancelGrace = time.Duration(s) * time.Second
	}
	return cfg.normalize()
}

// normalize replaces non-positive bounds with their defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.BatchMaxConcurrent <= 0 {
		c.BatchMaxConcurrent = def.BatchMaxConcurrent
	}
	if c.SubDiagramMaxConcurrent <= 0 {
		c.SubDiagramMaxConcurrent = def.SubDiagramMaxConcurrent
	}
	if c.EventRingMaxLen <= 0 {
		c.EventRingMaxLen = def.EventRingMaxLen
	}
	if c.SubscriberOutboxMax <= 0 {
		c.SubscriberOutboxMax = def.SubscriberOutboxMax
	}
	if c.PromptTemplateCache <= 0 {
		c.PromptTemplateCache = def.PromptTemplateCache
	}
	return c
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
