// Package guard adapts the reference server's static resource guard into
// the hub's broker: no auto-calculated capacity, just configured rate
// limiters and emergency-brake thresholds, logged with zerolog exactly as
// the teacher's limits package does.
package guard

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Qing-LAB/pylabhub-sub002/internal/hostproc"
)

// Config is the static resource policy for one broker process.
type Config struct {
	MaxRegPerSecond       float64
	MaxHeartbeatPerSecond float64
	MaxGoroutines         int
	CPURejectThreshold    float64
	CPUPauseThreshold     float64
}

// GoroutineLimiter bounds concurrent goroutines with a semaphore.
// Mirrors ws/internal/shared/limits.GoroutineLimiter verbatim in shape.
type GoroutineLimiter struct {
	sem chan struct{}
	max int
}

func NewGoroutineLimiter(max int) *GoroutineLimiter {
	if max <= 0 {
		max = 1
	}
	return &GoroutineLimiter{sem: make(chan struct{}, max), max: max}
}

func (gl *GoroutineLimiter) Acquire() bool {
	select {
	case gl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (gl *GoroutineLimiter) Release() { <-gl.sem }
func (gl *GoroutineLimiter) Current() int { return len(gl.sem) }
func (gl *GoroutineLimiter) Max() int     { return gl.max }

// ResourceGuard rate-limits the broker's REG_REQ/HEARTBEAT_REQ handling
// and trips an emergency brake under CPU pressure, measured via
// internal/hostproc. It never computes capacity — every threshold is
// configured explicitly, per the teacher's "static, not dynamic" design.
type ResourceGuard struct {
	cfg    Config
	logger zerolog.Logger

	regLimiter       *rate.Limiter
	heartbeatLimiter *rate.Limiter
	goroutines       *GoroutineLimiter

	sampler *hostproc.CPUSampler
}

// New creates a ResourceGuard from static configuration.
func New(cfg Config, logger zerolog.Logger) *ResourceGuard {
	if cfg.MaxRegPerSecond <= 0 {
		cfg.MaxRegPerSecond = 50
	}
	if cfg.MaxHeartbeatPerSecond <= 0 {
		cfg.MaxHeartbeatPerSecond = 200
	}
	if cfg.MaxGoroutines <= 0 {
		cfg.MaxGoroutines = 4096
	}
	if cfg.CPURejectThreshold <= 0 {
		cfg.CPURejectThreshold = 90
	}
	if cfg.CPUPauseThreshold <= 0 {
		cfg.CPUPauseThreshold = 80
	}

	rg := &ResourceGuard{
		cfg:              cfg,
		logger:           logger,
		regLimiter:       rate.NewLimiter(rate.Limit(cfg.MaxRegPerSecond), int(cfg.MaxRegPerSecond)*2),
		heartbeatLimiter: rate.NewLimiter(rate.Limit(cfg.MaxHeartbeatPerSecond), int(cfg.MaxHeartbeatPerSecond)*2),
		goroutines:       NewGoroutineLimiter(cfg.MaxGoroutines),
		sampler:          hostproc.NewCPUSampler(2 * time.Second),
	}

	logger.Info().
		Float64("max_reg_per_second", cfg.MaxRegPerSecond).
		Float64("max_heartbeat_per_second", cfg.MaxHeartbeatPerSecond).
		Int("max_goroutines", cfg.MaxGoroutines).
		Msg("resource guard initialized")

	return rg
}

// Run starts the background CPU sampler; cancel ctx to stop it.
func (rg *ResourceGuard) Run(ctx context.Context) { rg.sampler.Run(ctx) }

// AllowRegister rate-limits REG_REQ handling (non-blocking).
func (rg *ResourceGuard) AllowRegister() bool { return rg.regLimiter.Allow() }

// AllowHeartbeat rate-limits HEARTBEAT_REQ handling (non-blocking).
func (rg *ResourceGuard) AllowHeartbeat() bool { return rg.heartbeatLimiter.Allow() }

// ShouldRejectForLoad reports whether the broker should refuse new
// registrations because CPU is over the configured reject threshold or
// the process runs more goroutines than MaxGoroutines.
func (rg *ResourceGuard) ShouldRejectForLoad() (reject bool, reason string) {
	cpu := rg.sampler.Current()
	if cpu > rg.cfg.CPURejectThreshold {
		rg.logger.Debug().Float64("cpu", cpu).Float64("threshold", rg.cfg.CPURejectThreshold).
			Msg("rejecting registration: cpu overload")
		return true, "cpu overload"
	}
	if runtime.NumGoroutine() > rg.cfg.MaxGoroutines {
		return true, "goroutine limit exceeded"
	}
	return false, ""
}

// AcquireGoroutine gates starting a new worker goroutine.
func (rg *ResourceGuard) AcquireGoroutine() bool {
	ok := rg.goroutines.Acquire()
	if !ok {
		rg.logger.Warn().Int("current", rg.goroutines.Current()).Int("max", rg.goroutines.Max()).
			Msg("goroutine limit reached")
	}
	return ok
}

// ReleaseGoroutine releases a goroutine slot acquired via AcquireGoroutine.
func (rg *ResourceGuard) ReleaseGoroutine() { rg.goroutines.Release() }

// Stats returns a debugging snapshot, mirroring GetStats in the teacher.
func (rg *ResourceGuard) Stats() map[string]any {
	return map[string]any{
		"cpu_percent":           rg.sampler.Current(),
		"cpu_reject_threshold":  rg.cfg.CPURejectThreshold,
		"cpu_pause_threshold":   rg.cfg.CPUPauseThreshold,
		"goroutines_current":    runtime.NumGoroutine(),
		"goroutines_limit":      rg.cfg.MaxGoroutines,
		"reg_rate_limit":        rg.cfg.MaxRegPerSecond,
		"heartbeat_rate_limit":  rg.cfg.MaxHeartbeatPerSecond,
	}
}
