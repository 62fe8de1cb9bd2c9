package connection

import (
	"math/rand"
	"time"

	"github.com/penthoy/icotes-sub001/internal/core/ws"
)

// BaseDelay computes the deterministic part of the reconnect backoff:
// min(base * 2^attempt, max). attempt counts completed reconnect attempts,
// so the first retry waits the base delay.
func BaseDelay(cfg ws.ReconnectConfig, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cfg.MaxDelay || d <= 0 {
			return cfg.MaxDelay
		}
	}
	if d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

// Delay is BaseDelay plus uniform jitter in [0, MaxJitter).
func Delay(cfg ws.ReconnectConfig, attempt int) time.Duration {
	d := BaseDelay(cfg, attempt)
	if cfg.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(cfg.MaxJitter)))
	}
	return d
}
