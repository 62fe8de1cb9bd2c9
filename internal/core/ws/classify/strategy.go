package classify

import "time"

// Action is the recovery an error kind calls for.
type Action string

const (
	// ActionReload signals the consumer to rebuild its whole session.
	ActionReload Action = "reload"
	// ActionReconnect lets the connection layer retry with backoff.
	ActionReconnect Action = "reconnect"
	// ActionWait delays until the rate-limit window passes.
	ActionWait Action = "wait"
	// ActionRefresh forces a full restart of the consumer surface; used for
	// protocol desync where no partial resync exists.
	ActionRefresh Action = "refresh"
	// ActionManual means no automatic recovery is appropriate.
	ActionManual Action = "manual"
)

// RecoveryStrategy describes how a classified error should be handled.
type RecoveryStrategy struct {
	Action      Action        `json:"action"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
}

const defaultRateLimitDelay = 30 * time.Second

// StrategyFor is a pure lookup from error kind to recovery strategy.
func StrategyFor(e *WebSocketError) RecoveryStrategy {
	switch e.Kind {
	case KindAuthFailed:
		return RecoveryStrategy{Action: ActionReload}
	case KindServiceUnavailable, KindNetworkError, KindTimeout, KindConnectionFailed:
		return RecoveryStrategy{Action: ActionReconnect, MaxAttempts: 5, Delay: time.Second}
	case KindRateLimited:
		delay := e.RetryAfter
		if delay <= 0 {
			delay = defaultRateLimitDelay
		}
		return RecoveryStrategy{Action: ActionWait, Delay: delay}
	case KindPermissionDenied, KindResourceNotFound:
		return RecoveryStrategy{Action: ActionManual}
	case KindProtocolError, KindInvalidMessage:
		return RecoveryStrategy{Action: ActionRefresh}
	}
	return RecoveryStrategy{Action: ActionManual}
}

// ShouldRetryAt reports whether an automatic retry is appropriate at the
// given instant: never for unrecoverable, auth or permission errors, and not
// while the error's retry-after cooldown is still running.
func ShouldRetryAt(e *WebSocketError, now time.Time) bool {
	if !e.Recoverable {
		return false
	}
	if e.Kind == KindAuthFailed || e.Kind == KindPermissionDenied {
		return false
	}
	if e.RetryAfter > 0 && now.Before(e.Timestamp.Add(e.RetryAfter)) {
		return false
	}
	return true
}

// ShouldRetry evaluates ShouldRetryAt against the classifier's clock.
func (c *Classifier) ShouldRetry(e *WebSocketError) bool {
	return ShouldRetryAt(e, c.now())
}
