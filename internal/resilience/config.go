package resilience

import (
	"time"

	"github.com/sells-group/ef-pipeline/internal/config"
)

// FromConfig converts the resilience section into a retry policy and a
// breaker config. Zero values keep the defaults.
func FromConfig(c config.ResilienceConfig) (RetryConfig, BreakerConfig) {
	rc := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		rc.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		rc.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		rc.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		rc.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		rc.JitterFraction = c.JitterFraction
	}

	bc := DefaultBreakerConfig()
	if c.FailureThreshold > 0 {
		bc.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		bc.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return rc, bc
}
