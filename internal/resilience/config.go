package resilience

import (
	"time"

	"github.com/sells-group/deepfake-detector/internal/config"
)

// PolicyFromConfig builds a RetryPolicy, keeping defaults for unset fields.
func PolicyFromConfig(c config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		p.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		p.JitterFraction = c.JitterFraction
	}
	return p
}

// BreakerSettingsFromConfig builds BreakerSettings, keeping defaults for unset fields.
func BreakerSettingsFromConfig(c config.CircuitConfig) BreakerSettings {
	s := DefaultBreakerSettings()
	if c.FailureThreshold > 0 {
		s.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		s.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return s
}
