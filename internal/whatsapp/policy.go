package whatsapp

import (
	"math"
	"strings"
	"time"

	"github.com/talkincode/wahub/config"
)

// DisconnectCause describes why a transport session closed.
type DisconnectCause struct {
	Code      int
	Message   string
	LoggedOut bool
}

// Superseded reports whether another session took over this one.
func (c DisconnectCause) Superseded() bool {
	m := strings.ToLower(c.Message)
	return strings.Contains(m, "conflict") || strings.Contains(m, "replaced")
}

// ReconnectPolicy decides whether and when a closed session is reopened.
// Delay for attempt n is BaseDelay*Multiplier^(n-1), capped at MaxDelay.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   15 * time.Second,
		Multiplier:  2,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 3,
	}
}

// ReconnectPolicyFromConfig fills zero values with the defaults.
func ReconnectPolicyFromConfig(c config.ReconnectConfig) ReconnectPolicy {
	p := DefaultReconnectPolicy()
	if c.BaseDelay > 0 {
		p.BaseDelay = c.BaseDelay
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	return p
}

// Decision is the outcome of evaluating a disconnect.
type Decision struct {
	Reconnect bool
	Attempt   int
	Delay     time.Duration
	Next      Status
}

// ShouldReconnect is false for logouts, superseded sessions and intentional disconnects.
func (p ReconnectPolicy) ShouldReconnect(cause DisconnectCause, intentional bool) bool {
	if intentional || cause.LoggedOut {
		return false
	}
	return !cause.Superseded()
}

// Delay returns the wait before the given 1-based attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Decide evaluates a disconnect given the attempts already made.
func (p ReconnectPolicy) Decide(cause DisconnectCause, intentional bool, attempts int) Decision {
	if p.ShouldReconnect(cause, intentional) && attempts < p.MaxAttempts {
		next := attempts + 1
		return Decision{Reconnect: true, Attempt: next, Delay: p.Delay(next), Next: StatusReconnecting}
	}
	if cause.LoggedOut {
		return Decision{Next: StatusLoggedOut}
	}
	return Decision{Next: StatusError}
}
