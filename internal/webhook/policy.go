package webhook

import "time"

const (
	DefaultMaxAttempts       = 3
	DefaultRetryWindow       = 72 * time.Hour
	DefaultTimeout           = 10 * time.Second
	DefaultResponseBodyLimit = 2000
	DefaultClaimLease        = 2 * time.Minute
)

// Policy bounds delivery attempts. Zero values fall back to the defaults.
type Policy struct {
	MaxAttempts       int
	RetryWindow       time.Duration
	Timeout           time.Duration
	ResponseBodyLimit int
	ClaimLease        time.Duration
}

// DefaultPolicy returns the stock delivery policy.
func DefaultPolicy() Policy {
	return Policy{}.Normalize()
}

// Normalize replaces unset fields with defaults.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.RetryWindow <= 0 {
		p.RetryWindow = DefaultRetryWindow
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.ResponseBodyLimit <= 0 {
		p.ResponseBodyLimit = DefaultResponseBodyLimit
	}
	if p.ClaimLease <= 0 {
		p.ClaimLease = DefaultClaimLease
	}
	return p
}

// PassLease is the claim lease for a reconciler pass that claims up to batch
// rows and works them concurrency at a time. It covers the slowest possible
// pass, one Timeout per wave plus one spare, and never drops below ClaimLease.
func (p Policy) PassLease(batch, concurrency int) time.Duration {
	if batch <= 0 || concurrency <= 0 {
		return p.ClaimLease
	}
	waves := (batch + concurrency - 1) / concurrency
	return max(p.ClaimLease, time.Duration(waves+1)*p.Timeout)
}

// WindowStart is the oldest created_at still eligible for retry at now.
func (p Policy) WindowStart(now time.Time) time.Time {
	return now.Add(-p.RetryWindow)
}

// Eligible reports whether the reconciler may pick up d at now.
func (p Policy) Eligible(d Delivery, now time.Time) bool {
	if d.Delivered() || d.Attempts >= p.MaxAttempts {
		return false
	}
	if d.CreatedAt.Before(p.WindowStart(now)) {
		return false
	}
	return d.ClaimedUntil == nil || !d.ClaimedUntil.After(now)
}

// ClaimQuery builds the parameters of a reconciler claim at now.
func (p Policy) ClaimQuery(now time.Time, limit int) ClaimQuery {
	return ClaimQuery{
		Now:         now,
		MaxAttempts: p.MaxAttempts,
		WindowStart: p.WindowStart(now),
		LeaseUntil:  now.Add(p.ClaimLease),
		Limit:       limit,
	}
}
