// Package sequence implements the follow-up engine: templates, sequence
// definitions, the enrollment lifecycle, the claim-then-send processor and
// unsubscribe handling. All state lives in the store; the services here hold
// no per-run state and are safe to share between goroutines.
package sequence

import (
	"time"
)

const (
	// DefaultBatchSize is used when ProcessSequences receives a non-positive size.
	DefaultBatchSize = 100
	// MaxBatchSize caps one processing pass.
	MaxBatchSize = 1000
	// MaxBulkEnroll caps one bulk enrollment request.
	MaxBulkEnroll = 1000
	// DefaultClaimTimeout is how long a message may stay in sending before
	// the sweep returns it to pending.
	DefaultClaimTimeout = 10 * time.Minute
)

type settings struct {
	now           func() time.Time
	publicBaseURL string
	claimTimeout  time.Duration
	resolver      SubjectResolver
}

// Option configures the services in this package.
type Option func(*settings)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPublicBaseURL sets the base used to build unsubscribe links.
func WithPublicBaseURL(u string) Option {
	return func(s *settings) {
		s.publicBaseURL = u
	}
}

// WithClaimTimeout sets the stale-claim threshold.
func WithClaimTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.claimTimeout = d
		}
	}
}

// WithSubjectResolver replaces the store-backed contact resolver.
func WithSubjectResolver(r SubjectResolver) Option {
	return func(s *settings) {
		s.resolver = r
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		now:          time.Now,
		claimTimeout: DefaultClaimTimeout,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s settings) clock() time.Time {
	return s.now().UTC()
}
