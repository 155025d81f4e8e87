package circuitbreaker

import "time"

// Profile configures one breaker. Profiles are chosen per dependency class:
// flaky third-party APIs get tolerant settings, the primary datastore gets
// strict ones.
type Profile struct {
	// FailureThreshold is how many consecutive classified failures open the
	// breaker.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before allowing
	// half-open trial calls.
	ResetTimeout time.Duration
	// TrialRequests is how many half-open calls may pass through, and how
	// many consecutive successes close the breaker again.
	TrialRequests uint32
	// Interval clears the closed-state counters periodically so old
	// failures do not linger forever. Zero keeps counters for the life of
	// the closed state.
	Interval time.Duration
	// IsFailure classifies an error before it is counted. Infra failures
	// (timeouts, connection errors) return true; business outcomes such as
	// not-found or rate-limited return false and never trip the breaker.
	// Nil means every error counts.
	IsFailure func(error) bool
}

func (p Profile) normalize() Profile {
	if p.FailureThreshold == 0 {
		p.FailureThreshold = 5
	}

	if p.ResetTimeout <= 0 {
		p.ResetTimeout = 15 * time.Second
	}

	if p.TrialRequests == 0 {
		p.TrialRequests = 1
	}

	return p
}

// DefaultProfile provides balanced settings for most dependencies.
func DefaultProfile() Profile {
	return Profile{
		FailureThreshold: 5,
		ResetTimeout:     15 * time.Second,
		TrialRequests:    1,
		Interval:         2 * time.Minute,
	}
}

// ThirdPartyAPIProfile tolerates the background noise of flaky external
// APIs before tripping.
func ThirdPartyAPIProfile() Profile {
	return Profile{
		FailureThreshold: 10,
		ResetTimeout:     30 * time.Second,
		TrialRequests:    2,
		Interval:         2 * time.Minute,
	}
}

// DatastoreProfile trips fast: the primary datastore should be stable, and
// hammering it while it struggles makes recovery slower.
func DatastoreProfile() Profile {
	return Profile{
		FailureThreshold: 3,
		ResetTimeout:     10 * time.Second,
		TrialRequests:    1,
		Interval:         time.Minute,
	}
}
