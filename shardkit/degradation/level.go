package degradation

// ServiceState is the health of one tracked downstream dependency.
type ServiceState string

const (
	StateHealthy     ServiceState = "HEALTHY"
	StateDegraded    ServiceState = "DEGRADED"
	StateUnavailable ServiceState = "UNAVAILABLE"
)

// Level is the system-wide aggregate, derived from the worst tracked
// service state.
type Level string

const (
	LevelNormal   Level = "NORMAL"
	LevelDegraded Level = "DEGRADED"
	LevelCritical Level = "CRITICAL"
)

func (s ServiceState) level() Level {
	switch s {
	case StateDegraded:
		return LevelDegraded
	case StateUnavailable:
		return LevelCritical
	default:
		return LevelNormal
	}
}

// worse reports whether a is a more severe level than b.
func worse(a, b Level) bool {
	return rank(a) > rank(b)
}

func rank(l Level) int {
	switch l {
	case LevelCritical:
		return 2
	case LevelDegraded:
		return 1
	default:
		return 0
	}
}
