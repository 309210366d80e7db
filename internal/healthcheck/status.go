package healthcheck

import "time"

// Latest probe outcome for one dependency
type Status struct {
	Dependency   string    `json:"-"`
	IsHealthy    bool      `json:"healthy"`
	LastCheck    time.Time `json:"lastCheck"`
	LastSuccess  time.Time `json:"lastSuccess"`
	LastFailure  time.Time `json:"lastFailure"`
	FailureCount int       `json:"failureCount"`
	LastError    string    `json:"lastError,omitempty"`
}

// Aggregate readiness across every registered dependency
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Degraded
	Unhealthy
)

var healthNames = [...]string{
	Healthy:   "healthy",
	Degraded:  "degraded",
	Unhealthy: "unhealthy",
}

func (h HealthStatus) String() string {
	if h < 0 || int(h) >= len(healthNames) {
		return "unknown"
	}
	return healthNames[h]
}

func (h HealthStatus) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}
