package health

// Source identifies a probed subsystem. Sources are a closed set: anything
// outside it maps to SourceUnknown instead of being matched as a free string.
type Source string

const (
	SourceDatabase Source = "database"
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceUnknown  Source = "unknown"
)

// ParseSource maps a string onto the closed source set.
func ParseSource(s string) Source {
	switch Source(s) {
	case SourceDatabase, SourceCache, SourceNetwork:
		return Source(s)
	default:
		return SourceUnknown
	}
}

// Status is the outcome classification of one probe.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	// StatusNotConfigured means the subsystem is intentionally disabled.
	// The aggregator treats it as a pass, not a failure.
	StatusNotConfigured Status = "not_configured"
	StatusError         Status = "error"
)

// Outcome is the structured result of one probe check.
type Outcome struct {
	Status Status         `json:"status"`
	Detail map[string]any `json:"detail,omitempty"`
}
