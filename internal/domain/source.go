package domain

import "time"

// MonitoredSource is a repository polled for new work items
type MonitoredSource struct {
	Ref           SourceRef     `json:"ref"`
	Interval      time.Duration `json:"interval"`
	Schedule      string        `json:"schedule,omitempty"`
	CredentialRef string        `json:"credential_ref,omitempty"`
	Labels        []string      `json:"labels,omitempty"`
	Cursor        int64         `json:"cursor"`
	Enabled       bool          `json:"enabled"`
	MaxIterations int           `json:"max_iterations,omitempty"`

	LastPolledAt time.Time `json:"last_polled_at"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AdvanceCursor moves the cursor forward; it never moves backwards
func (s *MonitoredSource) AdvanceCursor(c int64) bool {
	if c <= s.Cursor {
		return false
	}
	s.Cursor = c
	return true
}
