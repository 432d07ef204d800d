package runner

import "fmt"

// Status is the lifecycle stage of a job run. It only moves forward;
// failures are reported as errors, not as a status.
type Status int32

const (
	StatusIdle Status = iota
	StatusPending
	StatusQueued
	StatusBuilding
	StatusComplete
)

var statusNames = [...]string{
	StatusIdle:     "idle",
	StatusPending:  "pending",
	StatusQueued:   "queued",
	StatusBuilding: "building",
	StatusComplete: "complete",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int32(s))
	}
	return statusNames[s]
}

// MarshalText encodes the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name
func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}
