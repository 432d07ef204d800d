package engine

import (
	"net/url"
	"strconv"
	"strings"
)

// BuildSubmission is the handle returned when a build is queued
type BuildSubmission struct {
	// Location of the queue item, e.g. http://jenkins/queue/item/42/
	Location string `json:"location"`
}

// QueueItemNumber extracts the queue item id from Location
func (s *BuildSubmission) QueueItemNumber() (int64, bool) {
	if s == nil || s.Location == "" {
		return 0, false
	}

	path := s.Location
	if u, err := url.Parse(s.Location); err == nil && u.Path != "" {
		path = u.Path
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "queue" && parts[i+1] == "item" {
			id, err := strconv.ParseInt(parts[i+2], 10, 64)
			if err != nil || id <= 0 {
				return 0, false
			}
			return id, true
		}
	}
	return 0, false
}

// QueueExecutable is the build a queue item turned into
type QueueExecutable struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// QueueItem is a build request waiting for an executor
type QueueItem struct {
	ID         int64            `json:"id"`
	Why        string           `json:"why,omitempty"`
	Blocked    bool             `json:"blocked"`
	Buildable  bool             `json:"buildable"`
	Cancelled  bool             `json:"cancelled"`
	Executable *QueueExecutable `json:"executable,omitempty"`
}

// BuildNumber returns the assigned build number once the item left the queue
func (q *QueueItem) BuildNumber() (int, bool) {
	if q == nil || q.Executable == nil || q.Executable.Number <= 0 {
		return 0, false
	}
	return q.Executable.Number, true
}

// Build is a build record. Result stays empty while the build is running.
type Build struct {
	Number      int    `json:"number"`
	URL         string `json:"url,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Result      string `json:"result,omitempty"`
	Building    bool   `json:"building"`
	Duration    int64  `json:"duration,omitempty"`  // milliseconds
	Timestamp   int64  `json:"timestamp,omitempty"` // unix milliseconds
}

// Finished reports whether the build carries a result
func (b *Build) Finished() bool {
	return b != nil && b.Result != ""
}

// ConsoleFragment is a slice of console output starting at a given offset
type ConsoleFragment struct {
	Text       string `json:"text"`
	NextOffset int64  `json:"next_offset"`
	HasMore    bool   `json:"has_more"`
}
