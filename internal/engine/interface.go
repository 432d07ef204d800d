package engine

import (
	"context"
	"errors"
)

// ErrInvalidBuildID is returned for build ids not shaped like jobName/buildNumber
var ErrInvalidBuildID = errors.New("invalid build id")

// BuildResult represents the result of a fire-and-forget build trigger
type BuildResult struct {
	Success  bool   `json:"success"`
	BuildID  string `json:"build_id,omitempty"`
	QueueID  int64  `json:"queue_id,omitempty"`
	BuildURL string `json:"build_url,omitempty"`
	Message  string `json:"message"`
}

// CIEngine triggers builds without waiting for them
type CIEngine interface {
	// TriggerBuild triggers a build for the given job with the provided parameters
	TriggerBuild(ctx context.Context, jobName string, params map[string]string) (*BuildResult, error)

	// GetBuildStatus returns the status of a build by its ID (jobName/buildNumber)
	GetBuildStatus(ctx context.Context, buildID string) (*BuildResult, error)
}

// JobService is the remote CI server as seen by a job run. Implementations
// must be safe for concurrent use; a run holds no locks while calling them.
type JobService interface {
	// SubmitBuild queues a build of jobName. A nil submission with a nil
	// error means the server returned no usable handle.
	SubmitBuild(ctx context.Context, jobName string) (*BuildSubmission, error)

	// SubmitBuildWithParameters queues a parameterized build of jobName.
	SubmitBuildWithParameters(ctx context.Context, jobName string, params map[string]string) (*BuildSubmission, error)

	// GetQueueItem returns the queue item with the given id.
	GetQueueItem(ctx context.Context, id int64) (*QueueItem, error)

	// GetBuild returns build number of jobName.
	GetBuild(ctx context.Context, jobName string, number int) (*Build, error)

	// ReadConsoleFragment returns console output of a build starting at offset.
	ReadConsoleFragment(ctx context.Context, jobName string, number int, offset int64) (*ConsoleFragment, error)
}
