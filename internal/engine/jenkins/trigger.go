package jenkins

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"buildrunner/internal/engine"
)

// Trigger implements the CIEngine interface for Jenkins
type Trigger struct {
	client *Client
}

// NewTrigger creates a new Jenkins trigger instance
func NewTrigger(client *Client) *Trigger {
	return &Trigger{
		client: client,
	}
}

// TriggerBuild queues a Jenkins build and returns without waiting for it
func (t *Trigger) TriggerBuild(ctx context.Context, jobName string, params map[string]string) (*engine.BuildResult, error) {
	var sub *engine.BuildSubmission
	var err error
	if len(params) > 0 {
		sub, err = t.client.SubmitBuildWithParameters(ctx, jobName, params)
	} else {
		sub, err = t.client.SubmitBuild(ctx, jobName)
	}
	if err != nil {
		return &engine.BuildResult{
			Success: false,
			Message: fmt.Sprintf("Failed to trigger Jenkins build: %v", err),
		}, err
	}

	result := &engine.BuildResult{
		Success: true,
		Message: fmt.Sprintf("Successfully triggered Jenkins build for job %s", jobName),
	}
	if sub != nil {
		result.BuildURL = sub.Location
		if id, ok := sub.QueueItemNumber(); ok {
			result.QueueID = id
		}
	}
	return result, nil
}

// GetBuildStatus returns the status of a Jenkins build by its ID (jobName/buildNumber)
func (t *Trigger) GetBuildStatus(ctx context.Context, buildID string) (*engine.BuildResult, error) {
	if buildID == "" {
		return &engine.BuildResult{
			Success: false,
			Message: "Build ID cannot be empty",
		}, fmt.Errorf("%w: build ID cannot be empty", engine.ErrInvalidBuildID)
	}

	// the job name may contain folders, the build number is the last segment
	idx := strings.LastIndex(buildID, "/")
	if idx <= 0 || idx == len(buildID)-1 {
		return &engine.BuildResult{
			Success: false,
			Message: "Invalid build ID format. Expected: jobName/buildNumber",
		}, fmt.Errorf("%w: expected jobName/buildNumber, got %q", engine.ErrInvalidBuildID, buildID)
	}
	jobName, numberStr := buildID[:idx], buildID[idx+1:]

	number, err := strconv.Atoi(numberStr)
	if err != nil || number <= 0 {
		return &engine.BuildResult{
			Success: false,
			Message: "Invalid build number",
		}, fmt.Errorf("%w: invalid build number %q", engine.ErrInvalidBuildID, numberStr)
	}

	build, err := t.client.GetBuild(ctx, jobName, number)
	if err != nil {
		return &engine.BuildResult{
			Success: false,
			Message: fmt.Sprintf("Failed to get Jenkins build status: %v", err),
		}, err
	}

	buildURL := build.URL
	if buildURL == "" {
		buildURL = fmt.Sprintf("%s/job/%s/%d/", t.client.url, jobName, number)
	}

	state := build.Result
	if state == "" {
		state = "RUNNING"
	}

	return &engine.BuildResult{
		Success:  true,
		Message:  fmt.Sprintf("Retrieved build status for %s: %s", buildID, state),
		BuildID:  buildID,
		BuildURL: buildURL,
	}, nil
}
