package jenkins

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"buildrunner/internal/engine"
)

var _ engine.JobService = (*Client)(nil)

// SubmitBuild queues a build without parameters
func (c *Client) SubmitBuild(ctx context.Context, jobName string) (*engine.BuildSubmission, error) {
	path, err := jobPath(jobName)
	if err != nil {
		return nil, err
	}

	// Jenkins Stapler expects a json field for non-parameterized builds
	form := url.Values{}
	form.Set("json", "{}")

	header, err := c.postForm(ctx, path+"/build", form)
	if err != nil {
		return nil, fmt.Errorf("submit build %s: %w", jobName, err)
	}
	return submission(header), nil
}

// SubmitBuildWithParameters queues a build using the buildWithParameters endpoint
func (c *Client) SubmitBuildWithParameters(ctx context.Context, jobName string, params map[string]string) (*engine.BuildSubmission, error) {
	path, err := jobPath(jobName)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	header, err := c.postForm(ctx, path+"/buildWithParameters", form)
	if err != nil {
		return nil, fmt.Errorf("submit build %s: %w", jobName, err)
	}
	return submission(header), nil
}

// submission returns nil when Jenkins did not say where the queue item lives
func submission(header http.Header) *engine.BuildSubmission {
	location := header.Get("Location")
	if location == "" {
		return nil
	}
	return &engine.BuildSubmission{Location: location}
}

// GetQueueItem fetches /queue/item/{id}/api/json
func (c *Client) GetQueueItem(ctx context.Context, id int64) (*engine.QueueItem, error) {
	var item engine.QueueItem
	if err := c.getJSON(ctx, fmt.Sprintf("/queue/item/%d/api/json", id), &item); err != nil {
		return nil, fmt.Errorf("get queue item %d: %w", id, err)
	}
	return &item, nil
}

// GetBuild fetches /job/{job}/{number}/api/json
func (c *Client) GetBuild(ctx context.Context, jobName string, number int) (*engine.Build, error) {
	path, err := jobPath(jobName)
	if err != nil {
		return nil, err
	}

	var build engine.Build
	if err := c.getJSON(ctx, fmt.Sprintf("%s/%d/api/json", path, number), &build); err != nil {
		return nil, fmt.Errorf("get build %s#%d: %w", jobName, number, err)
	}
	return &build, nil
}

// ReadConsoleFragment reads progressive console text starting at offset.
// Jenkins reports the next offset in X-Text-Size and sets X-More-Data
// while the build may still append output.
func (c *Client) ReadConsoleFragment(ctx context.Context, jobName string, number int, offset int64) (*engine.ConsoleFragment, error) {
	path, err := jobPath(jobName)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, http.MethodGet,
		fmt.Sprintf("%s/%d/logText/progressiveText?start=%d", path, number, offset), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("read console %s#%d at %d: %w", jobName, number, offset, err)
	}

	next := offset + int64(len(resp.body))
	if size := resp.header.Get("X-Text-Size"); size != "" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("read console %s#%d: invalid X-Text-Size %q", jobName, number, size)
		}
		next = n
	}

	return &engine.ConsoleFragment{
		Text:       string(resp.body),
		NextOffset: next,
		HasMore:    strings.EqualFold(resp.header.Get("X-More-Data"), "true"),
	}, nil
}
