package jenkins

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"buildrunner/internal/config"
	"buildrunner/internal/logger"
)

const defaultCrumbField = "Jenkins-Crumb"

// ErrInvalidJobName is returned for job names that cannot be mapped to a Jenkins path
var ErrInvalidJobName = errors.New("invalid job name")

// APIError is a non-2xx answer from Jenkins
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

type crumb struct {
	field string
	value string
}

// Client represents a Jenkins API client
type Client struct {
	url      string
	username string
	token    string
	client   *http.Client

	crumbMx sync.Mutex
	crumb   *crumb
}

// response is a fully read Jenkins answer
type response struct {
	status int
	header http.Header
	body   []byte
}

// NewClient creates a new Jenkins client instance
func NewClient(cfg config.JenkinsConfig) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	client := &http.Client{
		Timeout: timeout,
	}

	// Normalize URL: remove trailing slash to avoid double slashes in paths
	url := strings.TrimSuffix(cfg.URL, "/")

	return &Client{
		url:      url,
		username: cfg.Username,
		token:    cfg.Token,
		client:   client,
	}
}

// URL returns the Jenkins base URL without a trailing slash
func (c *Client) URL() string {
	return c.url
}

func (c *Client) setAuth(req *http.Request) {
	// Jenkins API uses Basic Authentication: username:token
	auth := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", c.username, c.token)))
	req.Header.Set("Authorization", "Basic "+auth)
}

// send performs a request and reads the whole body. Non-2xx answers are
// returned as *APIError.
func (c *Client) send(ctx context.Context, method, path string, body io.Reader, header http.Header) (*response, error) {
	fullURL := c.url + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Error("Jenkins API request failed", "method", method, "status", resp.Status, "url", fullURL)
		return nil, formatJenkinsError(resp.StatusCode, string(respBody))
	}

	return &response{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
}

// doRequest sends a JSON request to the Jenkins API and returns the body
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	resp, err := c.send(ctx, method, path, reqBody, header)
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// getJSON fetches path and decodes the JSON answer into v
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// postForm sends a form-encoded POST carrying the CSRF crumb when Jenkins issues one.
// Returns the response headers, which hold the queue item Location.
func (c *Client) postForm(ctx context.Context, path string, form url.Values) (http.Header, error) {
	cr, err := c.getCrumb(ctx)
	if err != nil {
		logger.Warn("Failed to get CSRF crumb, proceeding without it", "error", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cr != nil {
		// Some Jenkins versions read the crumb from the form, others from the header
		form.Set(cr.field, cr.value)
		header.Set(cr.field, cr.value)
	}

	resp, err := c.send(ctx, http.MethodPost, path, strings.NewReader(form.Encode()), header)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
			// the crumb is bound to the session and may have expired
			c.resetCrumb()
		}
		return nil, err
	}
	return resp.header, nil
}

// getCrumb returns the cached CSRF crumb, fetching it on first use.
// A nil crumb with nil error means Jenkins has CSRF protection disabled.
func (c *Client) getCrumb(ctx context.Context) (*crumb, error) {
	c.crumbMx.Lock()
	defer c.crumbMx.Unlock()
	if c.crumb != nil {
		return c.crumb, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/crumbIssuer/api/json", nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get crumb: %s", resp.Status)
	}

	var crumbData struct {
		Crumb             string `json:"crumb"`
		CrumbRequestField string `json:"crumbRequestField"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&crumbData); err != nil {
		return nil, err
	}
	if crumbData.Crumb == "" {
		return nil, nil
	}

	field := crumbData.CrumbRequestField
	if field == "" {
		field = defaultCrumbField
	}
	c.crumb = &crumb{field: field, value: crumbData.Crumb}
	return c.crumb, nil
}

func (c *Client) resetCrumb() {
	c.crumbMx.Lock()
	c.crumb = nil
	c.crumbMx.Unlock()
}

// jobPath maps a job name to its Jenkins URL path. Folder jobs (a/b) map to /job/a/job/b.
func jobPath(jobName string) (string, error) {
	if jobName == "" {
		return "", fmt.Errorf("%w: job name cannot be empty", ErrInvalidJobName)
	}
	var b strings.Builder
	for _, segment := range strings.Split(jobName, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidJobName, jobName)
		}
		b.WriteString("/job/")
		b.WriteString(url.PathEscape(segment))
	}
	return b.String(), nil
}

// formatJenkinsError formats Jenkins API errors into user-friendly messages
// without exposing the response body
func formatJenkinsError(statusCode int, _ string) error {
	var msg string
	switch statusCode {
	case http.StatusUnauthorized:
		msg = "authentication failed: invalid credentials"
	case http.StatusForbidden:
		msg = "access denied: insufficient permissions"
	case http.StatusNotFound:
		msg = "resource not found"
	case http.StatusBadRequest:
		msg = "invalid request"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		msg = "jenkins server error: please try again later"
	default:
		msg = "jenkins api request failed"
	}
	return &APIError{StatusCode: statusCode, Message: msg}
}
