package jenkins

import "context"

// DoRequest exports doRequest for black-box tests
func (c *Client) DoRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	return c.doRequest(ctx, method, path, body)
}

// JobPath exports jobPath for black-box tests
func JobPath(jobName string) (string, error) {
	return jobPath(jobName)
}
