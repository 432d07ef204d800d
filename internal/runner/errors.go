package runner

import "errors"

var (
	ErrAlreadyStarted     = errors.New("job run already started, use a new instance for every job")
	ErrEmptyBuildResponse = errors.New("empty build response")
	ErrQueueItemNotFound  = errors.New("queue item number not found")
	ErrQueueItemCancelled = errors.New("queue item cancelled")
	ErrQueueTimeout       = errors.New("timeout while waiting for build to start")
	ErrBuildTimeout       = errors.New("timeout while waiting for build to complete")
	ErrUpdateFailed       = errors.New("console output update failed")
	ErrConsoleHandler     = errors.New("console output handler failed")
)
