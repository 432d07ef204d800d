package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"buildrunner/internal/engine"
)

// ConsoleReader fetches the console output of one build in fragments.
// Text only grows, the offset never decreases, and once the server reports
// the end of the output the reader stays complete.
type ConsoleReader struct {
	svc    engine.JobService
	job    string
	number int

	mx       sync.RWMutex
	text     strings.Builder
	offset   int64
	complete bool
	handlers []ConsoleHandler
}

// NewConsoleReader creates a reader for build number of job. It performs no I/O.
func NewConsoleReader(svc engine.JobService, job string, number int) *ConsoleReader {
	return &ConsoleReader{
		svc:    svc,
		job:    job,
		number: number,
	}
}

// OnTextChanged registers h to receive every non-empty fragment
func (r *ConsoleReader) OnTextChanged(h ConsoleHandler) {
	r.mx.Lock()
	r.handlers = append(r.handlers, h)
	r.mx.Unlock()
}

// Update fetches the next fragment. Calling it after completion is a no-op.
// A failed fetch leaves the state untouched and returns ErrUpdateFailed.
// A failing handler stops the remaining handlers and returns ErrConsoleHandler;
// the fragment is already part of Text by then.
func (r *ConsoleReader) Update(ctx context.Context) error {
	r.mx.RLock()
	complete, offset := r.complete, r.offset
	r.mx.RUnlock()
	if complete {
		return nil
	}

	frag, err := r.svc.ReadConsoleFragment(ctx, r.job, r.number, offset)
	if err != nil {
		return fmt.Errorf("%w: %s#%d at offset %d: %w", ErrUpdateFailed, r.job, r.number, offset, err)
	}
	if frag == nil {
		return fmt.Errorf("%w: %s#%d at offset %d: empty response", ErrUpdateFailed, r.job, r.number, offset)
	}

	r.mx.Lock()
	r.text.WriteString(frag.Text)
	next := offset + int64(len(frag.Text))
	if frag.NextOffset > next {
		next = frag.NextOffset
	}
	r.offset = next
	if !frag.HasMore {
		r.complete = true
	}
	handlers := append([]ConsoleHandler(nil), r.handlers...)
	r.mx.Unlock()

	if frag.Text == "" {
		return nil
	}
	for _, h := range handlers {
		if err := callConsole(ctx, h, frag.Text); err != nil {
			return fmt.Errorf("%w: %s#%d: %w", ErrConsoleHandler, r.job, r.number, err)
		}
	}
	return nil
}

// Text returns all output read so far
func (r *ConsoleReader) Text() string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.text.String()
}

// Snapshot returns the text read so far together with the completion flag,
// both taken at the same instant
func (r *ConsoleReader) Snapshot() (text string, complete bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.text.String(), r.complete
}

// Offset returns the position the next Update reads from
func (r *ConsoleReader) Offset() int64 {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.offset
}

// IsComplete reports whether the server signaled the end of the output
func (r *ConsoleReader) IsComplete() bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.complete
}
