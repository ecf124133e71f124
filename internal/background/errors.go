package background

import (
	"errors"
	"fmt"
)

var (
	// ErrSubmissionRejected means the engine never took ownership of the job:
	// the caller is still responsible for releasing its context.
	ErrSubmissionRejected = errors.New("submission rejected")
	ErrCategoryDisabled   = fmt.Errorf("category disabled: %w", ErrSubmissionRejected)
	ErrStaleHandle        = errors.New("stale job handle")
	ErrClosed             = errors.New("engine closed")
)
