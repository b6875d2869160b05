package reviewer

import "errors"

var (
	// ErrReviewInProgress is returned when a second review is requested for
	// a session that already has one running.
	ErrReviewInProgress = errors.New("reviewer: review already in progress")
	// ErrReviewerBinaryMissing is returned when the configured reviewer CLI
	// is not on PATH.
	ErrReviewerBinaryMissing = errors.New("reviewer: binary not found")
	// ErrReviewTimeout is returned when the subprocess does not exit within
	// the configured timeout.
	ErrReviewTimeout = errors.New("reviewer: timed out")
	// ErrReviewCancelled is returned when the review's context is cancelled
	// before the subprocess exits.
	ErrReviewCancelled = errors.New("reviewer: cancelled")
	// ErrReviewExecutionError wraps a non-timeout, non-cancellation failure
	// from the subprocess itself.
	ErrReviewExecutionError = errors.New("reviewer: execution error")
)
