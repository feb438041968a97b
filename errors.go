package voxcapture

import "errors"

var (
	// ErrDeviceUnavailable is returned when no default endpoint can be
	// resolved or the endpoint refuses activation.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrUnsupportedFormat is returned when the mix format is neither
	// integer PCM nor float PCM.
	ErrUnsupportedFormat = errors.New("unsupported mix format")

	// ErrTimeout is returned when an asynchronous operation does not
	// complete within the configured operation timeout.
	ErrTimeout = errors.New("operation timed out")

	// ErrOperationIgnored marks a Start/Stop/Initialize call made in a
	// state where it is a defined no-op.
	ErrOperationIgnored = errors.New("operation ignored in current state")

	// ErrNotInitialized is returned by accessors that need a negotiated format.
	ErrNotInitialized = errors.New("capture engine not initialized")

	// ErrWorkItemNotFound is returned when cancelling a work item that has
	// already run or was never queued.
	ErrWorkItemNotFound = errors.New("work item not found")

	// ErrQueueClosed is returned when queuing work on a closed queue.
	ErrQueueClosed = errors.New("work queue closed")
)
