package voxcapture

import "fmt"

// CaptureState is the lifecycle state of an Engine.
type CaptureState int

const (
	StateUninitialized CaptureState = iota
	StateInitialized
	StateStarting
	StateCapturing
	StateStopping
	StateStopped
)

func (s CaptureState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitialized:
		return "Initialized"
	case StateStarting:
		return "Starting"
	case StateCapturing:
		return "Capturing"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("CaptureState(%d)", int(s))
	}
}
