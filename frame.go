package voxcapture

import "time"

// Frame is a chunk of captured bytes tagged with its position in the stream.
type Frame struct {
	// Timestamp is the stream time of the first byte, counted from the
	// start of the capture.
	Timestamp time.Duration
	Data      []byte
}

// TryReadFrame is TryReadBytes with a stream timestamp attached.
func (e *Engine) TryReadFrame(count uint32) (Frame, bool) {
	data, offset, ok := e.reservoir.tryTake(int(count))
	if !ok {
		return Frame{}, false
	}

	var ts time.Duration
	if f, err := e.MixFormat(); err == nil && f.BytesPerSecond() > 0 {
		bps := uint64(f.BytesPerSecond())
		ts = time.Duration(offset/bps)*time.Second +
			time.Duration((offset%bps)*uint64(time.Second)/bps)
	}
	return Frame{Timestamp: ts, Data: data}, true
}
