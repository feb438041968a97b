package voxcapture

import "fmt"

// onSampleReady runs on the work queue every time the ready event fires.
// It drains every available packet and re-arms itself while capturing.
// Errors never leave this function.
func (e *Engine) onSampleReady() {
	e.pumpMu.Lock()
	defer e.pumpMu.Unlock()

	e.mu.Lock()
	if e.state != StateCapturing || e.device == nil {
		e.mu.Unlock()
		return
	}
	dev := e.device
	e.mu.Unlock()

	if err := e.drain(dev); err != nil {
		e.reportPumpError(err)
	}

	e.mu.Lock()
	if e.state != StateCapturing {
		e.mu.Unlock()
		return
	}
	key, err := e.queue.PutWaiting(dev.ready, e.onSampleReady)
	if err == nil {
		e.sampleReadyKey = key
	}
	e.mu.Unlock()

	if err != nil {
		e.stalled.Store(true)
		e.reportPumpError(fmt.Errorf("re-arm sample ready work item: %w", err))
	}
}

// drain reads packets until the device reports none left. The device may
// hand over any number of packets per signal, so one packet per call
// cannot be assumed.
func (e *Engine) drain(dev *device) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sample pump panic: %v", r)
		}
	}()

	for {
		frames, err := dev.capture.NextPacketSize()
		if err != nil {
			return fmt.Errorf("get next packet size: %w", err)
		}
		if frames == 0 {
			return nil
		}
		if err := e.capturePacket(dev); err != nil {
			return err
		}
	}
}

// capturePacket moves one packet into the reservoir. The packet is handed
// back to the device on every path.
func (e *Engine) capturePacket(dev *device) (err error) {
	pkt, err := dev.capture.GetBuffer()
	if err != nil {
		return fmt.Errorf("get buffer: %w", err)
	}
	defer func() {
		if rerr := dev.capture.ReleaseBuffer(pkt.Frames); rerr != nil && err == nil {
			err = fmt.Errorf("release buffer: %w", rerr)
		}
	}()

	size := int(pkt.Frames) * int(dev.format.BlockAlign)

	if pkt.Flags&BufferFlagsDataDiscontinuity != 0 {
		e.discontinuities.Add(1)
	}

	if pkt.Flags&BufferFlagsSilent != 0 {
		// Buffer contents are undefined for silent packets.
		e.reservoir.AppendZeros(size)
		e.silentPackets.Add(1)
	} else {
		if len(pkt.Data) < size {
			return fmt.Errorf("packet of %d frames holds %d bytes, expected %d", pkt.Frames, len(pkt.Data), size)
		}
		e.reservoir.Append(pkt.Data[:size])
	}

	e.packets.Add(1)
	e.bytes.Add(uint64(size))
	return nil
}

func (e *Engine) reportPumpError(err error) {
	if e.pumpFailures.Add(1) == 1 {
		e.logger.Error("sample pump failed", "error", err)
	} else {
		e.logger.Warn("sample pump failed", "error", err, "failures", e.pumpFailures.Load())
	}
	if e.onPumpError != nil {
		e.onPumpError(err)
	}
}
