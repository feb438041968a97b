package voxcapture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"
)

var errBufferNotHeld = errors.New("no buffer is held")

// packetQueue is the device-side buffer for backends that push samples from
// a callback. Callbacks write into a bounded ring and signal the ready
// event; the pump reads packets of at most one period back out through the
// CaptureClient interface. When the ring is full the incoming chunk is
// dropped and the next packet carries the discontinuity flag.
type packetQueue struct {
	mu           sync.Mutex
	ring         *ringbuffer.RingBuffer
	blockAlign   int
	periodFrames uint32
	ready        *Event

	scratch       []byte
	held          bool
	heldFrames    uint32
	position      uint64
	discontinuity bool
	dropped       uint64
}

func newPacketQueue(format MixFormat, period, capacity time.Duration) *packetQueue {
	blockAlign := int(format.BlockAlign)
	bytesPerSecond := int64(format.SampleRate) * int64(blockAlign)

	size := int(bytesPerSecond * int64(capacity) / int64(time.Second))
	size -= size % blockAlign
	if size < blockAlign {
		size = blockAlign
	}

	periodFrames := uint32(int64(format.SampleRate) * int64(period) / int64(time.Second))
	if periodFrames == 0 {
		periodFrames = 1
	}

	return &packetQueue{
		ring:         ringbuffer.New(size),
		blockAlign:   blockAlign,
		periodFrames: periodFrames,
		scratch:      make([]byte, int(periodFrames)*blockAlign),
	}
}

func (q *packetQueue) setEvent(ev *Event) {
	q.mu.Lock()
	q.ready = ev
	q.mu.Unlock()
}

// push is called from the device callback. It never waits for the reader.
func (q *packetQueue) push(data []byte) {
	data = data[:len(data)-len(data)%q.blockAlign]
	if len(data) == 0 {
		return
	}

	q.mu.Lock()
	if q.ring.Free() < len(data) {
		q.discontinuity = true
		q.dropped += uint64(len(data))
	} else if _, err := q.ring.Write(data); err != nil {
		q.discontinuity = true
		q.dropped += uint64(len(data))
	}
	ev := q.ready
	q.mu.Unlock()

	if ev != nil {
		ev.Signal()
	}
}

func (q *packetQueue) availableFrames() uint32 {
	frames := uint32(q.ring.Length() / q.blockAlign)
	if frames > q.periodFrames {
		frames = q.periodFrames
	}
	return frames
}

func (q *packetQueue) NextPacketSize() (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.availableFrames(), nil
}

func (q *packetQueue) GetBuffer() (Packet, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.held {
		return Packet{}, errors.New("previous buffer not released")
	}

	frames := q.availableFrames()
	if frames == 0 {
		return Packet{}, nil
	}

	buf := q.scratch[:int(frames)*q.blockAlign]
	n, err := q.ring.Read(buf)
	if err != nil {
		return Packet{}, fmt.Errorf("read device buffer: %w", err)
	}
	frames = uint32(n / q.blockAlign)

	var flags BufferFlags
	if q.discontinuity {
		flags |= BufferFlagsDataDiscontinuity
		q.discontinuity = false
	}

	q.held = true
	q.heldFrames = frames
	return Packet{
		Data:           buf[:int(frames)*q.blockAlign],
		Frames:         frames,
		Flags:          flags,
		DevicePosition: q.position,
	}, nil
}

func (q *packetQueue) ReleaseBuffer(frames uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.held {
		if frames == 0 {
			return nil
		}
		return errBufferNotHeld
	}
	if frames != q.heldFrames && frames != 0 {
		return fmt.Errorf("release of %d frames, %d held", frames, q.heldFrames)
	}
	q.held = false
	q.position += uint64(frames)
	return nil
}

// Dropped returns the number of bytes lost to overflow.
func (q *packetQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *packetQueue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ring.Reset()
	q.held = false
	q.ready = nil
}
