package voxcapture

import "sync"

// Reservoir is a thread-safe FIFO of captured bytes. The producer appends
// variable-sized chunks, the consumer takes fixed-size chunks. It never
// blocks waiting for data.
type Reservoir struct {
	buffer []byte
	taken  uint64
	mu     sync.Mutex
}

func NewReservoir() *Reservoir {
	return &Reservoir{
		buffer: make([]byte, 0, 48000*2*4), // 1 second of 48kHz stereo float
	}
}

// Append adds data to the tail. It always succeeds.
func (r *Reservoir) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	r.buffer = append(r.buffer, data...)
	r.mu.Unlock()
}

// AppendZeros adds n zero bytes to the tail.
func (r *Reservoir) AppendZeros(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.buffer = append(r.buffer, make([]byte, n)...)
	r.mu.Unlock()
}

// TryTake removes and returns exactly size bytes from the head. If fewer
// than size bytes are buffered it returns false and leaves the reservoir
// untouched.
func (r *Reservoir) TryTake(size int) ([]byte, bool) {
	data, _, ok := r.tryTake(size)
	return data, ok
}

// tryTake also reports the stream offset of the first returned byte.
func (r *Reservoir) tryTake(size int) ([]byte, uint64, bool) {
	if size < 0 {
		return nil, 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buffer) < size {
		return nil, 0, false
	}

	out := make([]byte, size)
	copy(out, r.buffer)
	r.buffer = r.buffer[size:]
	offset := r.taken
	r.taken += uint64(size)
	return out, offset, true
}

// Len returns the number of buffered bytes.
func (r *Reservoir) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// Taken returns the total number of bytes handed to consumers.
func (r *Reservoir) Taken() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taken
}

// Reset discards buffered data and the consumed-byte counter.
func (r *Reservoir) Reset() {
	r.mu.Lock()
	r.buffer = r.buffer[:0:0]
	r.taken = 0
	r.mu.Unlock()
}
