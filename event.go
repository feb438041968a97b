package voxcapture

// Event is an auto-reset signal. Signals raised while nobody waits are
// coalesced into one pending signal; a waiter consumes it.
type Event struct {
	c chan struct{}
}

func NewEvent() *Event {
	return &Event{c: make(chan struct{}, 1)}
}

// Signal sets the event. It never blocks, so it is safe to call from
// device callbacks.
func (e *Event) Signal() {
	select {
	case e.c <- struct{}{}:
	default:
	}
}

// C returns the channel that receives once per pending signal.
func (e *Event) C() <-chan struct{} {
	return e.c
}

// Reset clears a pending signal.
func (e *Event) Reset() {
	select {
	case <-e.c:
	default:
	}
}
