package voxcapture

import "sync"

// WorkKey identifies a queued waiting work item. Zero means none.
type WorkKey uint64

// WorkQueue schedules callbacks on background goroutines.
type WorkQueue interface {
	// Put runs fn as soon as possible.
	Put(fn func()) error
	// PutWaiting runs fn once ev is signalled, unless cancelled first.
	PutWaiting(ev *Event, fn func()) (WorkKey, error)
	// Cancel removes a waiting item. It returns ErrWorkItemNotFound if the
	// item already fired or was never queued. Once Cancel returns nil the
	// item's callback will not run.
	Cancel(key WorkKey) error
	// Close cancels all waiting items and waits for running ones.
	Close()
}

// SharedWorkQueue is a WorkQueue running each item on its own goroutine.
type SharedWorkQueue struct {
	mu      sync.Mutex
	next    WorkKey
	waiting map[WorkKey]chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

func NewSharedWorkQueue() *SharedWorkQueue {
	return &SharedWorkQueue{waiting: make(map[WorkKey]chan struct{})}
}

func (q *SharedWorkQueue) Put(fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		fn()
	}()
	return nil
}

func (q *SharedWorkQueue) PutWaiting(ev *Event, fn func()) (WorkKey, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrQueueClosed
	}
	q.next++
	key := q.next
	cancel := make(chan struct{})
	q.waiting[key] = cancel
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()

		select {
		case <-ev.C():
		case <-cancel:
			return
		}

		q.mu.Lock()
		_, ok := q.waiting[key]
		delete(q.waiting, key)
		q.mu.Unlock()

		if !ok {
			// Lost the race against Cancel; hand the signal back.
			ev.Signal()
			return
		}
		fn()
	}()
	return key, nil
}

func (q *SharedWorkQueue) Cancel(key WorkKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cancel, ok := q.waiting[key]
	if !ok {
		return ErrWorkItemNotFound
	}
	delete(q.waiting, key)
	close(cancel)
	return nil
}

// Pending returns the number of waiting items.
func (q *SharedWorkQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

func (q *SharedWorkQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for key, cancel := range q.waiting {
		delete(q.waiting, key)
		close(cancel)
	}
	q.mu.Unlock()

	q.wg.Wait()
}
