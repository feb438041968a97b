package voxcapture

import (
	"fmt"
	"sync"
)

// SharedSubsystem reference-counts a process-global runtime so that several
// engines can start and shut it down independently. The runtime is only
// really initialized by the first user and terminated by the last.
type SharedSubsystem struct {
	mu       sync.Mutex
	count    int
	startup  func() error
	shutdown func() error
}

func NewSharedSubsystem(startup, shutdown func() error) *SharedSubsystem {
	return &SharedSubsystem{startup: startup, shutdown: shutdown}
}

func (s *SharedSubsystem) Startup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		if err := s.startup(); err != nil {
			return fmt.Errorf("audio subsystem initialization failed: %w", err)
		}
	}
	s.count++
	return nil
}

func (s *SharedSubsystem) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return nil
	}
	s.count--
	if s.count == 0 {
		if err := s.shutdown(); err != nil {
			return fmt.Errorf("audio subsystem shutdown failed: %w", err)
		}
	}
	return nil
}

// Users returns the current reference count.
func (s *SharedSubsystem) Users() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// subsystemLease is one engine's hold on a Subsystem, released at most once.
type subsystemLease struct {
	subsystem Subsystem
	once      sync.Once
}

func acquireSubsystem(s Subsystem) (*subsystemLease, error) {
	if err := s.Startup(); err != nil {
		return nil, err
	}
	return &subsystemLease{subsystem: s}, nil
}

func (l *subsystemLease) release() error {
	if l == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		err = l.subsystem.Shutdown()
	})
	return err
}
