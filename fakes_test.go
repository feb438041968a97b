package voxcapture

import (
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockLogger is a testify mock satisfying Logger.
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(msg string, args ...any) { m.Called(msg, args) }
func (m *MockLogger) Info(msg string, args ...any)  { m.Called(msg, args) }
func (m *MockLogger) Warn(msg string, args ...any)  { m.Called(msg, args) }
func (m *MockLogger) Error(msg string, args ...any) { m.Called(msg, args) }

// allowAll lets every level through without expectations on the message.
func (m *MockLogger) allowAll() {
	for _, level := range []string{"Debug", "Info", "Warn", "Error"} {
		m.On(level, mock.Anything, mock.Anything).Maybe()
	}
}

var errFake = errors.New("fake device failure")

type fakeBackend struct {
	mu          sync.Mutex
	startups    int
	shutdowns   int
	startupErr  error
	endpointErr error
	activateErr error // returned by ActivateAsync itself
	handlerErr  error // delivered to the activation handler
	hold        chan struct{}
	client      *fakeClient
	activated   chan struct{}
}

func newFakeBackend(wave WaveFormat) *fakeBackend {
	return &fakeBackend{
		client:    newFakeClient(wave),
		activated: make(chan struct{}, 16),
	}
}

func (b *fakeBackend) Startup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startupErr != nil {
		return b.startupErr
	}
	b.startups++
	return nil
}

func (b *fakeBackend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdowns++
	return nil
}

// users is the number of outstanding subsystem holds.
func (b *fakeBackend) users() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startups - b.shutdowns
}

func (b *fakeBackend) DefaultEndpoint(role DeviceRole) (Endpoint, error) {
	if b.endpointErr != nil {
		return Endpoint{}, b.endpointErr
	}
	return Endpoint{ID: "fake-0", Name: "Fake Speakers", Role: role}, nil
}

func (b *fakeBackend) ActivateAsync(endpoint Endpoint, done ActivationHandler) error {
	if b.activateErr != nil {
		return b.activateErr
	}
	go func() {
		if b.hold != nil {
			<-b.hold
		}
		if b.handlerErr != nil {
			done(nil, b.handlerErr)
		} else {
			done(b.client, nil)
		}
		b.activated <- struct{}{}
	}()
	return nil
}

type fakeClient struct {
	mu        sync.Mutex
	wave      WaveFormat
	mixErr    error
	initErr   error
	startErr  error
	stopErr   error
	flags     StreamFlags
	period    time.Duration
	ev        *Event
	starts    int
	stops     int
	released  int
	capture   *fakeCapture
	startHook func()
}

func newFakeClient(wave WaveFormat) *fakeClient {
	return &fakeClient{wave: wave, capture: &fakeCapture{}}
}

func (c *fakeClient) MixFormat() (WaveFormat, error) {
	if c.mixErr != nil {
		return WaveFormat{}, c.mixErr
	}
	return c.wave, nil
}

func (c *fakeClient) Initialize(mode ShareMode, flags StreamFlags, period time.Duration, wf WaveFormat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initErr != nil {
		return c.initErr
	}
	c.flags = flags
	c.period = period
	return nil
}

func (c *fakeClient) CaptureClient() (CaptureClient, error) {
	return c.capture, nil
}

func (c *fakeClient) SetEventHandle(ev *Event) error {
	c.mu.Lock()
	c.ev = ev
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Start() error {
	c.mu.Lock()
	hook := c.startHook
	err := c.startErr
	if err == nil {
		c.starts++
	}
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (c *fakeClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopErr != nil {
		return c.stopErr
	}
	c.stops++
	return nil
}

func (c *fakeClient) Release() {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
}

// deliver queues packets on the capture client and signals the device event.
func (c *fakeClient) deliver(pkts ...Packet) {
	c.capture.queue(pkts...)
	c.mu.Lock()
	ev := c.ev
	c.mu.Unlock()
	ev.Signal()
}

func (c *fakeClient) counts() (starts, stops, released int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops, c.released
}

type fakeCapture struct {
	mu         sync.Mutex
	packets    []Packet
	getErr     error // returned once by GetBuffer
	gets       int
	releases   []uint32
	releaseCnt int
}

func (c *fakeCapture) queue(pkts ...Packet) {
	c.mu.Lock()
	c.packets = append(c.packets, pkts...)
	c.mu.Unlock()
}

func (c *fakeCapture) NextPacketSize() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.packets) == 0 {
		return 0, nil
	}
	return c.packets[0].Frames, nil
}

func (c *fakeCapture) GetBuffer() (Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if err := c.getErr; err != nil {
		c.getErr = nil
		c.packets = c.packets[1:]
		return Packet{}, err
	}
	pkt := c.packets[0]
	c.packets = c.packets[1:]
	return pkt, nil
}

func (c *fakeCapture) ReleaseBuffer(frames uint32) error {
	c.mu.Lock()
	c.releases = append(c.releases, frames)
	c.mu.Unlock()
	return nil
}

func (c *fakeCapture) Release() {
	c.mu.Lock()
	c.releaseCnt++
	c.mu.Unlock()
}

func (c *fakeCapture) getCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets
}

func (c *fakeCapture) released() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.releases...)
}

// pcm16Stereo48k is the common shared-mode mix format used by the tests.
func pcm16Stereo48k() WaveFormat {
	return WaveFormat{
		FormatTag:      WaveFormatPCM,
		Channels:       2,
		SamplesPerSec:  48000,
		AvgBytesPerSec: 192000,
		BlockAlign:     4,
		BitsPerSample:  16,
	}
}

// sequence returns n bytes counting up from start, wrapping at 251 so that
// misordered chunks are detectable.
func sequence(start, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((start + i) % 251)
	}
	return b
}
