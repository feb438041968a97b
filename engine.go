package voxcapture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Engine captures one audio endpoint and exposes the samples as a byte
// stream that consumers poll with TryReadBytes.
type Engine struct {
	backend   Backend
	cfg       Config
	queue     WorkQueue
	reservoir *Reservoir

	logger      Logger
	onPumpError func(error)

	mu             sync.Mutex
	state          CaptureState
	activating     bool
	closed         bool
	device         *device
	format         MixFormat
	hasFormat      bool
	sampleReadyKey WorkKey

	// pumpMu is held for the duration of one pump invocation.
	pumpMu sync.Mutex

	packets         atomic.Uint64
	bytes           atomic.Uint64
	silentPackets   atomic.Uint64
	discontinuities atomic.Uint64
	pumpFailures    atomic.Uint64
	stalled         atomic.Bool
}

// Stats reports pump activity since the last successful Initialize.
type Stats struct {
	Packets         uint64
	Bytes           uint64
	SilentPackets   uint64
	Discontinuities uint64
	PumpFailures    uint64
	// Stalled is set when the pump could not re-arm itself. No more data
	// will arrive until the engine is stopped and initialized again.
	Stalled bool
}

// NewEngine creates an engine on the given backend with its own work queue.
func NewEngine(backend Backend, cfg Config) *Engine {
	return NewEngineWithQueue(backend, NewSharedWorkQueue(), cfg)
}

// NewEngineWithQueue creates an engine that schedules its work on queue.
// The engine closes the queue in Close.
func NewEngineWithQueue(backend Backend, queue WorkQueue, cfg Config) *Engine {
	return &Engine{
		backend:   backend,
		cfg:       cfg.withDefaults(),
		queue:     queue,
		reservoir: NewReservoir(),
		logger:    defaultLogger(),
		state:     StateUninitialized,
	}
}

// SetLogger replaces the engine logger. Call it before Initialize.
func (e *Engine) SetLogger(l Logger) {
	if l != nil {
		e.logger = l
	}
}

// SetPumpErrorHandler registers fn to be called, on the pump goroutine,
// for every failed pump invocation. Call it before Initialize.
func (e *Engine) SetPumpErrorHandler(fn func(error)) {
	e.onPumpError = fn
}

// State returns the current capture state.
func (e *Engine) State() CaptureState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Stats() Stats {
	return Stats{
		Packets:         e.packets.Load(),
		Bytes:           e.bytes.Load(),
		SilentPackets:   e.silentPackets.Load(),
		Discontinuities: e.discontinuities.Load(),
		PumpFailures:    e.pumpFailures.Load(),
		Stalled:         e.stalled.Load(),
	}
}

func (e *Engine) resetStats() {
	e.packets.Store(0)
	e.bytes.Store(0)
	e.silentPackets.Store(0)
	e.discontinuities.Store(0)
	e.pumpFailures.Store(0)
	e.stalled.Store(false)
}

// ignored reports whether err marks a defined no-op, logging it if so.
func (e *Engine) ignored(err error) bool {
	if errors.Is(err, ErrOperationIgnored) {
		e.logger.Debug("capture operation ignored", "reason", err)
		return true
	}
	return false
}

// Initialize activates the default endpoint and negotiates its format. It
// is allowed from Uninitialized and Stopped; elsewhere it does nothing.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.closed || e.activating || (e.state != StateUninitialized && e.state != StateStopped) {
		err := fmt.Errorf("initialize in state %s: %w", e.state, ErrOperationIgnored)
		e.mu.Unlock()
		e.ignored(err)
		return nil
	}
	e.activating = true
	e.mu.Unlock()

	dev, err := e.negotiate(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.activating = false

	if err != nil {
		e.state = StateUninitialized
		e.hasFormat = false
		e.logger.Error("failed to initialize audio capture", "error", err)
		return err
	}

	e.reservoir.Reset()
	e.resetStats()
	e.device = dev
	e.format = dev.format
	e.hasFormat = true
	e.state = StateInitialized

	e.logger.Info("audio capture initialized",
		"endpoint", dev.endpoint.Name,
		"sample_rate", dev.format.SampleRate,
		"channels", dev.format.Channels,
		"bits_per_sample", dev.format.BitsPerSample,
		"encoding", dev.format.Encoding.String())
	return nil
}

// Start begins capturing. It does nothing unless the engine is Initialized.
// A failed Start leaves the engine Initialized.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateInitialized {
		err := fmt.Errorf("start in state %s: %w", e.state, ErrOperationIgnored)
		e.mu.Unlock()
		e.ignored(err)
		return nil
	}
	e.state = StateStarting
	dev := e.device
	e.mu.Unlock()

	done := newCompletion()
	if err := e.queue.Put(func() { e.onStartCapture(dev, done) }); err != nil {
		e.mu.Lock()
		e.state = StateInitialized
		e.mu.Unlock()
		return fmt.Errorf("queue start capture: %w", err)
	}

	if err := done.wait(ctx, e.cfg.OperationTimeout, "start capture"); err != nil {
		e.mu.Lock()
		if e.state == StateStarting {
			e.state = StateInitialized
		}
		e.mu.Unlock()
		e.logger.Error("failed to start audio capture", "error", err)
		return err
	}

	e.logger.Info("audio capture started", "endpoint", dev.endpoint.Name)
	return nil
}

func (e *Engine) onStartCapture(dev *device, done *completion) {
	if err := dev.client.Start(); err != nil {
		e.mu.Lock()
		if done.complete(fmt.Errorf("start audio client: %w", err)) {
			e.state = StateInitialized
		}
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	key, err := e.queue.PutWaiting(dev.ready, e.onSampleReady)
	if err != nil {
		if done.complete(fmt.Errorf("arm sample ready work item: %w", err)) {
			e.state = StateInitialized
		}
		e.mu.Unlock()
		e.stopClient(dev)
		return
	}
	if done.complete(nil) {
		e.sampleReadyKey = key
		e.state = StateCapturing
		e.mu.Unlock()
		return
	}
	// The caller timed out; undo.
	_ = e.queue.Cancel(key)
	e.mu.Unlock()
	e.logger.Warn("audio client started after timeout, stopping it", "endpoint", dev.endpoint.Name)
	e.stopClient(dev)
}

// Stop ends capturing and releases the device. It does nothing unless the
// engine is Capturing. Data already captured stays readable.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateCapturing {
		err := fmt.Errorf("stop in state %s: %w", e.state, ErrOperationIgnored)
		e.mu.Unlock()
		e.ignored(err)
		return nil
	}
	e.state = StateStopping
	e.mu.Unlock()

	done := newCompletion()
	if err := e.queue.Put(func() { e.onStopCapture(done) }); err != nil {
		e.mu.Lock()
		e.state = StateCapturing
		e.mu.Unlock()
		return fmt.Errorf("queue stop capture: %w", err)
	}

	if err := done.wait(ctx, e.cfg.OperationTimeout, "stop capture"); err != nil {
		e.logger.Error("failed to stop audio capture", "error", err)
		return err
	}

	e.logger.Info("audio capture stopped", "buffered_bytes", e.reservoir.Len())
	return nil
}

func (e *Engine) onStopCapture(done *completion) {
	e.mu.Lock()
	key := e.sampleReadyKey
	e.sampleReadyKey = 0
	dev := e.device
	e.mu.Unlock()

	if err := e.cancelPump(key); err != nil {
		e.mu.Lock()
		e.sampleReadyKey = key
		e.state = StateCapturing
		done.complete(err)
		e.mu.Unlock()
		return
	}

	if err := dev.client.Stop(); err != nil {
		e.restoreCapturing(dev, done, fmt.Errorf("stop audio client: %w", err))
		return
	}

	if err := dev.release(); err != nil {
		e.logger.Warn("failed to release audio device", "error", err)
	}

	e.mu.Lock()
	e.device = nil
	e.state = StateStopped
	if !done.complete(nil) {
		e.logger.Warn("audio capture stopped after timeout")
	}
	e.mu.Unlock()
}

// cancelPump cancels the armed pump work item and waits for an invocation
// that is already running to return. A work item that already fired is not
// an error.
func (e *Engine) cancelPump(key WorkKey) error {
	if key != 0 {
		if err := e.queue.Cancel(key); err != nil && !errors.Is(err, ErrWorkItemNotFound) {
			return fmt.Errorf("cancel sample ready work item: %w", err)
		}
	}
	// Wait for a running pump invocation to return.
	e.pumpMu.Lock()
	e.pumpMu.Unlock()
	return nil
}

// restoreCapturing puts the engine back to Capturing after a failed stop.
func (e *Engine) restoreCapturing(dev *device, done *completion, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if key, err := e.queue.PutWaiting(dev.ready, e.onSampleReady); err == nil {
		e.sampleReadyKey = key
	} else {
		e.stalled.Store(true)
		e.logger.Error("failed to re-arm sample pump", "error", err)
	}
	e.state = StateCapturing
	done.complete(cause)
}

func (e *Engine) stopClient(dev *device) {
	if err := dev.client.Stop(); err != nil {
		e.logger.Warn("failed to stop audio client", "error", err)
	}
}

// EncodingProperties returns the public descriptor of the negotiated
// format. It fails with ErrNotInitialized before a successful Initialize.
func (e *Engine) EncodingProperties() (EncodingProperties, error) {
	f, err := e.MixFormat()
	if err != nil {
		return EncodingProperties{}, err
	}
	return f.EncodingProperties(), nil
}

// MixFormat returns the negotiated format.
func (e *Engine) MixFormat() (MixFormat, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasFormat {
		return MixFormat{}, ErrNotInitialized
	}
	return e.format, nil
}

// TryReadBytes returns exactly count bytes from the head of the captured
// stream, or false if fewer are available. It never blocks.
func (e *Engine) TryReadBytes(count uint32) ([]byte, bool) {
	return e.reservoir.TryTake(int(count))
}

// Buffered returns the number of captured bytes not yet read.
func (e *Engine) Buffered() int {
	return e.reservoir.Len()
}

// Close stops capturing if needed, releases the device and the work queue.
// It must not overlap Initialize, Start or Stop. The engine cannot be used
// afterwards.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	if e.State() == StateCapturing {
		err = e.Stop(ctx)
	}

	e.mu.Lock()
	e.closed = true
	dev := e.device
	key := e.sampleReadyKey
	e.device = nil
	e.sampleReadyKey = 0
	if dev != nil {
		e.state = StateUninitialized
	}
	e.mu.Unlock()

	if dev != nil {
		_ = e.cancelPump(key)
		e.stopClient(dev)
		if rerr := dev.release(); rerr != nil {
			e.logger.Warn("failed to release audio device", "error", rerr)
		}
	}

	e.queue.Close()
	return err
}
