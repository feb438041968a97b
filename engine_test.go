package voxcapture

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, backend Backend) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OperationTimeout = time.Second
	e := NewEngine(backend, cfg)
	logger := &MockLogger{}
	logger.allowAll()
	e.SetLogger(logger)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.Start(ctx))
	require.Equal(t, StateCapturing, e.State())
}

func TestEngine_CapturesPacketsInOrder(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	e := newTestEngine(t, backend)
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx))
	assert.Equal(t, StateInitialized, e.State())

	props, err := e.EncodingProperties()
	require.NoError(t, err)
	assert.Equal(t, EncodingProperties{
		Subtype:       "PCM",
		SampleRate:    48000,
		ChannelCount:  2,
		BitsPerSample: 16,
		Bitrate:       1536000,
	}, props)

	require.NoError(t, e.Start(ctx))
	assert.Equal(t, StateCapturing, e.State())

	// 480 + 240 + 240 frames of 4 bytes.
	stream := sequence(0, 3840)
	backend.client.deliver(
		Packet{Data: stream[:1920], Frames: 480},
		Packet{Data: stream[1920:2880], Frames: 240},
		Packet{Data: stream[2880:], Frames: 240},
	)
	require.Eventually(t, func() bool { return e.Buffered() == 3840 }, time.Second, time.Millisecond)

	data, ok := e.TryReadBytes(1000)
	require.True(t, ok)
	assert.Equal(t, stream[:1000], data)

	_, ok = e.TryReadBytes(100000)
	assert.False(t, ok)
	assert.Equal(t, 2840, e.Buffered())

	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, StateStopped, e.State())
	assert.Equal(t, []uint32{480, 240, 240}, backend.client.capture.released())
	stats := e.Stats()
	assert.Equal(t, uint64(3), stats.Packets)
	assert.Equal(t, uint64(3840), stats.Bytes)
	_, stops, released := backend.client.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, backend.users())

	// A pump invocation that slipped past the cancel does nothing.
	gets := backend.client.capture.getCount()
	backend.client.capture.queue(Packet{Data: make([]byte, 40), Frames: 10})
	e.onSampleReady()
	assert.Equal(t, gets, backend.client.capture.getCount())
	assert.Equal(t, 2840, e.Buffered())

	// The tail stays readable after Stop.
	rest, ok := e.TryReadBytes(2840)
	require.True(t, ok)
	assert.Equal(t, stream[1000:], rest)
}

func TestEngine_DrainsEveryPacketPerSignal(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	e := newTestEngine(t, backend)
	startEngine(t, e)

	var want []byte
	var pkts []Packet
	for i := 0; i < 20; i++ {
		chunk := sequence(len(want), 64)
		want = append(want, chunk...)
		pkts = append(pkts, Packet{Data: chunk, Frames: 16})
	}
	backend.client.deliver(pkts...)

	require.Eventually(t, func() bool { return e.Buffered() == len(want) }, time.Second, time.Millisecond)
	got, ok := e.TryReadBytes(uint32(len(want)))
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestEngine_SilentPacketsAreZeroFilled(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	e := newTestEngine(t, backend)
	startEngine(t, e)

	garbage := bytes.Repeat([]byte{0xFF}, 400)
	backend.client.deliver(Packet{Data: garbage, Frames: 100, Flags: BufferFlagsSilent})

	require.Eventually(t, func() bool { return e.Buffered() == 400 }, time.Second, time.Millisecond)
	data, ok := e.TryReadBytes(400)
	require.True(t, ok)
	assert.Equal(t, make([]byte, 400), data)

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, uint64(1), e.Stats().SilentPackets)
	assert.Equal(t, []uint32{100}, backend.client.capture.released())
}

func TestEngine_SilentPacketWithoutData(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	e := newTestEngine(t, backend)
	startEngine(t, e)

	backend.client.deliver(Packet{Frames: 10, Flags: BufferFlagsSilent | BufferFlagsDataDiscontinuity})

	require.Eventually(t, func() bool { return e.Buffered() == 40 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), e.Stats().Discontinuities)
}

func TestEngine_StartAndStopAreIdempotent(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	e := newTestEngine(t, backend)
	logger := &MockLogger{}
	logger.allowAll()
	e.SetLogger(logger)
	ctx := context.Background()

	// Start and Stop before Initialize are ignored.
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, StateUninitialized, e.State())

	require.NoError(t, e.Initialize(ctx))
	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, StateInitialized, e.State())

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Start(ctx))
	assert.Equal(t, StateCapturing, e.State())

	// Initialize while capturing is ignored too.
	require.NoError(t, e.Initialize(ctx))
	assert.Equal(t, StateCapturing, e.State())

	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, StateStopped, e.State())

	starts, stops, _ := backend.client.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	logger.AssertCalled(t, "Debug", "capture operation ignored", mock.Anything)
}

func TestEngine_UnsupportedFormat(t *testing.T) {
	wave := pcm16Stereo48k()
	wave.FormatTag = 0x0002 // ADPCM
	backend := newFakeBackend(wave)
	e := newTestEngine(t, backend)

	err := e.Initialize(context.Background())
	require.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Equal(t, StateUninitialized, e.State())

	_, err = e.EncodingProperties()
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, _, released := backend.client.counts()
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, backend.users())
}

func TestEngine_DeviceUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		setup func(b *fakeBackend)
	}{
		{"subsystem", func(b *fakeBackend) { b.startupErr = errFake }},
		{"endpoint", func(b *fakeBackend) { b.endpointErr = errFake }},
		{"activate call", func(b *fakeBackend) { b.activateErr = errFake }},
		{"activate result", func(b *fakeBackend) { b.handlerErr = errFake }},
		{"mix format", func(b *fakeBackend) { b.client.mixErr = errFake }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend(pcm16Stereo48k())
			tt.setup(backend)
			e := newTestEngine(t, backend)

			err := e.Initialize(context.Background())
			require.ErrorIs(t, err, ErrDeviceUnavailable)
			assert.ErrorIs(t, err, errFake)
			assert.Equal(t, StateUninitialized, e.State())
			assert.Equal(t, 0, backend.users())
		})
	}
}

func TestEngine_InitializeFailureReleasesClient(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	backend.client.initErr = errFake
	e := newTestEngine(t, backend)

	err := e.Initialize(context.Background())
	require.ErrorIs(t, err, errFake)
	assert.Equal(t, StateUninitialized, e.State())
	_, _, released := backend.client.counts()
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, backend.users())
}

func TestEngine_StreamFlagsFollowRole(t *testing.T) {
	tests := []struct {
		role DeviceRole
		want StreamFlags
	}{
		{RoleRenderLoopback, StreamFlagsEventCallback | StreamFlagsNoPersist | StreamFlagsLoopback},
		{RoleCapture, StreamFlagsEventCallback | StreamFlagsNoPersist},
	}

	for _, tt := range tests {
		t.Run(tt.role.String(), func(t *testing.T) {
			backend := newFakeBackend(pcm16Stereo48k())
			cfg := DefaultConfig()
			cfg.Role = tt.role
			e := NewEngine(backend, cfg)
			defer e.Close(context.Background())

			require.NoError(t, e.Initialize(context.Background()))
			assert.Equal(t, tt.want, backend.client.flags)
			assert.Equal(t, 20*time.Millisecond, backend.client.period)
		})
	}
}

func TestEngine_FailedStartStaysInitialized(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	backend.client.startErr = errFake
	e := newTestEngine(t, backend)
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx))
	err := e.Start(ctx)
	require.ErrorIs(t, err, errFake)
	assert.Equal(t, StateInitialized, e.State())

	backend.client.mu.Lock()
	backend.client.startErr = nil
	backend.client.mu.Unlock()
	require.NoError(t, e.Start(ctx))
	assert.Equal(t, StateCapturing, e.State())
}

func TestEngine_FailedStopStaysCapturing(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	e := newTestEngine(t, backend)
	startEngine(t, e)

	backend.client.mu.Lock()
	backend.client.stopErr = errFake
	backend.client.mu.Unlock()

	err := e.Stop(context.Background())
	require.ErrorIs(t, err, errFake)
	assert.Equal(t, StateCapturing, e.State())

	// The pump is armed again.
	backend.client.deliver(Packet{Data: sequence(0, 8), Frames: 2})
	require.Eventually(t, func() bool { return e.Buffered() == 8 }, time.Second, time.Millisecond)

	backend.client.mu.Lock()
	backend.client.stopErr = nil
	backend.client.mu.Unlock()
	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, StateStopped, e.State())
}

func TestEngine_ActivationTimeout(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	backend.hold = make(chan struct{})
	cfg := DefaultConfig()
	cfg.OperationTimeout = 50 * time.Millisecond
	e := NewEngine(backend, cfg)
	defer e.Close(context.Background())

	err := e.Initialize(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateUninitialized, e.State())
	assert.Equal(t, 0, backend.users())

	// The late activation is released by its handler.
	close(backend.hold)
	<-backend.activated
	_, _, released := backend.client.counts()
	assert.Equal(t, 1, released)
}

func TestEngine_StartTimeoutRollsBack(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	release := make(chan struct{})
	backend.client.startHook = func() { <-release }
	cfg := DefaultConfig()
	cfg.OperationTimeout = 50 * time.Millisecond
	e := NewEngine(backend, cfg)
	defer e.Close(context.Background())
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx))
	err := e.Start(ctx)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateInitialized, e.State())

	// The client that started late is stopped again.
	close(release)
	require.Eventually(t, func() bool {
		_, stops, _ := backend.client.counts()
		return stops == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, StateInitialized, e.State())
}

func TestEngine_ContextCancellation(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	backend.hold = make(chan struct{})
	e := newTestEngine(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Initialize(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTimeout))
	close(backend.hold)
}

func TestEngine_RestartAfterStop(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	e := newTestEngine(t, backend)
	ctx := context.Background()

	startEngine(t, e)
	backend.client.deliver(Packet{Data: sequence(0, 40), Frames: 10})
	require.Eventually(t, func() bool { return e.Buffered() == 40 }, time.Second, time.Millisecond)
	require.NoError(t, e.Stop(ctx))

	require.NoError(t, e.Initialize(ctx))
	assert.Equal(t, StateInitialized, e.State())
	assert.Equal(t, 0, e.Buffered())
	assert.Equal(t, Stats{}, e.Stats())

	require.NoError(t, e.Start(ctx))
	backend.client.deliver(Packet{Data: sequence(7, 8), Frames: 2})
	require.Eventually(t, func() bool { return e.Buffered() == 8 }, time.Second, time.Millisecond)
	data, ok := e.TryReadBytes(8)
	require.True(t, ok)
	assert.Equal(t, sequence(7, 8), data)
}

func TestEngine_PumpErrorsAreReportedAndPumpContinues(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	e := newTestEngine(t, backend)

	var reported atomic.Int32
	e.SetPumpErrorHandler(func(err error) {
		if errors.Is(err, errFake) {
			reported.Add(1)
		}
	})
	startEngine(t, e)

	backend.client.capture.mu.Lock()
	backend.client.capture.getErr = errFake
	backend.client.capture.mu.Unlock()
	backend.client.deliver(Packet{Data: sequence(0, 40), Frames: 10})

	require.Eventually(t, func() bool { return reported.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), e.Stats().PumpFailures)

	backend.client.deliver(Packet{Data: sequence(0, 40), Frames: 10})
	require.Eventually(t, func() bool { return e.Buffered() == 40 }, time.Second, time.Millisecond)
	assert.False(t, e.Stats().Stalled)
}

func TestEngine_ShortPacketIsAPumpFailure(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	e := newTestEngine(t, backend)
	startEngine(t, e)

	backend.client.deliver(Packet{Data: make([]byte, 10), Frames: 10})
	require.Eventually(t, func() bool { return e.Stats().PumpFailures == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, e.Buffered())
	// Released even though the copy failed.
	assert.Equal(t, []uint32{10}, backend.client.capture.released())
}

func TestEngine_TryReadFrameTimestamps(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	e := newTestEngine(t, backend)
	startEngine(t, e)

	// 20ms at 192000 bytes per second.
	backend.client.deliver(Packet{Data: sequence(0, 3840), Frames: 960})
	require.Eventually(t, func() bool { return e.Buffered() == 3840 }, time.Second, time.Millisecond)

	first, ok := e.TryReadFrame(960)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), first.Timestamp)
	assert.Equal(t, sequence(0, 960), first.Data)

	second, ok := e.TryReadFrame(960)
	require.True(t, ok)
	assert.Equal(t, 5*time.Millisecond, second.Timestamp)

	_, ok = e.TryReadFrame(3840)
	assert.False(t, ok)
}

func TestEngine_CloseWhileCapturing(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	e := NewEngine(backend, DefaultConfig())
	startEngine(t, e)

	require.NoError(t, e.Close(context.Background()))
	assert.Equal(t, StateStopped, e.State())
	_, stops, released := backend.client.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, backend.users())

	// A closed engine ignores further use.
	require.NoError(t, e.Initialize(context.Background()))
	assert.Equal(t, StateStopped, e.State())
}

func TestEngine_CloseWhileInitialized(t *testing.T) {
	backend := newFakeBackend(pcm16Stereo48k())
	e := NewEngine(backend, DefaultConfig())
	require.NoError(t, e.Initialize(context.Background()))

	require.NoError(t, e.Close(context.Background()))
	assert.Equal(t, StateUninitialized, e.State())
	_, _, released := backend.client.counts()
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, backend.users())
}
