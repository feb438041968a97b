package voxcapture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// PortAudio is process-global: only the first user initializes it and only
// the last one terminates it.
var portAudioRuntime = NewSharedSubsystem(portaudio.Initialize, portaudio.Terminate)

// PortAudioBackend captures through PortAudio. PortAudio cannot tap an
// output device directly, so the loopback role captures from a loopback
// input device (BlackHole, Stereo Mix, a PulseAudio monitor, ...).
type PortAudioBackend struct {
	cfg Config
}

func NewPortAudioBackend(cfg Config) *PortAudioBackend {
	return &PortAudioBackend{cfg: cfg.withDefaults()}
}

func (b *PortAudioBackend) Startup() error  { return portAudioRuntime.Startup() }
func (b *PortAudioBackend) Shutdown() error { return portAudioRuntime.Shutdown() }

// ListDevices lists all PortAudio host APIs and their devices.
func (b *PortAudioBackend) ListDevices() ([]*portaudio.HostApiInfo, error) {
	return portaudio.HostApis()
}

func (b *PortAudioBackend) ActivateAsync(endpoint Endpoint, done ActivationHandler) error {
	index, err := strconv.Atoi(endpoint.ID)
	if err != nil {
		return fmt.Errorf("invalid PortAudio endpoint id %q: %w", endpoint.ID, err)
	}

	go func() {
		devices, err := portaudio.Devices()
		if err != nil {
			done(nil, err)
			return
		}
		for _, dev := range devices {
			if dev.Index == index {
				done(&portAudioClient{dev: dev, cfg: b.cfg}, nil)
				return
			}
		}
		done(nil, fmt.Errorf("PortAudio device %d (%s) disappeared", index, endpoint.Name))
	}()
	return nil
}

// portAudioClient delivers 32-bit float samples through a packetQueue.
type portAudioClient struct {
	dev *portaudio.DeviceInfo
	cfg Config

	mu      sync.Mutex
	format  MixFormat
	stream  *portaudio.Stream
	queue   *packetQueue
	scratch []byte
}

func (c *portAudioClient) MixFormat() (WaveFormat, error) {
	rate := c.cfg.SampleRate
	if rate == 0 {
		rate = uint32(c.dev.DefaultSampleRate)
	}
	channels := c.cfg.Channels
	if channels == 0 || int(channels) > c.dev.MaxInputChannels {
		channels = uint16(c.dev.MaxInputChannels)
	}
	if channels == 0 {
		return WaveFormat{}, fmt.Errorf("device %q has no input channels", c.dev.Name)
	}

	blockAlign := channels * 4
	return WaveFormat{
		FormatTag:      WaveFormatIEEEFloat,
		Channels:       channels,
		SamplesPerSec:  rate,
		AvgBytesPerSec: rate * uint32(blockAlign),
		BlockAlign:     blockAlign,
		BitsPerSample:  32,
	}, nil
}

func (c *portAudioClient) Initialize(mode ShareMode, flags StreamFlags, period time.Duration, wf WaveFormat) error {
	if mode != ShareModeShared {
		return errors.New("PortAudio supports shared mode only")
	}
	if flags&StreamFlagsEventCallback == 0 {
		return errors.New("PortAudio streams are event driven only")
	}
	format, err := ParseMixFormat(wf)
	if err != nil {
		return err
	}
	if format.Encoding != EncodingFloat || format.BitsPerSample != 32 {
		return fmt.Errorf("%w: PortAudio delivers 32-bit float", ErrUnsupportedFormat)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.format = format
	c.queue = newPacketQueue(format, period, c.cfg.DeviceBuffer)

	// Use low latency settings; the period drives callback granularity.
	params := portaudio.LowLatencyParameters(c.dev, nil)
	params.Input.Channels = int(format.Channels)
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = int(int64(format.SampleRate) * int64(period) / int64(time.Second))

	stream, err := portaudio.OpenStream(params, c.process)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	c.stream = stream
	return nil
}

// process runs on the PortAudio callback thread.
func (c *portAudioClient) process(input []float32) {
	n := len(input) * 4
	if cap(c.scratch) < n {
		c.scratch = make([]byte, n)
	}
	buf := c.scratch[:n]
	for i, v := range input {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	c.queue.push(buf)
}

func (c *portAudioClient) CaptureClient() (CaptureClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue == nil {
		return nil, errors.New("client not initialized")
	}
	return c.queue, nil
}

func (c *portAudioClient) SetEventHandle(ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue == nil {
		return errors.New("client not initialized")
	}
	c.queue.setEvent(ev)
	return nil
}

func (c *portAudioClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return errors.New("client not initialized")
	}
	if err := c.stream.Start(); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	return nil
}

func (c *portAudioClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	if err := c.stream.Stop(); err != nil {
		return fmt.Errorf("failed to stop stream: %w", err)
	}
	return nil
}

func (c *portAudioClient) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
}
