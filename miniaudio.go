package voxcapture

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

const (
	miniaudioDefaultRate     = 48000
	miniaudioDefaultChannels = 2
)

// MiniaudioBackend captures through miniaudio. It delivers 16-bit PCM and
// supports native loopback capture where miniaudio does (WASAPI).
type MiniaudioBackend struct {
	cfg      Config
	backends []malgo.Backend
	runtime  *SharedSubsystem

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	devices map[string]malgo.DeviceID
}

// NewMiniaudioBackend creates a backend restricted to the given miniaudio
// backends, or miniaudio's default order when none are given.
func NewMiniaudioBackend(cfg Config, backends ...malgo.Backend) *MiniaudioBackend {
	b := &MiniaudioBackend{
		cfg:      cfg.withDefaults(),
		backends: backends,
		devices:  make(map[string]malgo.DeviceID),
	}
	b.runtime = NewSharedSubsystem(b.initContext, b.uninitContext)
	return b
}

func (b *MiniaudioBackend) Startup() error  { return b.runtime.Startup() }
func (b *MiniaudioBackend) Shutdown() error { return b.runtime.Shutdown() }

func (b *MiniaudioBackend) initContext() error {
	ctx, err := malgo.InitContext(b.backends, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init malgo context: %w", err)
	}
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
	return nil
}

func (b *MiniaudioBackend) uninitContext() error {
	b.mu.Lock()
	ctx := b.ctx
	b.ctx = nil
	b.devices = make(map[string]malgo.DeviceID)
	b.mu.Unlock()

	if ctx == nil {
		return nil
	}
	err := ctx.Uninit()
	ctx.Free()
	return err
}

func (b *MiniaudioBackend) context() (*malgo.AllocatedContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return nil, errors.New("malgo context not initialized")
	}
	return b.ctx, nil
}

// DefaultEndpoint resolves the default input device, or the default output
// device for loopback. A configured device name is matched by substring.
func (b *MiniaudioBackend) DefaultEndpoint(role DeviceRole) (Endpoint, error) {
	ctx, err := b.context()
	if err != nil {
		return Endpoint{}, err
	}

	kind := malgo.Capture
	if role == RoleRenderLoopback {
		kind = malgo.Playback
	}
	infos, err := ctx.Devices(kind)
	if err != nil {
		return Endpoint{}, fmt.Errorf("list devices: %w", err)
	}

	var selected *malgo.DeviceInfo
	for i := range infos {
		info := &infos[i]
		if b.cfg.DeviceName != "" {
			if strings.Contains(info.Name(), b.cfg.DeviceName) {
				selected = info
				break
			}
			continue
		}
		if info.IsDefault != 0 {
			selected = info
			break
		}
	}

	if selected == nil {
		if b.cfg.DeviceName != "" {
			return Endpoint{}, fmt.Errorf("specified device not found: %s", b.cfg.DeviceName)
		}
		// Let miniaudio pick the default device itself.
		return Endpoint{Name: "default", Role: role}, nil
	}

	id := selected.ID.String()
	b.mu.Lock()
	b.devices[id] = selected.ID
	b.mu.Unlock()

	return Endpoint{ID: id, Name: selected.Name(), Role: role}, nil
}

func (b *MiniaudioBackend) ActivateAsync(endpoint Endpoint, done ActivationHandler) error {
	ctx, err := b.context()
	if err != nil {
		return err
	}

	var id *malgo.DeviceID
	if endpoint.ID != "" {
		b.mu.Lock()
		devID, ok := b.devices[endpoint.ID]
		b.mu.Unlock()
		if !ok {
			return fmt.Errorf("unknown miniaudio endpoint %q", endpoint.ID)
		}
		id = &devID
	}

	go done(&miniaudioClient{ctx: ctx, cfg: b.cfg, id: id, role: endpoint.Role}, nil)
	return nil
}

// miniaudioClient delivers 16-bit PCM through a packetQueue.
type miniaudioClient struct {
	ctx  *malgo.AllocatedContext
	cfg  Config
	id   *malgo.DeviceID
	role DeviceRole

	mu     sync.Mutex
	device *malgo.Device
	queue  *packetQueue
}

func (c *miniaudioClient) MixFormat() (WaveFormat, error) {
	rate := c.cfg.SampleRate
	if rate == 0 {
		rate = miniaudioDefaultRate
	}
	channels := c.cfg.Channels
	if channels == 0 {
		channels = miniaudioDefaultChannels
	}
	blockAlign := channels * 2
	return WaveFormat{
		FormatTag:      WaveFormatPCM,
		Channels:       channels,
		SamplesPerSec:  rate,
		AvgBytesPerSec: rate * uint32(blockAlign),
		BlockAlign:     blockAlign,
		BitsPerSample:  16,
	}, nil
}

func (c *miniaudioClient) Initialize(mode ShareMode, flags StreamFlags, period time.Duration, wf WaveFormat) error {
	format, err := ParseMixFormat(wf)
	if err != nil {
		return err
	}
	if format.Encoding != EncodingPCM || format.BitsPerSample != 16 {
		return fmt.Errorf("%w: miniaudio client delivers 16-bit PCM", ErrUnsupportedFormat)
	}

	kind := malgo.Capture
	if flags&StreamFlagsLoopback != 0 {
		kind = malgo.Loopback
	}
	deviceConfig := malgo.DefaultDeviceConfig(kind)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = format.SampleRate
	deviceConfig.PeriodSizeInMilliseconds = uint32(period / time.Millisecond)
	if mode == ShareModeExclusive {
		deviceConfig.Capture.ShareMode = malgo.Exclusive
	} else {
		deviceConfig.Capture.ShareMode = malgo.Shared
	}
	if c.id != nil {
		deviceConfig.Capture.DeviceID = c.id.Pointer()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	queue := newPacketQueue(format, period, c.cfg.DeviceBuffer)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			queue.push(input)
		},
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("init device: %w", err)
	}
	c.device = device
	c.queue = queue
	return nil
}

func (c *miniaudioClient) CaptureClient() (CaptureClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue == nil {
		return nil, errors.New("client not initialized")
	}
	return c.queue, nil
}

func (c *miniaudioClient) SetEventHandle(ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue == nil {
		return errors.New("client not initialized")
	}
	c.queue.setEvent(ev)
	return nil
}

func (c *miniaudioClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return errors.New("client not initialized")
	}
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("start device: %w", err)
	}
	return nil
}

func (c *miniaudioClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return nil
	}
	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("stop device: %w", err)
	}
	return nil
}

func (c *miniaudioClient) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
}
