package voxcapture

import "time"

// DeviceRole selects which default endpoint is captured.
type DeviceRole int

const (
	// RoleCapture captures the default input device (microphone).
	RoleCapture DeviceRole = iota
	// RoleRenderLoopback captures what the default output device plays.
	RoleRenderLoopback
)

func (r DeviceRole) String() string {
	if r == RoleRenderLoopback {
		return "loopback"
	}
	return "capture"
}

// Endpoint identifies a resolved audio device.
type Endpoint struct {
	ID   string
	Name string
	Role DeviceRole
}

// EndpointResolver resolves the default endpoint for a role.
type EndpointResolver interface {
	DefaultEndpoint(role DeviceRole) (Endpoint, error)
}

// ActivationHandler receives the outcome of an asynchronous activation. It
// may be called on any goroutine, exactly once.
type ActivationHandler func(client AudioClient, err error)

// Activator starts asynchronous activation of an audio client on an endpoint.
// If ActivateAsync returns an error the handler is never called.
type Activator interface {
	ActivateAsync(endpoint Endpoint, done ActivationHandler) error
}

// Subsystem is a process-level audio runtime that must be started before
// use and shut down afterwards.
type Subsystem interface {
	Startup() error
	Shutdown() error
}

// Backend bundles the collaborators an Engine needs from a platform.
type Backend interface {
	Subsystem
	EndpointResolver
	Activator
}

// ShareMode of an audio client stream.
type ShareMode int

const (
	ShareModeShared ShareMode = iota
	ShareModeExclusive
)

// StreamFlags configure audio client initialization.
type StreamFlags uint32

const (
	StreamFlagsEventCallback StreamFlags = 1 << iota
	StreamFlagsLoopback
	StreamFlagsNoPersist
)

// AudioClient is an activated, not yet started, device stream.
type AudioClient interface {
	MixFormat() (WaveFormat, error)
	Initialize(mode ShareMode, flags StreamFlags, period time.Duration, format WaveFormat) error
	CaptureClient() (CaptureClient, error)
	// SetEventHandle registers the event the device signals whenever a
	// buffer is ready.
	SetEventHandle(ev *Event) error
	Start() error
	Stop() error
	Release()
}

// BufferFlags describe a captured packet.
type BufferFlags uint32

const (
	BufferFlagsDataDiscontinuity BufferFlags = 1 << iota
	BufferFlagsSilent
	BufferFlagsTimestampError
)

// Packet is one device-delivered buffer. Data is owned by the device and
// is valid only until ReleaseBuffer.
type Packet struct {
	Data           []byte
	Frames         uint32
	Flags          BufferFlags
	DevicePosition uint64
	QPCPosition    uint64
}

// CaptureClient reads packets from a started audio client.
type CaptureClient interface {
	NextPacketSize() (uint32, error)
	GetBuffer() (Packet, error)
	ReleaseBuffer(frames uint32) error
	Release()
}
