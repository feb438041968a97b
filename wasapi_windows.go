//go:build windows

package voxcapture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/google/uuid"
	"github.com/moutend/go-wca/pkg/wca"
	"golang.org/x/sys/windows"
)

// Audioclient.h and winerror.h values.
const (
	streamFlagsNoPersist         = 0x00080000
	bufferFlagsDataDiscontinuity = 0x1
	bufferFlagsSilent            = 0x2
	bufferFlagsTimestampError    = 0x4
	sFalse                       = 0x1
)

// COM is initialized once for the process in the multithreaded apartment.
var comRuntime = NewSharedSubsystem(func() error {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		var oleErr *ole.OleError
		if errors.As(err, &oleErr) && oleErr.Code() == sFalse {
			return nil
		}
		return err
	}
	return nil
}, func() error {
	ole.CoUninitialize()
	return nil
})

// WASAPIBackend captures through WASAPI in shared, event-driven mode. The
// loopback role taps the default render endpoint.
type WASAPIBackend struct{}

func NewWASAPIBackend() *WASAPIBackend {
	return &WASAPIBackend{}
}

func (b *WASAPIBackend) Startup() error  { return comRuntime.Startup() }
func (b *WASAPIBackend) Shutdown() error { return comRuntime.Shutdown() }

func dataFlow(role DeviceRole) uint32 {
	if role == RoleRenderLoopback {
		return wca.ERender
	}
	return wca.ECapture
}

func defaultDevice(role DeviceRole) (*wca.IMMDevice, error) {
	var de *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &de); err != nil {
		return nil, fmt.Errorf("CoCreateInstance for IMMDeviceEnumerator failed: %w", err)
	}
	defer de.Release()

	var mmd *wca.IMMDevice
	if err := de.GetDefaultAudioEndpoint(dataFlow(role), wca.EConsole, &mmd); err != nil {
		return nil, fmt.Errorf("GetDefaultAudioEndpoint failed: %w", err)
	}
	return mmd, nil
}

func (b *WASAPIBackend) DefaultEndpoint(role DeviceRole) (Endpoint, error) {
	mmd, err := defaultDevice(role)
	if err != nil {
		return Endpoint{}, err
	}
	defer mmd.Release()

	var id string
	if err := mmd.GetId(&id); err != nil {
		return Endpoint{}, fmt.Errorf("GetId failed: %w", err)
	}

	name := id
	var ps *wca.IPropertyStore
	if err := mmd.OpenPropertyStore(wca.STGM_READ, &ps); err == nil {
		var pv wca.PROPVARIANT
		if err := ps.GetValue(&wca.PKEY_Device_FriendlyName, &pv); err == nil {
			name = pv.String()
		}
		ps.Release()
	}

	return Endpoint{ID: id, Name: name, Role: role}, nil
}

func (b *WASAPIBackend) ActivateAsync(endpoint Endpoint, done ActivationHandler) error {
	go func() {
		mmd, err := defaultDevice(endpoint.Role)
		if err != nil {
			done(nil, err)
			return
		}
		defer mmd.Release()

		var ac *wca.IAudioClient
		if err := mmd.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &ac); err != nil {
			done(nil, fmt.Errorf("Activate IAudioClient failed: %w", err))
			return
		}
		done(&wasapiClient{ac: ac}, nil)
	}()
	return nil
}

type wasapiClient struct {
	ac *wca.IAudioClient

	mu         sync.Mutex
	raw        []byte // copy of the mix format, passed back to Initialize
	blockAlign uint16
	event      windows.Handle
	quit       chan struct{}
	wg         sync.WaitGroup
}

func (c *wasapiClient) MixFormat() (WaveFormat, error) {
	var wfx *wca.WAVEFORMATEX
	if err := c.ac.GetMixFormat(&wfx); err != nil {
		return WaveFormat{}, fmt.Errorf("GetMixFormat failed: %w", err)
	}
	if wfx == nil {
		return WaveFormat{}, errors.New("GetMixFormat returned a nil format")
	}
	defer ole.CoTaskMemFree(uintptr(unsafe.Pointer(wfx)))

	wf := WaveFormat{
		FormatTag:      wfx.WFormatTag,
		Channels:       wfx.NChannels,
		SamplesPerSec:  wfx.NSamplesPerSec,
		AvgBytesPerSec: wfx.NAvgBytesPerSec,
		BlockAlign:     wfx.NBlockAlign,
		BitsPerSample:  wfx.WBitsPerSample,
	}

	// WAVEFORMATEX is 18 bytes packed; the extensible tail follows it.
	base := unsafe.Pointer(wfx)
	size := 18 + int(wfx.CbSize)
	if wfx.WFormatTag == WaveFormatExtensible && wfx.CbSize >= 22 {
		wf.ValidBitsPerSample = *(*uint16)(unsafe.Add(base, 18))
		wf.ChannelMask = *(*uint32)(unsafe.Add(base, 20))
		wf.SubFormat = guidToUUID(*(*ole.GUID)(unsafe.Add(base, 24)))
	}

	c.mu.Lock()
	c.raw = append([]byte(nil), unsafe.Slice((*byte)(base), size)...)
	c.blockAlign = wfx.NBlockAlign
	c.mu.Unlock()

	return wf, nil
}

// guidToUUID converts a Windows GUID to its canonical RFC 4122 byte order.
func guidToUUID(g ole.GUID) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], g.Data1)
	binary.BigEndian.PutUint16(u[4:6], g.Data2)
	binary.BigEndian.PutUint16(u[6:8], g.Data3)
	copy(u[8:], g.Data4[:])
	return u
}

func (c *wasapiClient) Initialize(mode ShareMode, flags StreamFlags, period time.Duration, wf WaveFormat) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.raw == nil {
		return errors.New("mix format not retrieved")
	}

	shareMode := uint32(wca.AUDCLNT_SHAREMODE_SHARED)
	if mode == ShareModeExclusive {
		shareMode = wca.AUDCLNT_SHAREMODE_EXCLUSIVE
	}
	var streamFlags uint32
	if flags&StreamFlagsEventCallback != 0 {
		streamFlags |= wca.AUDCLNT_STREAMFLAGS_EVENTCALLBACK
	}
	if flags&StreamFlagsLoopback != 0 {
		streamFlags |= wca.AUDCLNT_STREAMFLAGS_LOOPBACK
	}
	if flags&StreamFlagsNoPersist != 0 {
		streamFlags |= streamFlagsNoPersist
	}

	// REFERENCE_TIME is in 100ns units.
	duration := wca.REFERENCE_TIME(period / 100)
	format := (*wca.WAVEFORMATEX)(unsafe.Pointer(&c.raw[0]))
	if err := c.ac.Initialize(shareMode, streamFlags, duration, 0, format, nil); err != nil {
		return fmt.Errorf("IAudioClient Initialize failed: %w", err)
	}
	return nil
}

func (c *wasapiClient) CaptureClient() (CaptureClient, error) {
	var cc *wca.IAudioCaptureClient
	if err := c.ac.GetService(wca.IID_IAudioCaptureClient, &cc); err != nil {
		return nil, fmt.Errorf("GetService for IAudioCaptureClient failed: %w", err)
	}
	c.mu.Lock()
	blockAlign := c.blockAlign
	c.mu.Unlock()
	return &wasapiCaptureClient{cc: cc, blockAlign: uint32(blockAlign)}, nil
}

// SetEventHandle gives WASAPI a Win32 event and relays its signals to ev.
func (c *wasapiClient) SetEventHandle(ev *Event) error {
	h, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return fmt.Errorf("CreateEvent failed: %w", err)
	}
	if err := c.ac.SetEventHandle(uintptr(h)); err != nil {
		windows.CloseHandle(h)
		return fmt.Errorf("SetEventHandle failed: %w", err)
	}

	c.mu.Lock()
	c.event = h
	c.quit = make(chan struct{})
	quit := c.quit
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-quit:
				return
			default:
			}
			r, err := windows.WaitForSingleObject(h, 100)
			if err != nil {
				return
			}
			if r == windows.WAIT_OBJECT_0 {
				ev.Signal()
			}
		}
	}()
	return nil
}

func (c *wasapiClient) Start() error {
	if err := c.ac.Start(); err != nil {
		return fmt.Errorf("IAudioClient Start failed: %w", err)
	}
	return nil
}

func (c *wasapiClient) Stop() error {
	if err := c.ac.Stop(); err != nil {
		return fmt.Errorf("IAudioClient Stop failed: %w", err)
	}
	return nil
}

func (c *wasapiClient) Release() {
	c.mu.Lock()
	quit := c.quit
	h := c.event
	c.quit = nil
	c.event = 0
	c.mu.Unlock()

	if quit != nil {
		close(quit)
		c.wg.Wait()
	}
	if h != 0 {
		windows.CloseHandle(h)
	}
	c.ac.Release()
}

type wasapiCaptureClient struct {
	cc         *wca.IAudioCaptureClient
	blockAlign uint32
}

func (c *wasapiCaptureClient) NextPacketSize() (uint32, error) {
	var frames uint32
	if err := c.cc.GetNextPacketSize(&frames); err != nil {
		return 0, err
	}
	return frames, nil
}

func (c *wasapiCaptureClient) GetBuffer() (Packet, error) {
	var (
		data           *byte
		frames, flags  uint32
		devicePosition uint64
		qpcPosition    uint64
	)
	if err := c.cc.GetBuffer(&data, &frames, &flags, &devicePosition, &qpcPosition); err != nil {
		return Packet{}, err
	}

	pkt := Packet{
		Frames:         frames,
		DevicePosition: devicePosition,
		QPCPosition:    qpcPosition,
	}
	if flags&bufferFlagsDataDiscontinuity != 0 {
		pkt.Flags |= BufferFlagsDataDiscontinuity
	}
	if flags&bufferFlagsSilent != 0 {
		pkt.Flags |= BufferFlagsSilent
	}
	if flags&bufferFlagsTimestampError != 0 {
		pkt.Flags |= BufferFlagsTimestampError
	}
	if data != nil && frames > 0 {
		pkt.Data = unsafe.Slice(data, int(frames*c.blockAlign))
	}
	return pkt, nil
}

func (c *wasapiCaptureClient) ReleaseBuffer(frames uint32) error {
	return c.cc.ReleaseBuffer(frames)
}

func (c *wasapiCaptureClient) Release() {
	c.cc.Release()
}
