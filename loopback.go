package voxcapture

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// Name fragments of input devices that carry what the system plays.
var loopbackDeviceHints = []string{"BlackHole", "Loopback", "Stereo Mix", "Monitor of", "Soundflower"}

// DefaultEndpoint resolves the input device to capture for role.
// A configured device name wins (exact match first, then substring);
// otherwise the loopback role picks the first loopback input device and
// the capture role picks the default input device.
func (b *PortAudioBackend) DefaultEndpoint(role DeviceRole) (Endpoint, error) {
	apis, err := portaudio.HostApis()
	if err != nil {
		return Endpoint{}, err
	}

	var selected *portaudio.DeviceInfo
	if name := b.cfg.DeviceName; name != "" {
		selected = findInputDevice(apis, func(dev *portaudio.DeviceInfo) bool {
			return dev.Name == name
		})
		if selected == nil {
			selected = findInputDevice(apis, func(dev *portaudio.DeviceInfo) bool {
				return strings.Contains(dev.Name, name)
			})
		}
		if selected == nil {
			return Endpoint{}, fmt.Errorf("specified input device not found: %s", name)
		}
	} else if role == RoleRenderLoopback {
		selected = findInputDevice(apis, isLoopbackDevice)
		if selected == nil {
			return Endpoint{}, fmt.Errorf("no loopback input device found, install a virtual loopback device such as BlackHole")
		}
	} else {
		selected, err = portaudio.DefaultInputDevice()
		if err != nil {
			return Endpoint{}, err
		}
		if selected == nil || selected.MaxInputChannels == 0 {
			return Endpoint{}, fmt.Errorf("no default input device")
		}
	}

	return Endpoint{
		ID:   strconv.Itoa(selected.Index),
		Name: selected.Name,
		Role: role,
	}, nil
}

func isLoopbackDevice(dev *portaudio.DeviceInfo) bool {
	for _, hint := range loopbackDeviceHints {
		if strings.Contains(dev.Name, hint) {
			return true
		}
	}
	return false
}

func findInputDevice(apis []*portaudio.HostApiInfo, match func(*portaudio.DeviceInfo) bool) *portaudio.DeviceInfo {
	for _, api := range apis {
		for _, dev := range api.Devices {
			if dev.MaxInputChannels > 0 && match(dev) {
				return dev
			}
		}
	}
	return nil
}
