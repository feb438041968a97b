package voxcapture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPeriodicity  = 20 * time.Millisecond
	defaultDeviceBuffer = time.Second
)

// Config configures an Engine and the backends.
type Config struct {
	Role             DeviceRole    // Which default endpoint to capture
	DeviceName       string        // Name hint for backends that search devices by name
	Periodicity      time.Duration // Device event period, e.g. 20ms
	OperationTimeout time.Duration // Bound on Initialize, Start and Stop
	SampleRate       uint32        // Requested rate for backends that choose their own format, 0 = device default
	Channels         uint16        // Requested channels for backends that choose their own format, 0 = device default
	DeviceBuffer     time.Duration // Capacity of callback-backend device buffers
}

// DefaultConfig returns a loopback capture configuration with a 20ms period
// and a 3 second operation timeout.
func DefaultConfig() Config {
	return Config{
		Role:             RoleRenderLoopback,
		Periodicity:      defaultPeriodicity,
		OperationTimeout: DefaultOperationTimeout,
		DeviceBuffer:     defaultDeviceBuffer,
	}
}

func (c Config) withDefaults() Config {
	if c.Periodicity <= 0 {
		c.Periodicity = defaultPeriodicity
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.DeviceBuffer <= 0 {
		c.DeviceBuffer = defaultDeviceBuffer
	}
	return c
}

// LoadConfig loads the given .env files (".env" when none are given; missing
// files are skipped) and builds a Config from VOXCAPTURE_* variables on top
// of DefaultConfig. Variables already present in the environment win.
func LoadConfig(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := DefaultConfig()

	if v := os.Getenv("VOXCAPTURE_ROLE"); v != "" {
		switch strings.ToLower(v) {
		case "capture", "mic", "microphone":
			cfg.Role = RoleCapture
		case "loopback", "render":
			cfg.Role = RoleRenderLoopback
		default:
			return Config{}, fmt.Errorf("invalid VOXCAPTURE_ROLE %q", v)
		}
	}
	cfg.DeviceName = os.Getenv("VOXCAPTURE_DEVICE")

	var err error
	if cfg.Periodicity, err = envDuration("VOXCAPTURE_PERIOD", cfg.Periodicity); err != nil {
		return Config{}, err
	}
	if cfg.OperationTimeout, err = envDuration("VOXCAPTURE_TIMEOUT", cfg.OperationTimeout); err != nil {
		return Config{}, err
	}
	if cfg.DeviceBuffer, err = envDuration("VOXCAPTURE_DEVICE_BUFFER", cfg.DeviceBuffer); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("VOXCAPTURE_SAMPLE_RATE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("invalid VOXCAPTURE_SAMPLE_RATE %q: %w", v, err)
		}
		cfg.SampleRate = uint32(n)
	}
	if v := os.Getenv("VOXCAPTURE_CHANNELS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return Config{}, fmt.Errorf("invalid VOXCAPTURE_CHANNELS %q: %w", v, err)
		}
		cfg.Channels = uint16(n)
	}

	return cfg, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, v)
	}
	return d, nil
}
