package voxcapture

import (
	"context"
	"fmt"
)

// device holds everything acquired by a successful negotiation. It is
// created by Initialize and released by Stop or Close.
type device struct {
	lease    *subsystemLease
	endpoint Endpoint
	client   AudioClient
	capture  CaptureClient
	ready    *Event
	wave     WaveFormat
	format   MixFormat
}

// releaseHandles releases the capture and audio clients but keeps the
// subsystem lease.
func (d *device) releaseHandles() {
	if d.capture != nil {
		d.capture.Release()
		d.capture = nil
	}
	if d.client != nil {
		d.client.Release()
		d.client = nil
	}
}

func (d *device) release() error {
	d.releaseHandles()
	return d.lease.release()
}

// negotiate activates the default endpoint for the configured role and
// primes its audio client for event-driven shared-mode capture. On failure
// nothing acquired along the way survives.
func (e *Engine) negotiate(ctx context.Context) (*device, error) {
	lease, err := acquireSubsystem(e.backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	endpoint, err := e.backend.DefaultEndpoint(e.cfg.Role)
	if err != nil {
		e.releaseLease(lease)
		return nil, fmt.Errorf("%w: resolve default %s endpoint: %w", ErrDeviceUnavailable, e.cfg.Role, err)
	}

	e.logger.Debug("activating audio endpoint", "endpoint", endpoint.Name, "id", endpoint.ID, "role", endpoint.Role.String())

	done := newCompletion()
	var dev *device
	err = e.backend.ActivateAsync(endpoint, func(client AudioClient, err error) {
		var d *device
		if err != nil {
			err = fmt.Errorf("%w: activate %q: %w", ErrDeviceUnavailable, endpoint.Name, err)
		} else {
			d, err = e.configureClient(endpoint, client)
		}
		if err == nil {
			dev = d
		}
		if !done.complete(err) && d != nil {
			e.logger.Warn("audio endpoint activated after timeout, releasing it", "endpoint", endpoint.Name)
			d.releaseHandles()
		}
	})
	if err != nil {
		e.releaseLease(lease)
		return nil, fmt.Errorf("%w: activate %q: %w", ErrDeviceUnavailable, endpoint.Name, err)
	}

	if err := done.wait(ctx, e.cfg.OperationTimeout, "activate audio interface"); err != nil {
		e.releaseLease(lease)
		return nil, err
	}

	dev.lease = lease
	return dev, nil
}

// configureClient runs on the activation goroutine. It reads and validates
// the mix format, initializes the client and registers the ready event.
func (e *Engine) configureClient(endpoint Endpoint, client AudioClient) (*device, error) {
	dev := &device{endpoint: endpoint, client: client}

	wave, err := client.MixFormat()
	if err != nil {
		dev.releaseHandles()
		return nil, fmt.Errorf("%w: get mix format: %w", ErrDeviceUnavailable, err)
	}
	format, err := ParseMixFormat(wave)
	if err != nil {
		dev.releaseHandles()
		return nil, err
	}
	dev.wave = wave
	dev.format = format

	flags := StreamFlagsEventCallback | StreamFlagsNoPersist
	if endpoint.Role == RoleRenderLoopback {
		flags |= StreamFlagsLoopback
	}
	if err := client.Initialize(ShareModeShared, flags, e.cfg.Periodicity, wave); err != nil {
		dev.releaseHandles()
		return nil, fmt.Errorf("initialize audio client: %w", err)
	}

	capture, err := client.CaptureClient()
	if err != nil {
		dev.releaseHandles()
		return nil, fmt.Errorf("get capture client: %w", err)
	}
	dev.capture = capture

	dev.ready = NewEvent()
	if err := client.SetEventHandle(dev.ready); err != nil {
		dev.releaseHandles()
		return nil, fmt.Errorf("set event handle: %w", err)
	}

	return dev, nil
}

func (e *Engine) releaseLease(lease *subsystemLease) {
	if err := lease.release(); err != nil {
		e.logger.Warn("failed to release audio subsystem", "error", err)
	}
}
