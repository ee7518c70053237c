// Package camera owns the live device stream used in camera mode.
package camera

import (
	"context"
	"image"
)

// Facing tells which way a device points.
type Facing string

const (
	FacingEnvironment Facing = "environment"
	FacingUser        Facing = "user"
	FacingUnknown     Facing = "unknown"
)

// ParseFacing maps configuration values onto a Facing.
func ParseFacing(raw string) Facing {
	switch Facing(raw) {
	case FacingEnvironment, FacingUser:
		return Facing(raw)
	default:
		return FacingUnknown
	}
}

// Device is a camera that can be opened into a Stream.
type Device interface {
	ID() string
	Facing() Facing
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open device. Frame returns the frame currently shown; Close
// releases the device.
type Stream interface {
	Frame(ctx context.Context) (image.Image, error)
	Close() error
}

// Provider enumerates the devices the service may use.
type Provider interface {
	Devices(ctx context.Context) ([]Device, error)
}

// StaticProvider serves a fixed device list, typically built from configuration.
type StaticProvider []Device

func (p StaticProvider) Devices(context.Context) ([]Device, error) {
	return append([]Device(nil), p...), nil
}

// preferEnvironment picks the first environment-facing device, else the first
// device.
func preferEnvironment(devices []Device) Device {
	if len(devices) == 0 {
		return nil
	}
	for _, d := range devices {
		if d.Facing() == FacingEnvironment {
			return d
		}
	}
	return devices[0]
}
