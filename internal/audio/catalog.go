package audio

import (
	"fmt"
	"log/slog"
	"slices"
)

// Catalog is a snapshot of the available capture and render endpoints.
// It is immutable after construction; create a new Catalog to re-enumerate.
type Catalog struct {
	capture []Device
	render  []Device
}

// NewCatalog enumerates the endpoints of b. Endpoints that cannot be queried
// are skipped. A direction that cannot be listed at all yields no devices.
func NewCatalog(b Backend) *Catalog {
	return &Catalog{
		capture: listDevices(b, Capture),
		render:  listDevices(b, Render),
	}
}

func listDevices(b Backend, dir Direction) []Device {
	ids, err := b.Enumerate(dir)
	if err != nil {
		slog.Warn("failed to enumerate audio devices", "direction", dir, "backend", b.Name(), "error", err)
		return nil
	}

	devices := make([]Device, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		dev, err := b.Describe(dir, id)
		if err != nil {
			slog.Warn("skipping audio device", "direction", dir, "id", id, "error", err)
			continue
		}
		seen[id] = struct{}{}
		devices = append(devices, dev)
	}
	return devices
}

// CaptureDevices returns the capture endpoints in enumeration order.
func (c *Catalog) CaptureDevices() []Device {
	return slices.Clone(c.capture)
}

// RenderDevices returns the render endpoints in enumeration order.
func (c *Catalog) RenderDevices() []Device {
	return slices.Clone(c.render)
}

// DefaultCapture returns the system default capture endpoint.
func (c *Catalog) DefaultCapture() (Device, bool) {
	return defaultDevice(c.capture)
}

// DefaultRender returns the system default render endpoint.
func (c *Catalog) DefaultRender() (Device, bool) {
	return defaultDevice(c.render)
}

// defaultDevice returns the device flagged as default, falling back to the
// first one when the backend flags none.
func defaultDevice(devices []Device) (Device, bool) {
	if len(devices) == 0 {
		return Device{}, false
	}
	if i := slices.IndexFunc(devices, func(d Device) bool { return d.IsDefault }); i >= 0 {
		return devices[i], true
	}
	return devices[0], true
}

// Lookup returns the device with the given ID.
func (c *Catalog) Lookup(dir Direction, id string) (Device, error) {
	for _, d := range c.devices(dir) {
		if d.ID == id {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%s device %q: %w", dir, id, ErrDeviceNotFound)
}

// ByIndex returns the device at index i, or the default device when i is DefaultIndex.
func (c *Catalog) ByIndex(dir Direction, i int) (Device, error) {
	devices := c.devices(dir)
	if i == DefaultIndex {
		if d, ok := defaultDevice(devices); ok {
			return d, nil
		}
		return Device{}, fmt.Errorf("no default %s device: %w", dir, ErrDeviceNotFound)
	}
	if i < 0 || i >= len(devices) {
		return Device{}, fmt.Errorf("%s device index %d: %w", dir, i, ErrDeviceNotFound)
	}
	return devices[i], nil
}

// DefaultIndex selects the default device in ByIndex.
const DefaultIndex = -1

func (c *Catalog) devices(dir Direction) []Device {
	if dir == Render {
		return c.render
	}
	return c.capture
}
