package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/oszuidwest/zwfm-mixrecorder/internal/audio"
	"github.com/oszuidwest/zwfm-mixrecorder/internal/config"
)

// deviceList returns the catalog listing for dir.
func deviceList(cat *audio.Catalog, dir audio.Direction) []audio.Device {
	if dir == audio.Render {
		return cat.RenderDevices()
	}
	return cat.CaptureDevices()
}

// configuredIndex resolves a configured device role to a catalog index for
// recording.StartDevices: nil when the role is unused, audio.DefaultIndex
// when it follows the system default.
func configuredIndex(cat *audio.Catalog, dir audio.Direction, d config.DeviceSnapshot) (*int, error) {
	if !d.Used() {
		return nil, nil
	}
	if d.ID == "" {
		idx := audio.DefaultIndex
		return &idx, nil
	}
	for i, dev := range deviceList(cat, dir) {
		if dev.ID == d.ID {
			return &i, nil
		}
	}
	return nil, fmt.Errorf("%w: configured %s device %q", audio.ErrDeviceNotFound, dir, d.ID)
}

// configuredIndices resolves both configured device roles.
func configuredIndices(cat *audio.Catalog, cfg *config.Snapshot) (capture, render *int, err error) {
	if capture, err = configuredIndex(cat, audio.Capture, cfg.Capture); err != nil {
		return nil, nil, err
	}
	if render, err = configuredIndex(cat, audio.Render, cfg.Render); err != nil {
		return nil, nil, err
	}
	return capture, render, nil
}

// selectionID converts a requested catalog index back into the ID stored in
// the configuration.
func selectionID(cat *audio.Catalog, dir audio.Direction, idx *int) (string, error) {
	switch {
	case idx == nil:
		return config.DeviceNone, nil
	case *idx == audio.DefaultIndex:
		return "", nil
	}
	dev, err := cat.ByIndex(dir, *idx)
	if err != nil {
		return "", err
	}
	return dev.ID, nil
}

// printDevices writes the catalog in the order used by device indices.
func printDevices(w io.Writer, cat *audio.Catalog) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, section := range []struct {
		title string
		dir   audio.Direction
	}{
		{"Capture devices", audio.Capture},
		{"Render devices (loopback)", audio.Render},
	} {
		fmt.Fprintf(tw, "%s:\n", section.title)
		devs := deviceList(cat, section.dir)
		if len(devs) == 0 {
			fmt.Fprintln(tw, "  (none)")
		}
		for i, dev := range devs {
			mark := ""
			if dev.IsDefault {
				mark = "default"
			}
			fmt.Fprintf(tw, "  [%d]\t%s\t%s\t%s\n", i, dev.Name, mark, dev.ID)
		}
	}
	return tw.Flush()
}
