// Package tuntap wraps the virtual network device handed over by the
// privileged monitor.
package tuntap

import (
	"fmt"
	"os"

	"mlvpn/internal/frame"
)

// Opener allocates a device. privsep.Client satisfies it.
type Opener interface {
	OpenTun(mode, name string, mtu int) (*os.File, string, error)
}

// Device reads and writes whole packets. Every Read returns exactly one
// packet and every Write sends exactly one.
type Device struct {
	f    *os.File
	name string
	mode frame.Mode
	mtu  int
}

// Open asks o for a device of the given mode and name.
func Open(o Opener, mode frame.Mode, name string, mtu int) (*Device, error) {
	f, dev, err := o.OpenTun(mode.String(), name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tuntap: %w", err)
	}
	return New(f, dev, mode, mtu), nil
}

func New(f *os.File, name string, mode frame.Mode, mtu int) *Device {
	return &Device{f: f, name: name, mode: mode, mtu: mtu}
}

func (d *Device) Read(b []byte) (int, error)  { return d.f.Read(b) }
func (d *Device) Write(b []byte) (int, error) { return d.f.Write(b) }
func (d *Device) Close() error                { return d.f.Close() }
func (d *Device) Name() string                { return d.name }
func (d *Device) Mode() frame.Mode            { return d.mode }
func (d *Device) MTU() int                    { return d.mtu }

// BufferSize is a read buffer large enough for any packet the device returns.
func (d *Device) BufferSize() int {
	n := d.mtu
	if d.mode == frame.ModeTAP {
		n += 18 // Ethernet header and VLAN tag
	}
	return n + 4
}
