// Package agilent holds the Agilent/Keysight U27xx USB power-sensor
// quirk: the firmware-update-mode product ID table and the vendor
// control transfer that boots the device out of that mode so it
// re-enumerates as a USBTMC instrument.
//
// This is the one instrument-vendor-specific package this repository
// keeps, because the U27xx firmware re-enumeration happens inside
// Instrument.Open, before there is a USBTMC session to speak of. The
// generic SCPI function-generator control this package used to carry
// lived over a TCP/serial comm.Pool with no USB equivalent; it is gone.
package agilent

import (
	"time"

	"github.com/pkg/errors"
)

// VID is the Agilent/Keysight USB vendor ID.
const VID = 0x0957

// firmware-update-mode PID -> post-boot operating-mode PID.
var postBoot = map[uint16]uint16{
	0x2818: 0x2918,
	0x4218: 0x4118,
	0x4418: 0x4318,
}

var firmwareMode = invert(postBoot)

func invert(m map[uint16]uint16) map[uint16]uint16 {
	out := make(map[uint16]uint16, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// IsFirmwareModePID reports whether pid is one of the transient
// firmware-update-mode product IDs.
func IsFirmwareModePID(pid uint16) bool {
	_, ok := postBoot[pid]
	return ok
}

// PostBootPID returns the operating-mode PID a firmware-update-mode PID
// will re-enumerate as, and whether pid was recognized as firmware mode.
func PostBootPID(pid uint16) (uint16, bool) {
	p, ok := postBoot[pid]
	return p, ok
}

// FirmwareModePID is the inverse of PostBootPID: given an operating-mode
// PID, it returns the firmware-update-mode PID that boots into it, if
// any. Used by tests to check the table is its own round trip.
func FirmwareModePID(pid uint16) (uint16, bool) {
	p, ok := firmwareMode[pid]
	return p, ok
}

// RediscoverTimeout is the maximum time to wait for a U27xx to
// re-enumerate at its post-boot PID after BootSequence.
const RediscoverTimeout = 20 * time.Second

// Controller is the subset of *gousb.Device's surface BootSequence needs.
// *gousb.Device satisfies it directly.
type Controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// bmRequestType for a vendor, host-to-device, device-recipient control
// transfer; U27xx devices in firmware mode respond to this on EP0.
const vendorOut = 0x40

// bootRequest is the fixed vendor-specific bRequest that switches a
// U27xx out of firmware-update mode.
const bootRequest = 0xA0

// BootSequence issues the fixed vendor control transfer that switches a
// U27xx out of firmware-update mode. The device disconnects and
// re-enumerates at its post-boot PID shortly after this returns; the
// caller is responsible for rediscovering it (see RediscoverTimeout).
func BootSequence(dev Controller) error {
	_, err := dev.Control(vendorOut, bootRequest, 0x0001, 0x0000, nil)
	if err != nil {
		return errors.Wrap(err, "agilent: firmware-mode boot sequence")
	}
	return nil
}
