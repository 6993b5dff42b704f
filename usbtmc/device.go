package usbtmc

import (
	"sort"

	"github.com/google/gousb"

	"github.com/labtools/usbtmc/agilent"
	"github.com/labtools/usbtmc/resource"
)

// isUSBTMCDeviceDesc reports whether desc carries a USBTMC interface
// (class 0xFE, subclass 3) in any configuration, or belongs to a vendor
// known to ship a non-compliant-but-still-USBTMC device (Advantest/ADCMT).
func isUSBTMCDeviceDesc(desc *gousb.DeviceDesc) bool {
	if uint16(desc.Vendor) == vidAdvantest {
		return true
	}
	for _, cfgNum := range sortedConfigNums(desc) {
		cfg := desc.Configs[cfgNum]
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				if uint8(alt.Class) == classUSBTMC && uint8(alt.SubClass) == subclassUSBTMC {
					return true
				}
			}
		}
	}
	return false
}

func sortedConfigNums(desc *gousb.DeviceDesc) []int {
	nums := make([]int, 0, len(desc.Configs))
	for n := range desc.Configs {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// isAgilentFirmwareMode reports whether desc describes an Agilent U27xx
// in its transient firmware-update enumeration.
func isAgilentFirmwareMode(desc *gousb.DeviceDesc) bool {
	return uint16(desc.Vendor) == agilent.VID && agilent.IsFirmwareModePID(uint16(desc.Product))
}

// ListDevices walks the USB bus and returns every device that looks like a
// USBTMC instrument: any interface of class 0xFE/subclass 3, a
// whitelisted quirk vendor (Advantest), or an Agilent U27xx in
// firmware-update mode. The caller owns the returned
// devices and must Close each one (or the Instrument built from it will,
// via Close).
func ListDevices(ctx *gousb.Context) ([]*gousb.Device, error) {
	return ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return isUSBTMCDeviceDesc(desc) || isAgilentFirmwareMode(desc)
	})
}

// ListResources is ListDevices rendered as VISA resource strings
// (USB::VID::PID[::SERIAL]::INSTR, decimal IDs). An Agilent U27xx found in
// firmware-update mode is reported under its post-boot PID, since that is
// the address the instrument will answer to once Open completes the boot
// sequence.
func ListResources(ctx *gousb.Context) ([]string, error) {
	devs, err := ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	out := make([]string, 0, len(devs))
	for _, d := range devs {
		vid := uint16(d.Desc.Vendor)
		pid := uint16(d.Desc.Product)
		if remapped, ok := agilent.PostBootPID(pid); ok && vid == agilent.VID {
			pid = remapped
		}
		serial, _ := d.SerialNumber()
		out = append(out, resource.Format(vid, pid, serial))
	}
	return out, nil
}

// FindDevice returns the first device matching vid and pid. If serial is
// non-empty, only a device whose serial number matches is returned;
// otherwise the first match wins. It returns ErrDeviceNotFound if nothing
// matches.
func FindDevice(ctx *gousb.Context, vid, pid gousb.ID, serial string) (*gousb.Device, error) {
	devs, err := ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	var found *gousb.Device
	for _, d := range devs {
		if found != nil {
			d.Close()
			continue
		}
		if d.Desc.Vendor != vid || d.Desc.Product != pid {
			d.Close()
			continue
		}
		if serial != "" {
			s, _ := d.SerialNumber()
			if s != serial {
				d.Close()
				continue
			}
		}
		found = d
	}
	if found == nil {
		return nil, ErrDeviceNotFound
	}
	return found, nil
}

// FromResource builds an Instrument from a VISA resource string such as
// "USB0::0x0957::0x17A4::MY50000001::INSTR". The device is located but not
// opened; call Open to do that.
func FromResource(ctx *gousb.Context, res string, opts ...Option) (*Instrument, error) {
	r, err := resource.Parse(res)
	if err != nil {
		return nil, err
	}
	return FromIDs(ctx, gousb.ID(r.VID), gousb.ID(r.PID), r.Serial, opts...)
}

// FromIDs builds an Instrument for the first device matching vid, pid and
// (if non-empty) serial.
func FromIDs(ctx *gousb.Context, vid, pid gousb.ID, serial string, opts ...Option) (*Instrument, error) {
	dev, err := FindDevice(ctx, vid, pid, serial)
	if err != nil {
		return nil, err
	}
	i := newInstrument(opts...)
	i.ctx = ctx
	i.vid = vid
	i.pid = pid
	i.serial = serial
	i.device = dev
	return i, nil
}

// FromDevice builds an Instrument from an already-opened *gousb.Device,
// for callers that did their own enumeration (e.g. to apply additional
// filtering ListDevices doesn't support).
func FromDevice(dev *gousb.Device, opts ...Option) *Instrument {
	i := newInstrument(opts...)
	i.device = dev
	i.vid = dev.Desc.Vendor
	i.pid = dev.Desc.Product
	return i
}
