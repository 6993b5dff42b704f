package usbtmc

import (
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/google/gousb"

	"github.com/labtools/usbtmc/agilent"
	"github.com/labtools/usbtmc/util"
)

// Open claims the device, discovers its endpoints, applies any per-vendor
// quirks, and runs the initial CLEAR + GET_CAPABILITIES handshake. It is a
// no-op if the Instrument is already open.
//
// An Agilent U27xx found in firmware-update mode is booted and
// rediscovered at its post-boot address before the rest of Open runs; in
// that case Open's total runtime can be several seconds.
func (i *Instrument) Open() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.connected {
		return nil
	}
	if i.device == nil {
		return ErrNoDeviceSpecified
	}

	if err := i.bootAgilentIfNeeded(); err != nil {
		return err
	}

	desc := i.device.Desc
	i.q.advantest = uint16(desc.Vendor) == vidAdvantest
	i.q.rigol = uint16(desc.Vendor) == vidRigol && rigolQuirkPIDs[uint16(desc.Product)]
	i.q.rigolIEEEBlock = i.q.rigol && isRigolIEEEBlockPID(uint16(desc.Product))

	if err := i.device.SetAutoDetach(true); err != nil {
		i.Logger.Printf("usbtmc: SetAutoDetach: %v (continuing)", err)
	}

	ifaceNum, altNum, err := findUSBTMCInterface(desc)
	if err != nil {
		return err
	}
	i.ifaceNumber = ifaceNum
	i.ifaceIndex = uint16(ifaceNum)
	i.isUSB488 = usbtmcInterfaceProtocol(desc, ifaceNum, altNum) == protocolUSB488

	targetCfgNum := configNumForInterface(desc, ifaceNum)
	if targetCfgNum == 0 {
		targetCfgNum = firstConfigNum(desc)
	}
	i.recordConfigSwitch(desc, ifaceNum, targetCfgNum)

	cfg, err := i.device.Config(targetCfgNum)
	if err != nil {
		return errors.Wrap(ErrInvalidEndpointConfig, err.Error())
	}
	i.config = cfg

	iface, err := cfg.Interface(ifaceNum, altNum)
	if err != nil {
		cfg.Close()
		return errors.Wrap(ErrInvalidEndpointConfig, err.Error())
	}
	i.iface = iface

	if err := i.discoverEndpoints(desc, ifaceNum, altNum); err != nil {
		i.iface.Close()
		i.config.Close()
		return err
	}

	i.ctrl = i.device
	if i.q.advantest {
		i.maxTransferSize = 63
	}

	if err := i.Clear(); err != nil {
		i.iface.Close()
		i.config.Close()
		return err
	}

	caps, err := i.getCapabilities()
	if err != nil {
		i.iface.Close()
		i.config.Close()
		return err
	}
	i.caps = caps

	i.connected = true
	return nil
}

// bootAgilentIfNeeded runs the U27xx firmware-mode boot sequence and
// rediscovers the device at its post-boot PID, if the device is currently
// enumerated in firmware-update mode.
func (i *Instrument) bootAgilentIfNeeded() error {
	desc := i.device.Desc
	if uint16(desc.Vendor) != agilent.VID {
		return nil
	}
	bootPID, isFirmwareMode := agilent.PostBootPID(uint16(desc.Product))
	if !isFirmwareMode {
		return nil
	}
	if i.ctx == nil {
		return errors.New("usbtmc: cannot rediscover Agilent device booted from firmware mode without a Context (use FromIDs or FromResource)")
	}

	serial, _ := i.device.SerialNumber()
	if err := agilent.BootSequence(i.device); err != nil {
		return err
	}
	i.device.Close()
	i.device = nil

	vid := gousb.ID(uint16(desc.Vendor))
	pid := gousb.ID(bootPID)

	var found *gousb.Device
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = agilent.RediscoverTimeout
	err := backoff.Retry(func() error {
		dev, err := FindDevice(i.ctx, vid, pid, serial)
		if err != nil {
			return err
		}
		found = dev
		return nil
	}, b)
	if err != nil {
		return errors.Wrap(err, "usbtmc: rediscovering Agilent device after firmware boot")
	}

	i.device = found
	i.pid = pid
	return nil
}

// findUSBTMCInterface returns the configuration-relative interface and
// alt-setting numbers of the first USBTMC interface (class 0xFE, subclass
// 3) on desc. Advantest units are known to enumerate without ever
// advertising the USBTMC interface class, so for that vendor a device with
// no matching interface falls back to its first interface on its first
// configuration instead of failing outright.
func findUSBTMCInterface(desc *gousb.DeviceDesc) (int, int, error) {
	for _, cfgNum := range sortedConfigNums(desc) {
		cfg := desc.Configs[cfgNum]
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				if uint8(alt.Class) == classUSBTMC && uint8(alt.SubClass) == subclassUSBTMC {
					return iface.Number, alt.Alternate, nil
				}
			}
		}
	}
	if uint16(desc.Vendor) == vidAdvantest {
		for _, cfgNum := range sortedConfigNums(desc) {
			cfg := desc.Configs[cfgNum]
			for _, iface := range cfg.Interfaces {
				if len(iface.AltSettings) > 0 {
					return iface.Number, iface.AltSettings[0].Alternate, nil
				}
			}
		}
	}
	return 0, 0, ErrNotUSBTMCDevice
}

// configNumForInterface returns the bConfigurationValue of the
// configuration that carries ifaceNum, or 0 if none does.
func configNumForInterface(desc *gousb.DeviceDesc, ifaceNum int) int {
	for _, cfgNum := range sortedConfigNums(desc) {
		cfg := desc.Configs[cfgNum]
		for _, iface := range cfg.Interfaces {
			if iface.Number == ifaceNum {
				return cfg.Number
			}
		}
	}
	return 0
}

// recordConfigSwitch populates origConfigNum and reattach against the
// configuration the device is currently sitting in versus targetCfgNum,
// the configuration Open is about to select. If they differ, every
// interface number native to the currently active configuration is
// recorded so Close can hand their kernel drivers back once it restores
// that configuration; switching SET_CONFIGURATION away from it will
// itself cause the kernel to release them. If they're the same, only the
// one interface Open is about to claim is recorded, for SetAutoDetach to
// release on the ordinary Close path.
func (i *Instrument) recordConfigSwitch(desc *gousb.DeviceDesc, ifaceNum, targetCfgNum int) {
	activeCfgNum, err := i.device.ActiveConfigNum()
	if err != nil {
		i.Logger.Printf("usbtmc: ActiveConfigNum: %v (assuming no configuration switch needed)", err)
		i.reattach = []int{ifaceNum}
		return
	}
	if activeCfgNum == targetCfgNum {
		i.reattach = []int{ifaceNum}
		return
	}
	if activeDesc, ok := desc.Configs[activeCfgNum]; ok {
		ifaceNums := make([]int, 0, len(activeDesc.Interfaces))
		for _, iface := range activeDesc.Interfaces {
			ifaceNums = append(ifaceNums, iface.Number)
		}
		i.reattach = ifaceNums
	}
	i.origConfigNum = activeCfgNum
}

func usbtmcInterfaceProtocol(desc *gousb.DeviceDesc, ifaceNum, altNum int) uint8 {
	for _, cfgNum := range sortedConfigNums(desc) {
		cfg := desc.Configs[cfgNum]
		for _, iface := range cfg.Interfaces {
			if iface.Number != ifaceNum {
				continue
			}
			for _, alt := range iface.AltSettings {
				if alt.Alternate == altNum {
					return uint8(alt.Protocol)
				}
			}
		}
	}
	return protocolUSBTMC
}

func firstConfigNum(desc *gousb.DeviceDesc) int {
	nums := sortedConfigNums(desc)
	if len(nums) == 0 {
		return 1
	}
	return nums[0]
}

// discoverEndpoints finds the bulk-OUT, bulk-IN, and (if present)
// interrupt-IN endpoints on the claimed interface. The abort
// sub-protocols address their control requests by endpoint address
// (direction bit included), so both the address and the
// gousb-endpoint-number form are kept.
func (i *Instrument) discoverEndpoints(desc *gousb.DeviceDesc, ifaceNum, altNum int) error {
	var epDescs map[gousb.EndpointAddress]gousb.EndpointDesc
	for _, cfgNum := range sortedConfigNums(desc) {
		cfg := desc.Configs[cfgNum]
		for _, iface := range cfg.Interfaces {
			if iface.Number != ifaceNum {
				continue
			}
			for _, alt := range iface.AltSettings {
				if alt.Alternate == altNum {
					epDescs = alt.Endpoints
				}
			}
		}
	}

	var bulkOutEP, bulkInEP, interruptInEP gousb.EndpointDesc
	haveOut, haveIn, haveInterrupt := false, false, false

	for _, ep := range epDescs {
		switch ep.TransferType {
		case gousb.TransferTypeBulk:
			if ep.Direction == gousb.EndpointDirectionOut && !haveOut {
				bulkOutEP, haveOut = ep, true
			}
			if ep.Direction == gousb.EndpointDirectionIn && !haveIn {
				bulkInEP, haveIn = ep, true
			}
		case gousb.TransferTypeInterrupt:
			if ep.Direction == gousb.EndpointDirectionIn && !haveInterrupt {
				interruptInEP, haveInterrupt = ep, true
			}
		}
	}
	if !haveOut || !haveIn {
		return ErrInvalidEndpointConfig
	}

	out, err := i.iface.OutEndpoint(bulkOutEP.Number)
	if err != nil {
		return errors.Wrap(ErrInvalidEndpointConfig, err.Error())
	}
	in, err := i.iface.InEndpoint(bulkInEP.Number)
	if err != nil {
		return errors.Wrap(ErrInvalidEndpointConfig, err.Error())
	}
	i.bulkOut = out
	i.bulkIn = in
	i.bulkOutAddr = byte(bulkOutEP.Address)
	i.bulkInAddr = byte(bulkInEP.Address)

	if haveInterrupt {
		interrupt, err := i.iface.InEndpoint(interruptInEP.Number)
		if err == nil {
			i.interruptIn = interrupt
		}
	}
	return nil
}

// Close releases the claimed interface and configuration and closes the
// underlying device. It is safe to call more than once, and safe to call
// on an Instrument that was never opened.
func (i *Instrument) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	var errs []error
	if i.iface != nil {
		i.iface.Close()
		i.iface = nil
	}
	if i.config != nil {
		i.config.Close()
		i.config = nil
	}
	if i.device != nil && i.origConfigNum != 0 {
		if err := i.restoreOriginalConfig(); err != nil {
			errs = append(errs, err)
		}
	}
	if i.device != nil {
		if err := i.device.Close(); err != nil {
			errs = append(errs, err)
		}
		i.device = nil
	}
	if i.ownsCtx && i.ctx != nil {
		if err := i.ctx.Close(); err != nil {
			errs = append(errs, err)
		}
		i.ctx = nil
	}
	i.connected = false

	if err := util.MergeErrors(errs); err != nil {
		return errors.Wrap(err, "usbtmc: close")
	}
	return nil
}

// restoreOriginalConfig switches the device back to the configuration it
// was in before Open selected the one carrying the USBTMC interface, then
// re-claims and immediately releases each interface Open recorded in
// reattach so SetAutoDetach hands their kernel drivers back.
func (i *Instrument) restoreOriginalConfig() error {
	cfg, err := i.device.Config(i.origConfigNum)
	if err != nil {
		return errors.Wrap(err, "usbtmc: restore original configuration")
	}
	defer cfg.Close()
	for _, ifn := range i.reattach {
		iface, err := cfg.Interface(ifn, 0)
		if err != nil {
			i.Logger.Printf("usbtmc: reattach interface %d: %v", ifn, err)
			continue
		}
		iface.Close()
	}
	i.origConfigNum = 0
	i.reattach = nil
	return nil
}

// Connected reports whether Open has succeeded and Close has not since
// been called.
func (i *Instrument) Connected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.connected
}
