package usbtmc

import (
	"github.com/pkg/errors"

	"github.com/labtools/usbtmc/util"
)

// capabilitiesReplySize is the fixed 0x18-byte GET_CAPABILITIES reply
// (USBTMC 1.00 table 37, USB488 table 10).
const capabilitiesReplySize = 0x18

// getCapabilities issues GET_CAPABILITIES on the control endpoint and
// decodes the reply into capabilities. It is called once, from Open.
func (i *Instrument) getCapabilities() (capabilities, error) {
	buf := make([]byte, capabilitiesReplySize)
	n, err := i.ctrl.Control(classInterfaceIn(), reqGetCapabilities, 0x0000, i.ifaceIndex, buf)
	if err != nil {
		return capabilities{}, wrapTransport("get capabilities", err)
	}
	if n < capabilitiesReplySize {
		return capabilities{}, errors.Wrap(ErrCapabilityProbeFailed, "short reply")
	}
	if buf[0] != statusSuccess {
		return capabilities{}, errors.Wrapf(ErrCapabilityProbeFailed, "status %#x", buf[0])
	}

	var c capabilities
	c.bcdUSBTMC = uint16(buf[3])<<8 | uint16(buf[2])
	c.supportPulse = util.GetBit(buf[4], 2)
	c.supportTalkOnly = util.GetBit(buf[4], 1)
	c.supportListenOnly = util.GetBit(buf[4], 0)
	c.supportTermChar = util.GetBit(buf[5], 0)

	if i.isUSB488 {
		// USB488 interface capabilities (byte 14) and device capabilities
		// (byte 15), USB488 1.0 table 10.
		c.bcdUSB488 = uint16(buf[13])<<8 | uint16(buf[12])
		c.supportUSB4882 = util.GetBit(buf[14], 2)
		c.supportRemoteLocal = util.GetBit(buf[14], 1)
		c.supportTrigger = util.GetBit(buf[14], 0)
		c.supportSCPI = util.GetBit(buf[15], 3)
		c.supportSR = util.GetBit(buf[15], 2)
		c.supportRL = util.GetBit(buf[15], 1)
		c.supportDT = util.GetBit(buf[15], 0)
	}
	return c, nil
}
