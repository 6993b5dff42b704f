package usbtmc

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// pollLimiter paces CHECK_STATUS-family polls (CLEAR, ABORT_BULK_IN,
// ABORT_BULK_OUT) to no more than one request per statusPollInterval, so a
// slow-clearing device doesn't get hammered with control transfers.
var pollLimiter = rate.NewLimiter(rate.Every(statusPollInterval), 1)

func waitForPollSlot() {
	_ = pollLimiter.Wait(context.Background())
}

// clearHalt issues the standard CLEAR_FEATURE(ENDPOINT_HALT) request for
// epAddr, resetting the endpoint's data toggle after a CLEAR or
// ABORT_BULK_OUT completes.
func (i *Instrument) clearHalt(epAddr byte) error {
	_, err := i.ctrl.Control(standardEndpointOut(), reqStdClearFeature, featureEndpointHalt, uint16(epAddr), nil)
	return wrapTransport("clear halt", err)
}

// Clear runs the USBTMC INITIATE_CLEAR / CHECK_CLEAR_STATUS sequence,
// which flushes any buffered input and output on the device and resets
// its message-framing state machine, then clears the halt condition on
// the bulk-OUT endpoint.
func (i *Instrument) Clear() error {
	if i.ctrl == nil {
		return ErrNotConnected
	}
	buf := make([]byte, 1)
	n, err := i.ctrl.Control(classInterfaceIn(), reqInitiateClear, 0, i.ifaceIndex, buf)
	if err != nil {
		return wrapTransport("initiate clear", err)
	}
	if n < 1 || buf[0] != statusSuccess {
		return errors.Wrapf(ErrClearFailed, "initiate status %#x", buf[0])
	}

	deadline := time.Now().Add(i.abortTimeout)
	for {
		waitForPollSlot()
		status := make([]byte, 2)
		_, err := i.ctrl.Control(classInterfaceIn(), reqCheckClearStatus, 0, i.ifaceIndex, status)
		if err != nil {
			return wrapTransport("check clear status", err)
		}
		if status[0] != statusPending {
			break
		}
		if time.Now().After(deadline) {
			return errors.Wrap(ErrClearFailed, "timed out polling CHECK_CLEAR_STATUS")
		}
	}
	return i.clearHalt(i.bulkOutAddr)
}

// AbortBulkOut runs INITIATE_ABORT_BULK_OUT / CHECK_ABORT_BULK_OUT_STATUS
// for the given bTag, which must be the tag of the bulk-OUT transfer
// currently in flight, then clears the halt condition on the bulk-OUT
// endpoint. If the device reports no transfer in progress, it returns
// silently.
func (i *Instrument) AbortBulkOut(tag byte) error {
	if i.ctrl == nil {
		return ErrNotConnected
	}
	inProgress, err := i.initiateAbort(reqInitiateAbortBulkOut, tag, i.bulkOutAddr)
	if err != nil || !inProgress {
		return err
	}
	if err := i.pollAbortStatus(reqCheckAbortBulkOutStatus, i.bulkOutAddr); err != nil {
		return err
	}
	return i.clearHalt(i.bulkOutAddr)
}

// AbortBulkIn runs INITIATE_ABORT_BULK_IN / CHECK_ABORT_BULK_IN_STATUS for
// the given bTag, which must be the tag of the bulk-IN transfer currently
// in flight. Any data the device already buffered for that transfer is
// drained and discarded before the status poll. If the device reports no
// transfer in progress, it returns silently.
func (i *Instrument) AbortBulkIn(tag byte) error {
	if i.ctrl == nil {
		return ErrNotConnected
	}
	inProgress, err := i.initiateAbort(reqInitiateAbortBulkIn, tag, i.bulkInAddr)
	if err != nil || !inProgress {
		return err
	}
	drain := make([]byte, i.maxTransferSize)
	for {
		n, err := i.bulkIn.Read(drain)
		if err != nil || n == 0 {
			break
		}
	}
	return i.pollAbortStatus(reqCheckAbortBulkInStatus, i.bulkInAddr)
}

// initiateAbort issues an INITIATE_ABORT_BULK_{IN,OUT} for tag against the
// endpoint at epAddr. It reports whether the device acknowledged a
// transfer in progress; TRANSFER_NOT_IN_PROGRESS means there is nothing to
// abort and the caller is done.
func (i *Instrument) initiateAbort(request uint8, tag, epAddr byte) (bool, error) {
	buf := make([]byte, 2)
	n, err := i.ctrl.Control(classEndpointIn(), request, uint16(tag), uint16(epAddr), buf)
	if err != nil {
		return false, wrapTransport("initiate abort", err)
	}
	if n < 1 || buf[0] != statusSuccess {
		return false, nil
	}
	return true, nil
}

// pollAbortStatus polls a CHECK_ABORT_BULK_{IN,OUT}_STATUS request against
// the endpoint at epAddr until the device stops reporting PENDING.
func (i *Instrument) pollAbortStatus(request uint8, epAddr byte) error {
	deadline := time.Now().Add(i.abortTimeout)
	for {
		waitForPollSlot()
		status := make([]byte, 8)
		_, err := i.ctrl.Control(classEndpointIn(), request, 0, uint16(epAddr), status)
		if err != nil {
			return wrapTransport("check abort status", err)
		}
		if status[0] != statusPending {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("usbtmc: timed out polling CHECK_ABORT_STATUS")
		}
	}
}

// Pulse triggers the device's identifying indicator (usually a blinking
// front-panel light).
func (i *Instrument) Pulse() error {
	if i.ctrl == nil {
		return ErrNotConnected
	}
	buf := make([]byte, 1)
	n, err := i.ctrl.Control(classInterfaceIn(), reqIndicatorPulse, 0, i.ifaceIndex, buf)
	if err != nil {
		return wrapTransport("indicator pulse", err)
	}
	if n < 1 || buf[0] != statusSuccess {
		return errors.Wrapf(ErrPulseFailed, "status %#x", buf[0])
	}
	return nil
}

// ReadStatusByte reads the IEEE 488.2 status byte. On a USB488 device it
// uses the READ_STATUS_BYTE control request, consuming a confirming
// packet from the interrupt-IN endpoint if one is present; on a plain
// USBTMC device it falls back to the SCPI "*STB?" query.
func (i *Instrument) ReadStatusByte() (byte, error) {
	if i.ctrl == nil {
		return 0, ErrNotConnected
	}
	if !i.isUSB488 {
		s, err := i.Ask("*STB?")
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
		if err != nil {
			return 0, errors.Wrap(ErrReadStatusFailed, err.Error())
		}
		return byte(v), nil
	}

	tag := i.tags.nextRSTBTag()
	buf := make([]byte, 3)
	n, err := i.ctrl.Control(classInterfaceIn(), reqUSB488ReadStatusByte, uint16(tag), i.ifaceIndex, buf)
	if err != nil {
		return 0, wrapTransport("read status byte", err)
	}
	if n < 3 || buf[0] != statusSuccess {
		return 0, errors.Wrapf(ErrReadStatusFailed, "status %#x", buf[0])
	}
	if buf[1] != tag {
		return 0, &StatusByteTagMismatchError{Sent: tag, Received: buf[1]}
	}

	if i.interruptIn == nil {
		return buf[2], nil
	}
	pkt := make([]byte, 2)
	if _, err := i.interruptIn.Read(pkt); err != nil {
		return 0, wrapTransport("read status byte interrupt", err)
	}
	if pkt[0] != 0x80|tag {
		return 0, &StatusByteTagMismatchError{Sent: tag, Received: pkt[0] &^ 0x80}
	}
	return pkt[1], nil
}

// Trigger sends the IEEE 488.2 group execute trigger. On a USB488 device
// that advertises trigger support it uses the dedicated bulk-OUT TRIGGER
// message; otherwise it falls back to writing the SCPI "*TRG" command.
func (i *Instrument) Trigger() error {
	if i.isUSB488 && i.caps.supportTrigger {
		if i.bulkOut == nil {
			return ErrNotConnected
		}
		tag := i.tags.nextBulkTag()
		hdr := packUSB488TriggerHeader(tag)
		_, err := i.runWithDeadline(context.Background(), func() (int, error) { return i.bulkOut.Write(hdr[:]) })
		return wrapTransport("trigger", err)
	}
	return i.Write("*TRG")
}

// Remote is not implemented by any instrument this package has seen and
// always returns ErrNotImplemented.
func (i *Instrument) Remote() error {
	return ErrNotImplemented
}

// Local is not implemented by any instrument this package has seen and
// always returns ErrNotImplemented.
func (i *Instrument) Local() error {
	return ErrNotImplemented
}

// Lock enables remote control on an Advantest/ADCMT instrument via its
// vendor lock control transfer; without it those units only ever report
// their latest measurement on read. Non-Advantest devices don't support a
// lock primitive at the USBTMC layer and return ErrNotImplemented.
func (i *Instrument) Lock() error {
	if !i.q.advantest {
		return ErrNotImplemented
	}
	buf := make([]byte, 1)
	_, err := i.ctrl.Control(classInterfaceIn(), advantestLockRequest, 1, 0, buf)
	if err != nil {
		return wrapTransport("advantest lock", err)
	}
	i.q.advantestLocked = true
	return nil
}

// Unlock releases a lock taken with Lock.
func (i *Instrument) Unlock() error {
	if !i.q.advantest {
		return ErrNotImplemented
	}
	buf := make([]byte, 1)
	_, err := i.ctrl.Control(classInterfaceIn(), advantestLockRequest, 0, 0, buf)
	if err != nil {
		return wrapTransport("advantest unlock", err)
	}
	i.q.advantestLocked = false
	return nil
}

// MyID reads the "MyID" identifier byte from an Advantest/ADCMT
// instrument. Other vendors have no equivalent and get ErrNotImplemented.
func (i *Instrument) MyID() (byte, error) {
	if !i.q.advantest {
		return 0, ErrNotImplemented
	}
	buf := make([]byte, 1)
	n, err := i.ctrl.Control(ctrlIn|ctrlTypeVendor|ctrlRecipientIface, advantestMyIDRequest, 0, 0, buf)
	if err != nil {
		return 0, wrapTransport("advantest myid", err)
	}
	if n < 1 {
		return 0, &ProtocolError{Op: "advantest myid", Message: "empty reply"}
	}
	return buf[0], nil
}
