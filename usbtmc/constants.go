package usbtmc

// USBTMC interface descriptor values (USBTMC 1.00 table 8).
const (
	classUSBTMC    = 0xFE
	subclassUSBTMC = 0x03
	protocolUSBTMC = 0x00
	protocolUSB488 = 0x01
)

// Bulk message IDs (USBTMC 1.00 table 2).
const (
	msgDevDepMsgOut            = 1
	msgRequestDevDepMsgIn      = 2
	msgDevDepMsgIn             = 2
	msgVendorSpecificOut       = 126
	msgRequestVendorSpecificIn = 127
	msgVendorSpecificIn        = 127
	msgUSB488Trigger           = 128
)

// Status codes returned in the first byte of a control-IN reply
// (USBTMC 1.00 table 16).
const (
	statusSuccess               = 0x01
	statusPending               = 0x02
	statusFailed                = 0x80
	statusTransferNotInProgress = 0x81
	statusSplitNotInProgress    = 0x82
	statusSplitInProgress       = 0x83
)

// Control requests, bRequest values (USBTMC 1.00 table 15, USB488 table 8).
const (
	reqInitiateAbortBulkOut    = 1
	reqCheckAbortBulkOutStatus = 2
	reqInitiateAbortBulkIn     = 3
	reqCheckAbortBulkInStatus  = 4
	reqInitiateClear           = 5
	reqCheckClearStatus        = 6
	reqGetCapabilities         = 7
	reqIndicatorPulse          = 64
	reqUSB488ReadStatusByte    = 128
)

const headerSize = 12

// bmRequestType byte, built the same way as gousb's request-type helpers:
// direction (bit 7) | type (bits 6:5) | recipient (bits 4:0).
const (
	ctrlIn             = 0x80
	ctrlOut            = 0x00
	ctrlTypeStandard   = 0x00
	ctrlTypeClass      = 0x20
	ctrlTypeVendor     = 0x40
	ctrlRecipientIface = 0x01
	ctrlRecipientEP    = 0x02
)

func classInterfaceIn() uint8 { return ctrlIn | ctrlTypeClass | ctrlRecipientIface }
func classEndpointIn() uint8  { return ctrlIn | ctrlTypeClass | ctrlRecipientEP }

// Standard CLEAR_FEATURE request with the ENDPOINT_HALT feature selector,
// used for the clear-halt steps of the CLEAR and ABORT_BULK_OUT
// sub-protocols (USB 2.0 §9.4.1).
const (
	reqStdClearFeature  = 1
	featureEndpointHalt = 0
)

func standardEndpointOut() uint8 { return ctrlOut | ctrlTypeStandard | ctrlRecipientEP }

// Advantest/ADCMT vendor ID and its idiosyncratic lock and MyID control
// requests.
const (
	vidAdvantest         = 0x1334
	advantestLockRequest = 0xA0
	advantestMyIDRequest = 0xF5
)

// Rigol vendor ID and the two PIDs with the missing-per-packet-header
// quirk; 0x04ce additionally lies about transfer size via an embedded
// IEEE 488.2 definite-length block.
const vidRigol = 0x1ab1

var rigolQuirkPIDs = map[uint16]bool{
	0x04ce: true,
	0x0588: true,
}

func isRigolIEEEBlockPID(pid uint16) bool { return pid == 0x04ce }
