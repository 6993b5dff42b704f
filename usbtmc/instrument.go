// Package usbtmc implements the USBTMC and USB488 host-side protocol
// engine: device enumeration and claim, the bulk-transfer message-framing
// state machine, the control-endpoint sub-protocols, and the per-vendor
// quirks (Advantest, Rigol, Agilent U27xx firmware mode) that deviate from
// the specification.
package usbtmc

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/labtools/usbtmc/config"
)

const (
	// DefaultMaxTransferSize is the default cap on a single bulk
	// transaction's payload, 1 MiB.
	DefaultMaxTransferSize = 1024 * 1024

	// DefaultTimeout is the default timeout applied to ordinary bulk and
	// control transfers.
	DefaultTimeout = 5 * time.Second

	// DefaultAbortTimeout is the default timeout applied while polling an
	// abort sub-protocol to completion.
	DefaultAbortTimeout = 5 * time.Second

	// statusPollInterval is the spacing enforced between CHECK_STATUS
	// polls (CLEAR, ABORT_BULK_IN, ABORT_BULK_OUT).
	statusPollInterval = 100 * time.Millisecond
)

// capabilities holds the decoded GET_CAPABILITIES reply.
type capabilities struct {
	bcdUSBTMC         uint16
	supportPulse      bool
	supportTalkOnly   bool
	supportListenOnly bool
	supportTermChar   bool

	bcdUSB488          uint16
	supportUSB4882     bool
	supportRemoteLocal bool
	supportTrigger     bool
	supportSCPI        bool
	supportSR          bool
	supportRL          bool
	supportDT          bool
}

// quirks holds the per-vendor behavior overrides detected at Open time.
type quirks struct {
	advantest       bool
	advantestLocked bool
	rigol           bool
	rigolIEEEBlock  bool
}

// controlTransport is the subset of *gousb.Device used by the control
// sub-protocols. It is satisfied by *gousb.Device and, in tests, by a
// fake control endpoint.
type controlTransport interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// bulkWriter and bulkReader are satisfied by *gousb.OutEndpoint and
// *gousb.InEndpoint respectively, and by the in-memory fakes in the test
// suite.
type bulkWriter interface {
	Write(b []byte) (int, error)
}

type bulkReader interface {
	Read(b []byte) (int, error)
}

// Instrument is a single USBTMC/USB488 session. Instruments are created
// with FromResource, FromDevice, or FromIDs; none of them open the
// underlying device until Open is called.
//
// An Instrument is not safe for concurrent use: the bulk-OUT/bulk-IN
// state machine assumes strictly serialized access. The embedded mutex
// turns concurrent misuse into a blocking wait rather than a corrupted
// bTag sequence.
type Instrument struct {
	mu sync.Mutex

	// Logger receives diagnostic messages; defaults to log.Default().
	Logger *log.Logger

	vid, pid gousb.ID
	serial   string

	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	iface  *gousb.Interface

	ifaceNumber int
	ifaceIndex  uint16
	isUSB488    bool

	// origConfigNum is the bConfigurationValue active on the device before
	// Open switched it to the one carrying the USBTMC interface, or 0 if
	// Open found the USBTMC interface already in the active configuration
	// and never switched. Close restores it when non-zero.
	origConfigNum int

	// reattach lists the interface numbers whose kernel driver Open takes
	// away: every interface of the previously active configuration when
	// Open switched configurations, otherwise just the claimed interface.
	// Close walks this list only after restoring a switched configuration,
	// re-claiming and releasing each interface so SetAutoDetach hands its
	// kernel driver back; without a switch, the claimed interface's driver
	// returns when Close releases that interface.
	reattach []int

	ctrl        controlTransport
	bulkOut     bulkWriter
	bulkIn      bulkReader
	interruptIn bulkReader

	bulkOutAddr byte
	bulkInAddr  byte

	termChar        *byte
	maxTransferSize int
	timeout         time.Duration
	abortTimeout    time.Duration
	encoding        string

	tags bTagger

	caps capabilities
	q    quirks

	connected bool
	ownsCtx   bool
}

// Option configures an Instrument at construction time.
type Option func(*Instrument)

// WithTermChar sets the single-byte message termination character used to
// request termination-character framing on bulk-IN reads.
func WithTermChar(c byte) Option {
	return func(i *Instrument) { i.termChar = &c }
}

// WithTimeout overrides the default timeout applied to ordinary bulk and
// control transfers.
func WithTimeout(d time.Duration) Option {
	return func(i *Instrument) { i.timeout = d }
}

// WithAbortTimeout overrides the default timeout applied while polling an
// abort sub-protocol to completion.
func WithAbortTimeout(d time.Duration) Option {
	return func(i *Instrument) { i.abortTimeout = d }
}

// WithMaxTransferSize overrides the default 1 MiB cap on a single bulk
// transaction's payload. Quirk detection at Open time may override this
// again (e.g. Advantest forces 63 bytes).
func WithMaxTransferSize(n int) Option {
	return func(i *Instrument) { i.maxTransferSize = n }
}

// WithEncoding overrides the default UTF-8 encoding used by Write/Read/Ask.
// Only "utf-8" and "ascii" are recognized; anything else is treated as
// utf-8. "ascii" rejects messages and replies containing bytes outside
// 7-bit.
func WithEncoding(name string) Option {
	return func(i *Instrument) { i.encoding = strings.ToLower(name) }
}

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(i *Instrument) { i.Logger = l }
}

// WithConfig applies timeout, transfer-size, and encoding settings loaded
// via config.Load, so a program can keep those knobs in a YAML file
// instead of hardcoding Option calls. A zero TermChar in cfg is treated
// as "unset" and leaves termChar at its previous value.
func WithConfig(cfg config.Config) Option {
	return func(i *Instrument) {
		if cfg.TermChar != 0 {
			c := cfg.TermChar
			i.termChar = &c
		}
		if cfg.TimeoutMillis > 0 {
			i.timeout = time.Duration(cfg.TimeoutMillis) * time.Millisecond
		}
		if cfg.AbortTimeoutMillis > 0 {
			i.abortTimeout = time.Duration(cfg.AbortTimeoutMillis) * time.Millisecond
		}
		if cfg.MaxTransferSize > 0 {
			i.maxTransferSize = cfg.MaxTransferSize
		}
		if cfg.Encoding != "" {
			i.encoding = strings.ToLower(cfg.Encoding)
		}
	}
}

func newInstrument(opts ...Option) *Instrument {
	i := &Instrument{
		Logger:          log.Default(),
		maxTransferSize: DefaultMaxTransferSize,
		timeout:         DefaultTimeout,
		abortTimeout:    DefaultAbortTimeout,
		encoding:        "utf-8",
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IsUSB488 reports whether the claimed interface advertises the USB488
// protocol (bInterfaceProtocol == 1).
func (i *Instrument) IsUSB488() bool {
	return i.isUSB488
}
