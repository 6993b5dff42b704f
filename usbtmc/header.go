package usbtmc

import (
	"encoding/binary"
	"sync"

	"github.com/labtools/usbtmc/util"
)

// bTagger hands out the next bTag in the 1..255 rotation used for bulk-OUT
// headers and the 2..127 rotation used for READ_STATUS_BYTE.
type bTagger struct {
	sync.Mutex
	bulk byte // last bulk bTag, 0 before the first allocation
	rstb byte // last READ_STATUS_BYTE bTag, 0 before the first allocation
}

// nextBulkTag advances and returns the next bulk bTag. It rotates through
// 1..255, never returning 0.
func (t *bTagger) nextBulkTag() byte {
	t.Lock()
	defer t.Unlock()
	t.bulk = (t.bulk % 255) + 1
	return t.bulk
}

// nextRSTBTag advances and returns the next READ_STATUS_BYTE bTag. It
// rotates through 2..127, skipping 0 and 1 on wrap.
func (t *bTagger) nextRSTBTag() byte {
	t.Lock()
	defer t.Unlock()
	tag := (t.rstb % 127) + 1
	if tag < 2 {
		tag = 2
	}
	t.rstb = tag
	return tag
}

// invBTag computes the bitwise inversion of a bTag, per USBTMC standard
// table 1 offset 2.
func invBTag(b byte) byte {
	return b ^ 0xff
}

// packDevDepMsgOutHeader builds the 12-byte header for MsgID=1
// (DEV_DEP_MSG_OUT, USBTMC 1.00 table 3).
func packDevDepMsgOutHeader(tag byte, transferSize uint32, eom bool) [headerSize]byte {
	var out [headerSize]byte
	out[0] = msgDevDepMsgOut
	out[1] = tag
	out[2] = invBTag(tag)
	binary.LittleEndian.PutUint32(out[4:8], transferSize)
	out[8] = util.SetBit(out[8], 0, eom)
	return out
}

// packDevDepMsgInHeader builds the 12-byte header for MsgID=2
// (REQUEST_DEV_DEP_MSG_IN, USBTMC 1.00 table 4).
func packDevDepMsgInHeader(tag byte, transferSize uint32, term *byte) [headerSize]byte {
	var out [headerSize]byte
	out[0] = msgRequestDevDepMsgIn
	out[1] = tag
	out[2] = invBTag(tag)
	binary.LittleEndian.PutUint32(out[4:8], transferSize)
	if term != nil {
		out[8] = util.SetBit(out[8], 1, true)
		out[9] = *term
	}
	return out
}

// packUSB488TriggerHeader builds the 12-byte header plus 8 reserved zero
// bytes for a USB488 TRIGGER message (MsgID=128).
func packUSB488TriggerHeader(tag byte) [headerSize + 8]byte {
	var out [headerSize + 8]byte
	out[0] = msgUSB488Trigger
	out[1] = tag
	out[2] = invBTag(tag)
	return out
}

// bulkInHeader is the decoded form of a DEV_DEP_MSG_IN response header.
type bulkInHeader struct {
	msgID           byte
	bTag            byte
	bTagInverse     byte
	transferSize    uint32
	transferAttrBit bool // bit 0 of TransferAttributes: EOM
}

// unpackBulkInHeader decodes the 12-byte header prefixed to every bulk-IN
// response.
func unpackBulkInHeader(data []byte) (bulkInHeader, error) {
	if len(data) < headerSize {
		return bulkInHeader{}, &ProtocolError{Op: "unpack bulk-in header", Message: "response shorter than header"}
	}
	h := bulkInHeader{
		msgID:           data[0],
		bTag:            data[1],
		bTagInverse:     data[2],
		transferSize:    binary.LittleEndian.Uint32(data[4:8]),
		transferAttrBit: data[8]&0x01 != 0,
	}
	if h.bTagInverse != invBTag(h.bTag) {
		return h, &ProtocolError{Op: "unpack bulk-in header", Message: "bTag complement mismatch"}
	}
	return h, nil
}

// padLen4 returns the number of zero bytes needed to round n up to the
// next multiple of 4.
func padLen4(n int) int {
	r := n % 4
	if r == 0 {
		return 0
	}
	return 4 - r
}
