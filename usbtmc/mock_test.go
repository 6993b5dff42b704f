package usbtmc

import (
	"log"
	"time"
)

// fakeBulkOut records every buffer written to it, standing in for
// *gousb.OutEndpoint in tests (see bulkWriter).
type fakeBulkOut struct {
	writes [][]byte
	err    error
}

func (f *fakeBulkOut) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	f.writes = append(f.writes, cp)
	if f.err != nil {
		return 0, f.err
	}
	return len(b), nil
}

// fakeBulkIn serves a queue of canned reads, standing in for
// *gousb.InEndpoint in tests (see bulkReader).
type fakeBulkIn struct {
	replies [][]byte
	err     error
}

func (f *fakeBulkIn) Read(b []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if len(f.replies) == 0 {
		return 0, nil
	}
	next := f.replies[0]
	f.replies = f.replies[1:]
	n := copy(b, next)
	return n, nil
}

// timeoutErr is a fake transport error shaped like the net.Error Timeout()
// convention, for tests that need to distinguish ErrTimeout handling from
// a generic *TransportError.
type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

// fakeControl serves canned control-transfer replies keyed by bRequest, and
// counts how many times each bRequest was issued, standing in for the
// control half of *gousb.Device (see controlTransport).
type fakeControl struct {
	replies map[uint8][]byte
	calls   []fakeControlCall
	seq     map[uint8][][]byte // optional per-bRequest sequence, consumed in order
}

type fakeControlCall struct {
	rType, request uint8
	val, idx       uint16
	len            int
}

func newFakeControl() *fakeControl {
	return &fakeControl{replies: map[uint8][]byte{}, seq: map[uint8][][]byte{}}
}

func (f *fakeControl) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	f.calls = append(f.calls, fakeControlCall{rType, request, val, idx, len(data)})
	if queue, ok := f.seq[request]; ok && len(queue) > 0 {
		reply := queue[0]
		f.seq[request] = queue[1:]
		n := copy(data, reply)
		return n, nil
	}
	reply, ok := f.replies[request]
	if !ok {
		return 0, nil
	}
	n := copy(data, reply)
	return n, nil
}

func newTestInstrument() (*Instrument, *fakeBulkOut, *fakeBulkIn, *fakeControl) {
	out := &fakeBulkOut{}
	in := &fakeBulkIn{}
	ctrl := newFakeControl()
	i := &Instrument{
		Logger:          log.Default(),
		bulkOut:         out,
		bulkIn:          in,
		ctrl:            ctrl,
		bulkOutAddr:     0x02,
		bulkInAddr:      0x86,
		maxTransferSize: DefaultMaxTransferSize,
		timeout:         50 * time.Millisecond,
		abortTimeout:    50 * time.Millisecond,
		encoding:        "utf-8",
		connected:       true,
	}
	return i, out, in, ctrl
}

// bulkInFrame builds a DEV_DEP_MSG_IN response packet: header + payload,
// with TransferSize set to len(payload) and EOM set iff eom.
func bulkInFrame(tag byte, payload []byte, eom bool) []byte {
	var out [headerSize]byte
	out[0] = msgDevDepMsgIn
	out[1] = tag
	out[2] = invBTag(tag)
	out[4] = byte(len(payload))
	out[5] = byte(len(payload) >> 8)
	out[6] = byte(len(payload) >> 16)
	out[7] = byte(len(payload) >> 24)
	if eom {
		out[8] = 0x01
	}
	buf := append([]byte(nil), out[:]...)
	buf = append(buf, payload...)
	return buf
}
