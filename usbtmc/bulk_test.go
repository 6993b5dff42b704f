package usbtmc

import (
	"bytes"
	"errors"
	"testing"
)

// TestWriteRawHeaderBytes is scenario S1: ask("*IDN?") against a mock
// transmits the exact 20-byte DEV_DEP_MSG_OUT frame the USBTMC 1.00
// worked example calls for.
func TestWriteRawHeaderBytes(t *testing.T) {
	i, out, in, _ := newTestInstrument()
	// Write consumes bTag 1; the REQUEST_DEV_DEP_MSG_IN that follows
	// consumes bTag 2, which the mock's response must echo back.
	in.replies = [][]byte{bulkInFrame(2, []byte("MOCK,1,0\n"), true)}

	resp, err := i.Ask("*IDN?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp != "MOCK,1,0" {
		t.Errorf("Ask reply = %q, want %q", resp, "MOCK,1,0")
	}

	// The first bulk-out write is the DEV_DEP_MSG_OUT frame; the second is
	// the REQUEST_DEV_DEP_MSG_IN header Read sends.
	if len(out.writes) != 2 {
		t.Fatalf("expected 2 bulk-out writes, got %d", len(out.writes))
	}
	want := []byte{
		0x01, 0x01, 0xFE, 0x00, 0x05, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00,
		0x2A, 0x49, 0x44, 0x4E, 0x3F, 0x00, 0x00, 0x00,
	}
	if !bytes.Equal(out.writes[0], want) {
		t.Errorf("transmitted bytes =\n % x\nwant\n % x", out.writes[0], want)
	}
	if out.writes[1][0] != msgRequestDevDepMsgIn {
		t.Errorf("second write MsgID = %d, want REQUEST_DEV_DEP_MSG_IN (%d)", out.writes[1][0], msgRequestDevDepMsgIn)
	}
}

// TestWriteRawBTagDiscipline is property 1: every transmitted header has
// byte[2] == ^byte[1], bTags are in 1..255, and they rotate in order
// skipping 0.
func TestWriteRawBTagDiscipline(t *testing.T) {
	i, out, _, _ := newTestInstrument()
	i.tags.bulk = 253 // about to wrap past 255 -> 1

	for n := 0; n < 5; n++ {
		if err := i.WriteRaw([]byte{byte(n)}); err != nil {
			t.Fatalf("WriteRaw #%d: %v", n, err)
		}
	}

	wantTags := []byte{254, 255, 1, 2, 3}
	for idx, w := range out.writes {
		if w[1] != wantTags[idx] {
			t.Errorf("write %d bTag = %d, want %d", idx, w[1], wantTags[idx])
		}
		if w[2] != ^w[1] {
			t.Errorf("write %d complement = %#x, want %#x", idx, w[2], ^w[1])
		}
		if w[1] == 0 {
			t.Errorf("write %d used bTag 0", idx)
		}
	}
}

// TestWriteRawChunkingAndEOM is property 2 and 3: a payload larger than
// maxTransferSize splits into chunks whose concatenation reproduces the
// payload, only the last chunk carries EOM, and every transmitted buffer
// length is a multiple of 4.
func TestWriteRawChunkingAndEOM(t *testing.T) {
	i, out, _, _ := newTestInstrument()
	i.maxTransferSize = 7

	payload := []byte("0123456789abcdefghij") // 20 bytes -> chunks of 7, 7 and 6
	if err := i.WriteRaw(payload); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	if len(out.writes) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(out.writes))
	}

	var reassembled []byte
	for idx, w := range out.writes {
		if len(w)%4 != 0 {
			t.Errorf("write %d length %d is not a multiple of 4", idx, len(w))
		}
		size := int(w[4]) | int(w[5])<<8 | int(w[6])<<16 | int(w[7])<<24
		reassembled = append(reassembled, w[headerSize:headerSize+size]...)

		eom := w[8]&0x01 != 0
		wantEOM := idx == len(out.writes)-1
		if eom != wantEOM {
			t.Errorf("write %d EOM = %v, want %v", idx, eom, wantEOM)
		}
	}
	if !bytes.Equal(reassembled, payload) {
		t.Errorf("reassembled payload = %q, want %q", reassembled, payload)
	}
}

// TestReadRawEchoRoundTrip is property 4's second half: write_raw(b);
// read_raw() == b against a transport that echoes back whatever was sent,
// framed as a single DEV_DEP_MSG_IN response.
func TestReadRawEchoRoundTrip(t *testing.T) {
	i, _, in, _ := newTestInstrument()
	payload := []byte("echo me")
	// WriteRaw consumes bTag 1; the subsequent REQUEST_DEV_DEP_MSG_IN
	// consumes bTag 2.
	in.replies = [][]byte{bulkInFrame(2, payload, true)}

	if err := i.WriteRaw(payload); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	got, err := i.ReadRaw()
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReadRaw = %q, want %q", got, payload)
	}
}

// TestReadRawMultiPacketEOM exercises the default (non-quirk) read loop
// continuing across packets until EOM is set.
func TestReadRawMultiPacketEOM(t *testing.T) {
	i, _, in, _ := newTestInstrument()
	in.replies = [][]byte{
		bulkInFrame(1, []byte("hello "), false),
		bulkInFrame(2, []byte("world"), true),
	}
	got, err := i.ReadRaw()
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("ReadRaw = %q, want %q", got, "hello world")
	}
}

// TestReadRawBTagMismatchIsProtocolError verifies a response whose bTag
// disagrees with what was sent is surfaced as a protocol error, not
// silently accepted, and that the abort sub-protocol (reserved for
// timeouts) stays out of it.
func TestReadRawBTagMismatchIsProtocolError(t *testing.T) {
	i, _, in, ctrl := newTestInstrument()
	in.replies = [][]byte{bulkInFrame(99, []byte("x"), true)}

	_, err := i.ReadRaw()
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
	for _, c := range ctrl.calls {
		if c.rType == classEndpointIn() && c.request == reqInitiateAbortBulkIn {
			t.Fatal("INITIATE_ABORT_BULK_IN issued for a protocol error")
		}
	}
}
