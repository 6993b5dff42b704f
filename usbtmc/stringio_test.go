package usbtmc

import (
	"strings"
	"testing"
)

// TestWriteASCIIEncodingRejectsNonASCII checks the "ascii" session
// encoding refuses a message with a byte outside 7-bit instead of
// putting it on the wire.
func TestWriteASCIIEncodingRejectsNonASCII(t *testing.T) {
	i, out, _, _ := newTestInstrument()
	i.encoding = "ascii"

	err := i.Write("VOLT 1µV")
	if err == nil {
		t.Fatal("expected an error for a non-ascii byte in ascii encoding")
	}
	if len(out.writes) != 0 {
		t.Errorf("expected nothing transmitted, got %d writes", len(out.writes))
	}
}

// TestReadASCIIEncodingRejectsNonASCII is the read-side counterpart: a
// reply byte outside 7-bit fails the decode.
func TestReadASCIIEncodingRejectsNonASCII(t *testing.T) {
	i, _, in, _ := newTestInstrument()
	i.encoding = "ascii"
	in.replies = [][]byte{bulkInFrame(1, []byte{'O', 'K', 0xb5}, true)}

	if _, err := i.Read(); err == nil {
		t.Fatal("expected an error for a non-ascii reply byte in ascii encoding")
	}
}

// TestUTF8EncodingPassesThrough checks the default encoding puts the
// message bytes on the wire untouched.
func TestUTF8EncodingPassesThrough(t *testing.T) {
	i, out, _, _ := newTestInstrument()

	if err := i.Write("VOLT 1µV"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(out.writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(out.writes))
	}
	payload := out.writes[0][headerSize:]
	if !strings.HasPrefix(string(payload), "VOLT 1µV") {
		t.Errorf("payload = %q, want it to start with %q", payload, "VOLT 1µV")
	}
}
