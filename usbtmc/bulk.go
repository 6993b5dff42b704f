package usbtmc

import (
	"context"
	"strconv"
)

// WriteRaw sends data as one or more DEV_DEP_MSG_OUT messages, splitting
// it into maxTransferSize chunks and marking only the final chunk EOM.
// Most instruments never see more than one chunk; the loop exists for the
// rare payload that exceeds maxTransferSize (or, on Advantest, the
// standing 63-byte limit).
func (i *Instrument) WriteRaw(data []byte) error {
	return i.WriteRawContext(context.Background(), data)
}

// WriteRawContext is WriteRaw with caller-supplied cancellation layered on
// top of the per-transfer timeout: whichever of ctx or i.timeout elapses
// first aborts the in-flight bulk-OUT transaction and returns ErrTimeout.
func (i *Instrument) WriteRawContext(ctx context.Context, data []byte) error {
	if i.bulkOut == nil {
		return ErrNotConnected
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	for off := 0; off < len(data); off += i.maxTransferSize {
		end := off + i.maxTransferSize
		if end > len(data) {
			end = len(data)
		}
		eom := end == len(data)
		if err := i.writeChunk(ctx, data[off:end], eom); err != nil {
			return err
		}
	}
	return nil
}

func (i *Instrument) writeChunk(ctx context.Context, chunk []byte, eom bool) error {
	tag := i.tags.nextBulkTag()
	hdr := packDevDepMsgOutHeader(tag, uint32(len(chunk)), eom)

	buf := make([]byte, 0, headerSize+len(chunk)+padLen4(len(chunk)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, chunk...)
	buf = append(buf, make([]byte, padLen4(len(chunk)))...)

	_, err := i.runWithDeadline(ctx, func() (int, error) { return i.bulkOut.Write(buf) })
	if err != nil {
		if err == ErrTimeout || isTimeoutErr(err) {
			if abortErr := i.AbortBulkOut(tag); abortErr != nil {
				i.Logger.Printf("usbtmc: abort bulk-out after write timeout: %v", abortErr)
			}
			return ErrTimeout
		}
		return wrapTransport("write", err)
	}
	return nil
}

// ReadRaw reads a single instrument response. It requests up to
// maxTransferSize bytes per REQUEST_DEV_DEP_MSG_IN and keeps issuing
// further requests until the device sets EOM, per-vendor quirk handling
// permitting. An optional num caps the number of payload bytes returned;
// ReadRaw stops as soon as that many bytes are accumulated even if the
// device hasn't posted EOM yet. Passing no num (or a non-positive one)
// reads until EOM.
//
// Rigol devices with the missing-per-packet-header quirk only answer the
// first REQUEST_DEV_DEP_MSG_IN with a framed packet; every subsequent
// bulk-IN read for the same message is raw payload with no further
// request sent. The accumulated size to read to comes from the first
// header's declared TransferSize, unless the device (PID 0x04ce) embeds
// an IEEE 488.2 definite-length block, whose own "#<L><N>" prefix gives
// the authoritative size instead; the declared TransferSize on those
// units is known to lie.
func (i *Instrument) ReadRaw(num ...int) ([]byte, error) {
	return i.ReadRawContext(context.Background(), num...)
}

// ReadRawContext is ReadRaw with caller-supplied cancellation layered on
// top of the per-transfer timeout, the same way WriteRawContext layers it
// onto WriteRaw.
func (i *Instrument) ReadRawContext(ctx context.Context, num ...int) ([]byte, error) {
	if i.bulkIn == nil {
		return nil, ErrNotConnected
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	want := -1
	if len(num) > 0 && num[0] > 0 {
		want = num[0]
	}

	var out []byte
	var tag byte
	expected := -1
	first := true
	for {
		readLen := i.maxTransferSize
		if want > 0 {
			if remaining := want - len(out); remaining < readLen {
				readLen = remaining
			}
		}
		if !i.q.rigol || first {
			tag = i.tags.nextBulkTag()
			hdr := packDevDepMsgInHeader(tag, uint32(readLen), i.termChar)
			if _, err := i.runWithDeadline(ctx, func() (int, error) { return i.bulkOut.Write(hdr[:]) }); err != nil {
				if err == ErrTimeout || isTimeoutErr(err) {
					if abortErr := i.AbortBulkIn(tag); abortErr != nil {
						i.Logger.Printf("usbtmc: abort bulk-in after request timeout: %v", abortErr)
					}
					return nil, ErrTimeout
				}
				return nil, wrapTransport("request read", err)
			}
		}

		chunk, eom, declaredSize, err := i.readChunk(ctx, tag, first, readLen)
		if err != nil {
			if err == ErrTimeout {
				if abortErr := i.AbortBulkIn(tag); abortErr != nil {
					i.Logger.Printf("usbtmc: abort bulk-in after read timeout: %v", abortErr)
				}
			}
			return nil, err
		}
		out = append(out, chunk...)
		if first && i.q.rigol {
			expected = declaredSize
		}
		first = false

		if i.q.rigolIEEEBlock {
			if n, ok := ieeeBlockTotalSize(out); ok {
				expected = n
			}
		}

		if i.q.advantest {
			// Advantest devices always report a single complete packet
			// regardless of the EOM bit; trust payload length instead.
			break
		}
		if i.q.rigol {
			if expected >= 0 && len(out) >= expected {
				out = out[:expected]
				break
			}
			if want > 0 && len(out) >= want {
				break
			}
			continue
		}
		if eom && len(chunk) >= declaredSize {
			break
		}
		if want > 0 && len(out) >= want {
			break
		}
	}
	if want > 0 && len(out) > want {
		out = out[:want]
	}
	return out, nil
}

// readChunk reads one bulk-IN transaction and returns its payload,
// whether EOM was set, and the header's declared TransferSize (-1 if this
// packet carries no header). Rigol devices with the missing-header quirk
// omit the 12-byte framing header on every packet after the first.
func (i *Instrument) readChunk(ctx context.Context, tag byte, expectHeader bool, readLen int) ([]byte, bool, int, error) {
	buf := make([]byte, headerSize+readLen+3)
	n, err := i.runWithDeadline(ctx, func() (int, error) { return i.bulkIn.Read(buf) })
	if err != nil {
		if err == ErrTimeout || isTimeoutErr(err) {
			return nil, false, -1, ErrTimeout
		}
		return nil, false, -1, wrapTransport("read", err)
	}
	buf = buf[:n]

	if i.q.rigol && !expectHeader {
		return buf, false, -1, nil
	}

	hdr, err := unpackBulkInHeader(buf)
	if err != nil {
		return nil, false, -1, err
	}
	if hdr.bTag != tag {
		return nil, false, -1, &ProtocolError{Op: "read", Message: "bTag mismatch in bulk-in response"}
	}
	payloadEnd := headerSize + int(hdr.transferSize)
	if payloadEnd > len(buf) {
		payloadEnd = len(buf)
	}
	return buf[headerSize:payloadEnd], hdr.transferAttrBit, int(hdr.transferSize), nil
}

// ieeeBlockTotalSize parses an IEEE 488.2 definite-length arbitrary block
// header (#<L><N_1..N_L>) from the front of buf, for the Rigol DS/MSO
// PIDs that embed one inside a DEV_DEP_MSG_IN payload whose own
// transferSize field cannot be trusted. It returns the total size of the
// block including its own "#<L><N>" prefix (N + L + 2), and whether a
// complete, parseable header was found.
func ieeeBlockTotalSize(buf []byte) (int, bool) {
	if len(buf) < 2 || buf[0] != '#' {
		return 0, false
	}
	nDigits, err := strconv.Atoi(string(buf[1]))
	if err != nil || nDigits <= 0 {
		return 0, false
	}
	if len(buf) < 2+nDigits {
		return 0, false
	}
	length, err := strconv.Atoi(string(buf[2 : 2+nDigits]))
	if err != nil {
		return 0, false
	}
	return length + nDigits + 2, true
}
