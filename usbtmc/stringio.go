package usbtmc

import (
	"strings"

	"github.com/pkg/errors"
)

// encode renders s in the session encoding. SCPI is byte-oriented, so
// "utf-8" (the default) passes the string's bytes through untouched;
// "ascii" additionally rejects anything outside 7-bit.
func (i *Instrument) encode(s string) ([]byte, error) {
	if i.encoding == "ascii" {
		for idx := 0; idx < len(s); idx++ {
			if s[idx] > 0x7f {
				return nil, errors.Errorf("usbtmc: byte %#x at offset %d is not ascii", s[idx], idx)
			}
		}
	}
	return []byte(s), nil
}

// decode is the inverse of encode, applied to instrument replies.
func (i *Instrument) decode(b []byte) (string, error) {
	if i.encoding == "ascii" {
		for idx, c := range b {
			if c > 0x7f {
				return "", errors.Errorf("usbtmc: byte %#x at offset %d in reply is not ascii", c, idx)
			}
		}
	}
	return string(b), nil
}

// Write sends s as a single USBTMC message in the session encoding, with
// no implied termination character: callers that want a trailing newline
// include one in s. Serialization against the bTag sequence is WriteRaw's
// job, not this method's: it delegates directly.
func (i *Instrument) Write(s string) error {
	b, err := i.encode(s)
	if err != nil {
		return err
	}
	return i.WriteRaw(b)
}

// WriteMany writes each of parts as its own USBTMC message, in order,
// stopping at the first failure.
func (i *Instrument) WriteMany(parts ...string) error {
	for _, s := range parts {
		if err := i.Write(s); err != nil {
			return err
		}
	}
	return nil
}

// Read reads one USBTMC message and returns it as a string in the
// session encoding with any trailing CR/LF stripped. An optional num caps
// the number of bytes read (see ReadRaw); passing none reads until EOM.
// Serialization against the bTag sequence is ReadRaw's job, not this
// method's: it delegates directly.
func (i *Instrument) Read(num ...int) (string, error) {
	b, err := i.ReadRaw(num...)
	if err != nil {
		return "", err
	}
	s, err := i.decode(b)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s, "\r\n"), nil
}

// Ask writes s and returns the instrument's reply, capped to num bytes if
// given. Advantest/ADCMT hardware won't answer a query unless it's in
// local-lockout mode, so on those devices the query is wrapped with the
// vendor lock/unlock pair, restoring whatever lock state the session was
// in beforehand.
func (i *Instrument) Ask(s string, num ...int) (string, error) {
	unlock, err := i.lockForQuery()
	if err != nil {
		return "", err
	}
	defer unlock()
	if err := i.Write(s); err != nil {
		return "", err
	}
	return i.Read(num...)
}

// AskRaw is WriteRaw followed by ReadRaw, capped to num bytes if given,
// with the same Advantest lock wrapping as Ask.
func (i *Instrument) AskRaw(data []byte, num ...int) ([]byte, error) {
	unlock, err := i.lockForQuery()
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := i.WriteRaw(data); err != nil {
		return nil, err
	}
	return i.ReadRaw(num...)
}

// lockForQuery takes the Advantest vendor lock when the quirk calls for it
// and the session isn't already locked, returning the release to defer. On
// every other device it's a no-op.
func (i *Instrument) lockForQuery() (func(), error) {
	if !i.q.advantest || i.q.advantestLocked {
		return func() {}, nil
	}
	if err := i.Lock(); err != nil {
		return nil, err
	}
	return func() { _ = i.Unlock() }, nil
}

// AskMany is WriteMany followed by Read.
func (i *Instrument) AskMany(parts ...string) (string, error) {
	if err := i.WriteMany(parts...); err != nil {
		return "", err
	}
	return i.Read()
}
