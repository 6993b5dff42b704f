// Package scpi provides typed convenience wrappers for issuing SCPI
// queries and commands over a USBTMC session.
package scpi

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Transport is the subset of usbtmc.Instrument this package needs: a
// write-only command and a write-then-read query, both already aware of
// message framing, termination characters, and per-transfer timeouts.
type Transport interface {
	Write(s string) error
	Ask(s string, num ...int) (string, error)
}

// SCPI adds typed query helpers on top of a Transport.
type SCPI struct {
	T Transport
}

// New wraps t in a SCPI convenience layer.
func New(t Transport) SCPI {
	return SCPI{T: t}
}

// Write sends cmds joined by a space as a single command.
func (s SCPI) Write(cmds ...string) error {
	return s.T.Write(strings.Join(cmds, " "))
}

// ReadString sends cmds joined by a space and returns the reply string.
func (s SCPI) ReadString(cmds ...string) (string, error) {
	return s.T.Ask(strings.Join(cmds, " "))
}

// ReadFloat is ReadString with the reply parsed as a float64.
func (s SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadBool is ReadString with the reply parsed as a boolean. SCPI
// instruments commonly answer boolean queries with "0"/"1" rather than
// "false"/"true"; both forms parse.
func (s SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// ReadInt is ReadString with the reply parsed as an integer.
func (s SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}

// PopError pops a single error off the device's SCPI error queue. It
// returns nil once the queue reports "+0,..." (no error).
func (s SCPI) PopError() error {
	str, err := s.ReadString("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	str = strings.TrimSpace(str)
	if strings.HasPrefix(str, "+0") {
		return nil
	}
	return errors.New(str)
}

// AllErrors drains the device's SCPI error queue.
func (s SCPI) AllErrors() []error {
	var errs []error
	for {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
	}
	return errs
}
