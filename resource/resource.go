// Package resource parses VISA-style USB resource strings of the form
// USB[n]::VID::PID[::SERIAL]::INSTR.
package resource

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidResource is returned when a resource string does not match the
// VISA USB instrument grammar, or when a required field cannot be parsed
// as an integer.
var ErrInvalidResource = errors.New("invalid resource string")

var grammar = regexp.MustCompile(`(?i)^(USB\d*)::([^\s:]+)::([^\s:]+(?:\[.+\])?)(?:::([^\s:]+))?::INSTR$`)

// Resource is a parsed VISA USB resource string.
type Resource struct {
	// Board is the leading "USB" or "USBn" token, upper-cased.
	Board string

	// VID is the vendor ID.
	VID uint16

	// PID is the product ID.
	PID uint16

	// Serial is the instrument's serial number, or "" if the resource
	// string did not include one (first matching device wins in that case).
	Serial string
}

// Parse parses a VISA resource string such as
// "USB0::0x0957::0x17A4::MY50000001::INSTR" or "USB::1234::5678::INSTR".
//
// ARG1 and ARG2 accept C-style radix autodetection: a "0x" prefix selects
// hex, otherwise the value is decimal.
func Parse(s string) (Resource, error) {
	var out Resource

	m := grammar.FindStringSubmatch(s)
	if m == nil {
		return out, errors.Wrap(ErrInvalidResource, s)
	}

	board, arg1, arg2, arg3 := m[1], m[2], m[3], m[4]

	parseID := func(s string) (uint64, error) {
		if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
			return strconv.ParseUint(s[2:], 16, 16)
		}
		return strconv.ParseUint(s, 10, 16)
	}

	vid, err := parseID(arg1)
	if err != nil {
		return out, errors.Wrapf(ErrInvalidResource, "vendor id %q: %v", arg1, err)
	}
	pid, err := parseID(arg2)
	if err != nil {
		return out, errors.Wrapf(ErrInvalidResource, "product id %q: %v", arg2, err)
	}

	out.Board = strings.ToUpper(board)
	out.VID = uint16(vid)
	out.PID = uint16(pid)
	out.Serial = arg3
	return out, nil
}

// Format renders vid, pid and serial in canonical decimal form,
// "USB::VID::PID::INSTR" or "USB::VID::PID::SERIAL::INSTR" when serial is
// non-empty. The board token is always "USB".
func Format(vid, pid uint16, serial string) string {
	board := "USB"
	if serial == "" {
		return board + "::" + strconv.Itoa(int(vid)) + "::" + strconv.Itoa(int(pid)) + "::INSTR"
	}
	return board + "::" + strconv.Itoa(int(vid)) + "::" + strconv.Itoa(int(pid)) + "::" + serial + "::INSTR"
}
