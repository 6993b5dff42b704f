package util_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/labtools/usbtmc/util"
)

func ExampleSetBit_msb() {
	out := util.SetBit(0, 7, true)
	fmt.Printf("%08b\n", out)
	// Output: 10000000
}

func ExampleSetBit_lsb() {
	out := util.SetBit(255, 0, false)
	fmt.Printf("%08b\n", out)
	// Output: 11111110
}

func TestGetBit(t *testing.T) {
	b := byte(0b00000100)
	if !util.GetBit(b, 2) {
		t.Errorf("expected bit 2 of %08b to be set", b)
	}
	if util.GetBit(b, 0) {
		t.Errorf("expected bit 0 of %08b to be clear", b)
	}
}

func TestMergeErrorsNilWhenEmpty(t *testing.T) {
	if err := util.MergeErrors(nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := util.MergeErrors([]error{nil, nil}); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestMergeErrorsJoinsNonNil(t *testing.T) {
	errs := []error{errors.New("a"), nil, errors.New("b")}
	err := util.MergeErrors(errs)
	if err == nil {
		t.Fatal("expected non-nil error")
	}
	if err.Error() != "a\nb" {
		t.Errorf("expected %q, got %q", "a\nb", err.Error())
	}
}
