// Package config loads the default Instrument options from an optional
// YAML file, the way cmd/multiserver's setupconfig loads server config:
// struct defaults first, then a file overlay if one exists, tolerating a
// missing file.
package config

import (
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// Config is the set of Instrument options that make sense to pin down
// ahead of time rather than pass as Options at every call site: the
// polling/timeout knobs and the default resource string to connect to
// when a program doesn't take one on its command line.
type Config struct {
	// Resource is the default VISA resource string, e.g.
	// "USB0::0x0957::0x17A4::MY50000001::INSTR".
	Resource string `koanf:"Resource" yaml:"Resource"`

	// TermChar is the termination character for bulk-IN framing; 0 means
	// "no termination character requested".
	TermChar byte `koanf:"TermChar" yaml:"TermChar"`

	// TimeoutMillis is the timeout applied to ordinary bulk and control
	// transfers.
	TimeoutMillis int `koanf:"TimeoutMillis" yaml:"TimeoutMillis"`

	// AbortTimeoutMillis is the timeout applied while polling an abort
	// sub-protocol to completion.
	AbortTimeoutMillis int `koanf:"AbortTimeoutMillis" yaml:"AbortTimeoutMillis"`

	// MaxTransferSize caps a single bulk transaction's payload.
	MaxTransferSize int `koanf:"MaxTransferSize" yaml:"MaxTransferSize"`

	// Encoding is "utf-8" or "ascii".
	Encoding string `koanf:"Encoding" yaml:"Encoding"`
}

// Defaults returns the built-in configuration, matching the package
// constants in usbtmc.
func Defaults() Config {
	return Config{
		TimeoutMillis:      5000,
		AbortTimeoutMillis: 5000,
		MaxTransferSize:    1024 * 1024,
		Encoding:           "utf-8",
	}
}

// Load reads path as YAML over top of Defaults(). A missing file is not
// an error: callers that never write a config file just get the
// defaults.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") {
			return Config{}, err
		}
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
