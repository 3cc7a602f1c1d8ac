//go:build !linux

package lintronic

import (
	"errors"
	"runtime"
)

// DefaultBaud is the LinTronic interface's fixed line speed.
const DefaultBaud = 19200

// SupportedBaud reports whether OpenSerial accepts baud.
func SupportedBaud(baud int) bool {
	return baud == DefaultBaud
}

// Port is a serial device configured for raw 8N1 I/O.
type Port struct{}

// OpenSerial is only implemented on Linux.
func OpenSerial(path string, baud int) (*Port, error) {
	return nil, errors.New("serial ports are not supported on " + runtime.GOOS)
}

func (p *Port) Read(b []byte) (int, error)  { return 0, errors.ErrUnsupported }
func (p *Port) Write(b []byte) (int, error) { return 0, errors.ErrUnsupported }
func (p *Port) Drain() error                { return errors.ErrUnsupported }
func (p *Port) Close() error                { return nil }
func (p *Port) String() string              { return "" }
