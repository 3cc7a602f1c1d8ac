//go:build linux

package lintronic

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultBaud is the LinTronic interface's fixed line speed.
const DefaultBaud = 19200

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// SupportedBaud reports whether OpenSerial accepts baud.
func SupportedBaud(baud int) bool {
	_, ok := baudRates[baud]
	return ok
}

// Port is a serial device configured for raw 8N1 I/O.
//
// The file descriptor is only touched through SyscallConn so reads stay on
// the runtime poller and Close unblocks a pending Read.
type Port struct {
	f    *os.File
	path string
}

// OpenSerial opens path and configures it for raw 8N1 at baud.
func OpenSerial(path string, baud int) (*Port, error) {
	speed, ok := baudRates[baud]
	if !ok {
		return nil, fmt.Errorf("unsupported baud rate %d", baud)
	}

	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	p := &Port{f: f, path: path}
	if err := p.control(func(fd int) error { return makeRaw(fd, speed) }); err != nil {
		f.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}
	return p, nil
}

func makeRaw(fd int, speed uint32) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("tcgets: %w", err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed

	// Block until at least one byte is available, no inter-byte timer.
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("tcsets: %w", err)
	}
	return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)
}

func (p *Port) control(fn func(fd int) error) error {
	rc, err := p.f.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	return opErr
}

func (p *Port) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *Port) Write(b []byte) (int, error) { return p.f.Write(b) }

// Drain blocks until all written output has been transmitted (tcdrain).
func (p *Port) Drain() error {
	return p.control(func(fd int) error {
		// TCSBRK with a non-zero argument is tcdrain(3).
		return unix.IoctlSetInt(fd, unix.TCSBRK, 1)
	})
}

func (p *Port) Close() error { return p.f.Close() }

func (p *Port) String() string { return p.path }
