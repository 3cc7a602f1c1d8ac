package lintronic

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrAddressMismatch is returned for frames not sent by the LinTronic box to us.
	ErrAddressMismatch = errors.New("address mismatch")
	// ErrChecksumMismatch is returned when the transmitted checksum does not match.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrShortFrame is returned when the frame tail cannot hold a checksum.
	ErrShortFrame = errors.New("short frame")
	// ErrConnectionLost wraps any read or write failure on the underlying stream.
	ErrConnectionLost = errors.New("lintronic connection lost")
)

// Frame is one validated inbound message.
type Frame struct {
	Dst  string
	Src  string
	Code string
	// Data is everything between the command code and the checksum
	// (payload, repeat count and magic suffix).
	Data     []byte
	Checksum string
}

func (f Frame) String() string {
	return fmt.Sprintf("%s->%s cmd=%s data=%s", f.Src, f.Dst, f.Code, f.Data)
}

// Decoder reads frames from a byte stream.
type Decoder struct {
	r *bufio.Reader

	// Local and Remote are the addresses an inbound frame must carry as
	// destination and source respectively.
	Local  string
	Remote string
}

// NewDecoder returns a decoder accepting frames from RemoteAddress to OurAddress.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:      bufio.NewReader(r),
		Local:  OurAddress,
		Remote: RemoteAddress,
	}
}

// ReadFrame waits for the next start marker and decodes one frame.
//
// ErrAddressMismatch, ErrChecksumMismatch and ErrShortFrame are per-frame
// rejections; the decoder stays usable and the next call resynchronizes on
// the next start marker. Any other error comes from the stream and is wrapped
// in ErrConnectionLost.
func (d *Decoder) ReadFrame() (Frame, error) {
	if _, err := d.r.ReadBytes(StartOfFrame); err != nil {
		return Frame{}, streamErr(err)
	}

	dst, err := d.readExactly(addressLen)
	if err != nil {
		return Frame{}, err
	}
	if string(dst) != d.Local {
		return Frame{Dst: string(dst)}, fmt.Errorf("%w: destination %q", ErrAddressMismatch, dst)
	}

	src, err := d.readExactly(addressLen)
	if err != nil {
		return Frame{}, err
	}
	if string(src) != d.Remote {
		return Frame{Dst: string(dst), Src: string(src)}, fmt.Errorf("%w: source %q", ErrAddressMismatch, src)
	}

	code, err := d.readExactly(codeLen)
	if err != nil {
		return Frame{}, err
	}

	tail, err := d.r.ReadBytes(EndOfFrame)
	if err != nil {
		return Frame{}, streamErr(err)
	}

	f := Frame{Dst: string(dst), Src: string(src), Code: string(code)}

	// tail = data + checksum + '>'
	if len(tail) < checksumLen+1 {
		return f, fmt.Errorf("%w: %d byte tail", ErrShortFrame, len(tail))
	}
	f.Data = bytes.Clone(tail[:len(tail)-checksumLen-1])
	f.Checksum = string(tail[len(tail)-checksumLen-1 : len(tail)-1])

	msg := make([]byte, 0, len(dst)+len(src)+len(code)+len(f.Data))
	msg = append(msg, dst...)
	msg = append(msg, src...)
	msg = append(msg, code...)
	msg = append(msg, f.Data...)

	if expected := string(Checksum(msg)); f.Checksum != expected {
		return f, fmt.Errorf("%w: got %s, expected %s", ErrChecksumMismatch, f.Checksum, expected)
	}

	return f, nil
}

func (d *Decoder) readExactly(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, streamErr(err)
	}
	return buf, nil
}

func streamErr(err error) error {
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

// IsFrameRejection reports whether err only rejects a single frame.
func IsFrameRejection(err error) bool {
	return errors.Is(err, ErrAddressMismatch) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrShortFrame)
}
