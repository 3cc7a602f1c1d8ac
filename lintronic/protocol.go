package lintronic

import (
	"fmt"
	"strings"
)

// ============================================================================
// LinTronic Wire Protocol
// ============================================================================
// Every frame on the serial link looks like this:
//
//	<  DD SS CCC payload RRR 024 KKK  >
//
//	DD   destination address (2 ASCII digits)
//	SS   source address (2 ASCII digits)
//	CCC  command code (first 3 digits of the command blob)
//	RRR  repeat count, zero padded decimal
//	024  magic suffix
//	KKK  checksum: sum of all bytes from DD through the magic suffix, mod 256,
//	     zero padded decimal
//
// The LinTronic box never acknowledges anything we send.
// ============================================================================

const (
	StartOfFrame = '<'
	EndOfFrame   = '>'

	// OurAddress is the address of this bridge on the link.
	OurAddress = "00"
	// RemoteAddress is the address of the LinTronic interface.
	RemoteAddress = "01"

	MagicSuffix = "024"

	addressLen  = 2
	codeLen     = 3
	repeatLen   = 3
	checksumLen = 3

	// MaxRepeat is the largest repeat count that fits the 3-digit field.
	MaxRepeat = 999
)

// Command is a symbolic amplifier command.
type Command int

const (
	VolumeDown Command = iota
	VolumeUp
	AudioAux
	AudioNext
	AudioPrev
	AudioPause
	AudioPlay
	ATape2
	AudioPowerOff

	numCommands
)

// commandBlobs maps each command to its opaque payload. The first three digits
// double as the frame's command code.
var commandBlobs = [numCommands]string{
	VolumeDown:    "040255010010701001100000000000000",
	VolumeUp:      "040255010010701000096000000000000",
	AudioAux:      "040255010010701001131000000000000",
	AudioNext:     "040255010010701001052000000000000",
	AudioPrev:     "040255010010701001050000000000000",
	AudioPause:    "040255010010701001054000000000000",
	AudioPlay:     "040255010010701001053000000000000",
	ATape2:        "040255010010701001148000000000000",
	AudioPowerOff: "040255010010701001012000000000000",
}

var commandNames = [numCommands]string{
	VolumeDown:    "VOLUME_DOWN",
	VolumeUp:      "VOLUME_UP",
	AudioAux:      "AUDIO_AUX",
	AudioNext:     "AUDIO_NEXT",
	AudioPrev:     "AUDIO_PREV",
	AudioPause:    "AUDIO_PAUSE",
	AudioPlay:     "AUDIO_PLAY",
	ATape2:        "A_TAPE2",
	AudioPowerOff: "AUDIO_POWER_OFF",
}

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	return c >= 0 && c < numCommands
}

func (c Command) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Command(%d)", int(c))
	}
	return commandNames[c]
}

// Payload returns the command's wire blob.
func (c Command) Payload() []byte {
	if !c.Valid() {
		return nil
	}
	return []byte(commandBlobs[c])
}

// Commands returns all known commands in table order.
func Commands() []Command {
	out := make([]Command, 0, numCommands)
	for c := Command(0); c < numCommands; c++ {
		out = append(out, c)
	}
	return out
}

// ParseCommand resolves a command by name. Matching is case-insensitive and
// accepts '-' in place of '_'.
func ParseCommand(name string) (Command, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	for c, n := range commandNames {
		if n == norm {
			return Command(c), nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", name)
}

// Checksum returns the 3-digit ASCII checksum of data.
func Checksum(data []byte) []byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return []byte(fmt.Sprintf("%03d", sum))
}

// EncodeFrame builds the complete frame for sending cmd to the LinTronic box
// repeat times.
func EncodeFrame(cmd Command, repeat int) ([]byte, error) {
	if !cmd.Valid() {
		return nil, fmt.Errorf("encode frame: unknown command %d", int(cmd))
	}
	if repeat < 0 || repeat > MaxRepeat {
		return nil, fmt.Errorf("encode frame: repeat count %d out of range 0..%d", repeat, MaxRepeat)
	}

	body := make([]byte, 0, addressLen*2+len(commandBlobs[cmd])+repeatLen+len(MagicSuffix))
	body = append(body, RemoteAddress...)
	body = append(body, OurAddress...)
	body = append(body, commandBlobs[cmd]...)
	body = fmt.Appendf(body, "%03d", repeat)
	body = append(body, MagicSuffix...)

	return wrap(body), nil
}

// wrap appends the checksum to body and adds the frame delimiters.
func wrap(body []byte) []byte {
	frame := make([]byte, 0, len(body)+checksumLen+2)
	frame = append(frame, StartOfFrame)
	frame = append(frame, body...)
	frame = append(frame, Checksum(body)...)
	frame = append(frame, EndOfFrame)
	return frame
}
