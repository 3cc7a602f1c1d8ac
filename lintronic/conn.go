package lintronic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Drainer is implemented by writers that can block until written data has
// actually left the device (tcdrain on a serial port).
type Drainer interface {
	Drain() error
}

// Observer receives transport-level notifications. Used for metrics.
type Observer interface {
	FrameSent(cmd Command, repeat int)
	FrameReceived(f Frame)
	FrameRejected(err error)
}

// Conn is a LinTronic link over an arbitrary byte stream.
//
// Send is safe for concurrent use; frames never interleave. Listen must be
// run by exactly one goroutine.
type Conn struct {
	mu  sync.Mutex
	w   io.Writer
	dec *Decoder

	logger   *slog.Logger
	observer Observer
}

// NewConn wraps rw. If rw implements Drainer, Send waits for each frame to be
// flushed before returning.
func NewConn(rw io.ReadWriter, logger *slog.Logger) *Conn {
	return &Conn{
		w:      rw,
		dec:    NewDecoder(rw),
		logger: logger,
	}
}

// SetObserver installs o. Call before Send/Listen are used concurrently.
func (c *Conn) SetObserver(o Observer) {
	c.observer = o
}

// Send writes cmd with the given repeat count and waits for the write to flush.
// Any write failure is fatal to the link and is wrapped in ErrConnectionLost.
func (c *Conn) Send(ctx context.Context, cmd Command, repeat int) error {
	frame, err := EncodeFrame(cmd, repeat)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("sending message to lintronic", "command", cmd, "repeat", repeat, "frame", string(frame))

	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrConnectionLost, cmd, err)
	}
	if d, ok := c.w.(Drainer); ok {
		if err := d.Drain(); err != nil {
			return fmt.Errorf("%w: drain %s: %w", ErrConnectionLost, cmd, err)
		}
	}

	if c.observer != nil {
		c.observer.FrameSent(cmd, repeat)
	}
	return nil
}

// Listen runs the receive loop until the stream fails or ctx is canceled.
//
// Rejected frames are logged and dropped. A stream failure is returned
// wrapped in ErrConnectionLost, unless ctx was already canceled (the caller
// closed the stream to stop us), in which case Listen returns nil.
func (c *Conn) Listen(ctx context.Context, onFrame func(Frame)) error {
	for {
		f, err := c.dec.ReadFrame()
		if err != nil {
			if IsFrameRejection(err) {
				c.logger.Warn("dropping lintronic frame", "error", err)
				if c.observer != nil {
					c.observer.FrameRejected(err)
				}
				continue
			}
			if ctx.Err() != nil {
				c.logger.Debug("lintronic listener stopped (shutdown)")
				return nil
			}
			return err
		}

		c.logger.Info("got lintronic message", "cmd", f.Code, "data", string(f.Data))
		if c.observer != nil {
			c.observer.FrameReceived(f)
		}
		if onFrame != nil {
			onFrame(f)
		}
	}
}
