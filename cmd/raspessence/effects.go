package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"raspessence/lintronic"
)

// AmpSender delivers LinTronic commands to the amplifier.
type AmpSender interface {
	Send(ctx context.Context, cmd lintronic.Command, repeat int) error
}

// PlayerPauser is the coordinator's only handle on the player.
type PlayerPauser interface {
	SendPause(ctx context.Context) error
}

// effectEnv holds everything runEffect touches.
type effectEnv struct {
	amp    AmpSender
	player PlayerPauser
	timers *shutdownTimers

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	logger *slog.Logger
}

// runEffect executes a single reducer-emitted Command.
//
// Design rules:
// - This function is allowed to perform I/O.
// - It must never call Reduce() directly; timer wake-ups come back as Events.
// - A non-nil error is fatal to the daemon loop (amplifier link lost).
func runEffect(ctx context.Context, env *effectEnv, cmd Command) error {
	switch c := cmd.(type) {
	case CmdSendAmp:
		env.logger.Info("sending lintronic command", "command", c.Cmd, "repeat", c.Repeat)
		if err := env.amp.Send(ctx, c.Cmd, c.Repeat); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("send %s: %w", c.Cmd, err)
		}

	case CmdSleep:
		if err := env.sleep(ctx, c.D); err != nil {
			return nil
		}

	case CmdPausePlayer:
		if env.player == nil {
			env.logger.Warn("no player session, not pausing")
			return nil
		}
		err := env.player.SendPause(ctx)
		switch {
		case err == nil:
			env.logger.Debug("paused player")
		case errors.Is(err, ErrNoSession):
			env.logger.Warn("no player session, not pausing")
		default:
			env.logger.Error("pausing player failed", "error", err)
		}

	case CmdArmShutdownTimer:
		env.timers.arm(ctx, c.Gen, c.After)
		env.logger.Info("armed shutdown timer", "after", c.After, "gen", c.Gen)

	case CmdCancelShutdownTimer:
		env.timers.cancel()
		env.logger.Debug("cancelled shutdown timer")

	case CmdAck:
		if c.Done != nil {
			close(c.Done)
		}

	case CmdPublishStateSnapshot:
		if c.Reply == nil {
			env.logger.Warn("state snapshot requested with nil reply channel")
			return nil
		}

		// Never block the daemon loop on a slow requester.
		select {
		case c.Reply <- c.Snapshot:
		default:
			env.logger.Warn("state snapshot reply channel not ready; dropping snapshot")
		}

	default:
		env.logger.Warn("unknown command type", "command", cmd.String())
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Shutdown timers
// ============================================================================

// timerHandle is the part of *time.Timer the daemon needs.
type timerHandle interface {
	Stop() bool
}

// shutdownTimers owns the single pending timer. A firing timer posts
// ShutdownTimerFired with the generation it was armed with; the reducer
// discards it if that generation has been superseded.
type shutdownTimers struct {
	events chan<- Event

	// afterFunc is replaced in tests.
	afterFunc func(d time.Duration, f func()) timerHandle

	mu      sync.Mutex
	pending timerHandle
}

func newShutdownTimers(events chan<- Event) *shutdownTimers {
	return &shutdownTimers{
		events: events,
		afterFunc: func(d time.Duration, f func()) timerHandle {
			return time.AfterFunc(d, f)
		},
	}
}

func (t *shutdownTimers) arm(ctx context.Context, gen uint64, after time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		t.pending.Stop()
	}
	t.pending = t.afterFunc(after, func() {
		select {
		case t.events <- ShutdownTimerFired{Gen: gen}:
		case <-ctx.Done():
		}
	})
}

func (t *shutdownTimers) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}
