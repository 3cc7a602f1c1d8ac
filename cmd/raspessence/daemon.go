package main

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop - Reducer-driven coordinator
// ============================================================================
//
// Design rules enforced here:
//   - The reducer performs no I/O and computes: next state + commands.
//   - The daemon loop is the only place that executes side effects
//     (LinTronic frames, player pause, shutdown timers).
//   - Player callbacks, the HTTP trigger and timer wake-ups only post Events;
//     DaemonState is never touched outside this goroutine.
//
// ============================================================================

// ErrCoordinatorStopped is returned to requesters once the daemon loop has exited.
var ErrCoordinatorStopped = errors.New("coordinator stopped")

// Coordinator is the event coordinator: it owns DaemonState and the shutdown timer.
type Coordinator struct {
	events  chan Event
	stopped chan struct{}

	state *DaemonState
	cfg   CoordinatorConfig
	env   *effectEnv

	broadcasts chan StateBroadcast
	metrics    *Metrics
	logger     *slog.Logger
}

// NewCoordinator wires a coordinator to the amplifier and the player.
// metrics may be nil.
func NewCoordinator(amp AmpSender, player PlayerPauser, cfg CoordinatorConfig, metrics *Metrics, logger *slog.Logger) *Coordinator {
	events := make(chan Event, eventQueueSize)
	return &Coordinator{
		events:  events,
		stopped: make(chan struct{}),
		state:   NewDaemonState(),
		cfg:     cfg,
		env: &effectEnv{
			amp:    amp,
			player: player,
			timers: newShutdownTimers(events),
			sleep:  sleepContext,
			logger: logger,
		},
		broadcasts: make(chan StateBroadcast, broadcastQueueSize),
		metrics:    metrics,
		logger:     logger,
	}
}

// Events is the channel property callbacks post into.
func (c *Coordinator) Events() chan<- Event { return c.events }

// Broadcasts carries state notifications for the WS broadcaster. Sends are
// non-blocking; notifications are dropped when nobody keeps up.
func (c *Coordinator) Broadcasts() <-chan StateBroadcast { return c.broadcasts }

// Run is the daemon loop. It returns nil when ctx is canceled and an error
// when a side effect failed fatally (amplifier link lost).
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)
	defer c.env.timers.cancel()

	c.metrics.ObserveState(c.state)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("daemon stopping (context canceled)")
			return nil

		case ev := <-c.events:
			if err := c.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev Event) error {
	rr := Reduce(c.state, TimedEvent{Event: ev, At: time.Now()}, c.cfg, c.logger)
	if rr.State != nil {
		c.state = rr.State
	}

	for _, b := range rr.Broadcasts {
		select {
		case c.broadcasts <- b:
		default:
			c.logger.Debug("broadcast queue full; dropping", "broadcast", b)
		}
	}

	for _, cmd := range rr.Commands {
		if err := runEffect(ctx, c.env, cmd); err != nil {
			c.logger.Error("daemon command failed", "command", cmd.String(), "error", err)
			return err
		}
	}

	c.metrics.ObserveState(c.state)
	return nil
}

// Post hands an event to the daemon loop.
func (c *Coordinator) Post(ctx context.Context, ev Event) error {
	select {
	case <-c.stopped:
		return ErrCoordinatorStopped
	default:
	}

	select {
	case c.events <- ev:
		return nil
	case <-c.stopped:
		return ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PowerOff runs the power-off sequence and returns once it has completed.
func (c *Coordinator) PowerOff(ctx context.Context) error {
	done := make(chan struct{})
	if err := c.Post(ctx, PowerOffRequested{Done: done}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-c.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrCoordinatorStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the coordinator state.
func (c *Coordinator) Snapshot(ctx context.Context) (StateSnapshot, error) {
	reply := make(chan StateSnapshot, 1)
	if err := c.Post(ctx, RequestStateSnapshot{Reply: reply}); err != nil {
		return StateSnapshot{}, err
	}

	select {
	case s := <-reply:
		return s, nil
	case <-c.stopped:
		return StateSnapshot{}, ErrCoordinatorStopped
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}
}
