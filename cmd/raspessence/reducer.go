package main

import (
	"log/slog"
	"time"

	"raspessence/lintronic"
)

// This file implements the coordinator's decision logic:
//
//   - Events: player property changes, power-off requests, timer wake-ups
//   - Commands: LinTronic frames, player pause, timer arm/cancel, replies
//   - Reduce(): computes next state + commands
//
// Reduce performs no I/O apart from logging. The daemon loop executes the
// returned commands in order and is the only caller, so DaemonState has a
// single writer.

// CoordinatorConfig holds the reducer's timing policy.
type CoordinatorConfig struct {
	PausedTimeout  time.Duration
	StoppedTimeout time.Duration
	PowerOffSettle time.Duration
}

func defaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		PausedTimeout:  defaultPausedTimeout,
		StoppedTimeout: defaultStoppedTimeout,
		PowerOffSettle: defaultPowerOffSettle,
	}
}

// ==============================
// Broadcasts (state notifications)
// ==============================

// StateBroadcast is a reducer-emitted notification for WS clients.
type StateBroadcast interface {
	broadcastMarker()
}

type BroadcastVolumeChanged struct {
	Volume float64
	At     time.Time
}

func (BroadcastVolumeChanged) broadcastMarker() {}

type BroadcastPlaybackChanged struct {
	Status PlaybackStatus
	At     time.Time
}

func (BroadcastPlaybackChanged) broadcastMarker() {}

type BroadcastShutdownTimer struct {
	Armed    bool
	Deadline time.Time
	At       time.Time
}

func (BroadcastShutdownTimer) broadcastMarker() {}

type BroadcastPlayerPresence struct {
	Name    string
	Present bool
	At      time.Time
}

func (BroadcastPlayerPresence) broadcastMarker() {}

// ReduceResult is the output of Reduce(): next state, the commands to execute
// in order, and notifications for WS clients.
type ReduceResult struct {
	State      *DaemonState
	Commands   []Command
	Broadcasts []StateBroadcast
}

// Reduce computes the coordinator's reaction to one event.
func Reduce(s *DaemonState, e Event, cfg CoordinatorConfig, logger *slog.Logger) ReduceResult {
	if s == nil {
		s = NewDaemonState()
	}

	now := time.Now()
	if te, ok := e.(TimedEvent); ok {
		e = te.Event
		if !te.At.IsZero() {
			now = te.At
		}
	}

	r := &reduction{s: s, now: now}

	switch ev := e.(type) {
	case VolumeChanged:
		// Equal volumes turn the amplifier down: every volume event emits exactly one command.
		if ev.Volume > s.Volume {
			logger.Debug("volume up", "was", s.Volume, "now", ev.Volume)
			r.amp(lintronic.VolumeUp, 1)
		} else {
			logger.Debug("volume down", "was", s.Volume, "now", ev.Volume)
			r.amp(lintronic.VolumeDown, 1)
		}
		s.Volume = ev.Volume
		r.broadcast(BroadcastVolumeChanged{Volume: ev.Volume, At: now})

	case PlaybackStatusChanged:
		reducePlayback(r, ev.Raw, cfg, logger)

	case PowerOffRequested:
		r.amp(lintronic.VolumeDown, powerOffVolumeSteps)
		r.cmd(CmdSleep{D: cfg.PowerOffSettle})
		r.cmd(CmdPausePlayer{})
		r.amp(lintronic.AudioPowerOff, 1)
		r.setPlayback(StatusPaused)
		r.cancelTimer()
		if ev.Done != nil {
			r.cmd(CmdAck{Done: ev.Done})
		}

	case ShutdownTimerFired:
		if !s.Timer.Armed || ev.Gen != s.Timer.Gen {
			logger.Debug("ignoring superseded shutdown timer", "gen", ev.Gen, "current_gen", s.Timer.Gen)
			break
		}
		s.Timer.Armed = false
		r.broadcast(BroadcastShutdownTimer{Armed: false, At: now})

		if s.Playback != StatusPaused && s.Playback != StatusStopped {
			logger.Warn("shutdown timer woke up, but playback was not paused/stopped", "status", s.Playback)
			break
		}
		logger.Info("shutdown timer expired, powering off amplifier", "status", s.Playback)
		r.amp(lintronic.AudioPowerOff, 1)

	case PlayerPresenceChanged:
		s.Player = PlayerPresence{Name: ev.Name, Present: ev.Present}
		r.broadcast(BroadcastPlayerPresence{Name: ev.Name, Present: ev.Present, At: now})

	case RequestStateSnapshot:
		if ev.Reply != nil {
			r.cmd(CmdPublishStateSnapshot{Reply: ev.Reply, Snapshot: s.Snapshot()})
		}

	default:
		// Unknown event type: no-op.
	}

	return ReduceResult{
		State:      s,
		Commands:   r.cmds,
		Broadcasts: r.bcasts,
	}
}

func reducePlayback(r *reduction, raw string, cfg CoordinatorConfig, logger *slog.Logger) {
	s := r.s
	if raw == s.Playback.String() {
		return
	}

	next, ok := ParsePlaybackStatus(raw)
	if !ok {
		logger.Warn("unknown playback status", "status", raw)
		r.setPlayback(StatusUnknown)
		return
	}

	logger.Debug("playback status changed", "from", s.Playback, "to", next)

	switch next {
	case StatusPlaying:
		r.amp(lintronic.AudioAux, 1)
		r.cancelTimer()

	case StatusPaused:
		// Stopped -> Paused means we were just picked as a Connect target and
		// music is about to start: wake the amplifier now.
		if s.Playback == StatusStopped {
			logger.Debug("went from stopped to paused, selecting AUX")
			r.amp(lintronic.AudioAux, 1)
		}
		r.armTimer(cfg.PausedTimeout)

	case StatusStopped:
		r.armTimer(cfg.StoppedTimeout)
	}

	r.setPlayback(next)
}

// reduction accumulates the output of one Reduce call.
type reduction struct {
	s      *DaemonState
	now    time.Time
	cmds   []Command
	bcasts []StateBroadcast
}

func (r *reduction) cmd(c Command) { r.cmds = append(r.cmds, c) }

func (r *reduction) amp(cmd lintronic.Command, repeat int) {
	r.cmd(CmdSendAmp{Cmd: cmd, Repeat: repeat})
}

func (r *reduction) broadcast(b StateBroadcast) { r.bcasts = append(r.bcasts, b) }

func (r *reduction) setPlayback(next PlaybackStatus) {
	if r.s.Playback == next {
		return
	}
	r.s.Playback = next
	r.broadcast(BroadcastPlaybackChanged{Status: next, At: r.now})
}

func (r *reduction) armTimer(timeout time.Duration) {
	gen := r.s.armTimer(timeout, r.now)
	r.cmd(CmdArmShutdownTimer{Gen: gen, After: timeout})
	r.broadcast(BroadcastShutdownTimer{Armed: true, Deadline: r.s.Timer.Deadline(), At: r.now})
}

func (r *reduction) cancelTimer() {
	if !r.s.cancelTimer() {
		return
	}
	r.cmd(CmdCancelShutdownTimer{})
	r.broadcast(BroadcastShutdownTimer{Armed: false, At: r.now})
}
