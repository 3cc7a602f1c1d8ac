package main

import "time"

// PlaybackStatus is the player's playback state as last reported over MPRIS.
type PlaybackStatus int

const (
	StatusUnknown PlaybackStatus = iota
	StatusPlaying
	StatusPaused
	StatusStopped
)

var playbackStatusNames = [...]string{
	StatusUnknown: "Unknown",
	StatusPlaying: "Playing",
	StatusPaused:  "Paused",
	StatusStopped: "Stopped",
}

func (s PlaybackStatus) String() string {
	if s < 0 || int(s) >= len(playbackStatusNames) {
		return playbackStatusNames[StatusUnknown]
	}
	return playbackStatusNames[s]
}

// ParsePlaybackStatus maps an MPRIS PlaybackStatus string onto the enum.
// Matching is exact; anything else is reported as not ok.
func ParsePlaybackStatus(raw string) (PlaybackStatus, bool) {
	for i, name := range playbackStatusNames {
		if raw == name {
			return PlaybackStatus(i), true
		}
	}
	return StatusUnknown, false
}

// DaemonState is the coordinator's state. It is owned by the daemon goroutine;
// nothing else reads or writes it.
type DaemonState struct {
	// Volume is the last volume reported by the player (0.0-1.0).
	Volume float64

	// Playback is the last known playback status.
	Playback PlaybackStatus

	// Timer is the single shutdown-timer slot.
	Timer ShutdownTimerState

	// Player mirrors the tracker's presence notifications, for snapshots only.
	Player PlayerPresence
}

// ShutdownTimerState tracks the one pending shutdown timer.
//
// Gen is bumped on every arm and cancel. A firing timer carries the
// generation it was armed with and is ignored unless it still matches.
type ShutdownTimerState struct {
	Armed   bool
	Gen     uint64
	Timeout time.Duration
	ArmedAt time.Time
}

// Deadline returns when the armed timer is due, or the zero time.
func (t ShutdownTimerState) Deadline() time.Time {
	if !t.Armed {
		return time.Time{}
	}
	return t.ArmedAt.Add(t.Timeout)
}

type PlayerPresence struct {
	Name    string
	Present bool
}

// NewDaemonState returns the state the bridge starts with.
func NewDaemonState() *DaemonState {
	return &DaemonState{
		Volume:   initialVolume,
		Playback: StatusUnknown,
	}
}

// armTimer supersedes any pending timer and returns the new generation.
func (s *DaemonState) armTimer(timeout time.Duration, now time.Time) uint64 {
	s.Timer.Gen++
	s.Timer.Armed = true
	s.Timer.Timeout = timeout
	s.Timer.ArmedAt = now
	return s.Timer.Gen
}

// cancelTimer disarms the pending timer. Returns false if none was armed.
func (s *DaemonState) cancelTimer() bool {
	if !s.Timer.Armed {
		return false
	}
	s.Timer.Gen++
	s.Timer.Armed = false
	s.Timer.Timeout = 0
	s.Timer.ArmedAt = time.Time{}
	return true
}

// StateSnapshot is a copy of the coordinator state safe to hand to other goroutines.
type StateSnapshot struct {
	Volume        float64
	Playback      PlaybackStatus
	TimerArmed    bool
	TimerDeadline time.Time
	PlayerName    string
	PlayerPresent bool
}

func (s *DaemonState) Snapshot() StateSnapshot {
	return StateSnapshot{
		Volume:        s.Volume,
		Playback:      s.Playback,
		TimerArmed:    s.Timer.Armed,
		TimerDeadline: s.Timer.Deadline(),
		PlayerName:    s.Player.Name,
		PlayerPresent: s.Player.Present,
	}
}
