package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raspessence/lintronic"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// reduce runs one event at a fixed time.
func reduce(t *testing.T, s *DaemonState, ev Event) ReduceResult {
	t.Helper()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rr := Reduce(s, TimedEvent{Event: ev, At: at}, defaultCoordinatorConfig(), testLogger())
	require.NotNil(t, rr.State)
	return rr
}

// ampSends extracts the amplifier commands, in order.
func ampSends(cmds []Command) []CmdSendAmp {
	var out []CmdSendAmp
	for _, c := range cmds {
		if a, ok := c.(CmdSendAmp); ok {
			out = append(out, a)
		}
	}
	return out
}

func findCmd[T Command](cmds []Command) (T, bool) {
	for _, c := range cmds {
		if v, ok := c.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func stateWith(status PlaybackStatus) *DaemonState {
	s := NewDaemonState()
	s.Playback = status
	return s
}

func TestReducer_VolumeMapping(t *testing.T) {
	tests := []struct {
		name string
		from float64
		to   float64
		want lintronic.Command
	}{
		{"down", 0.5, 0.3, lintronic.VolumeDown},
		{"up", 0.5, 0.8, lintronic.VolumeUp},
		{"equal resolves to down", 0.5, 0.5, lintronic.VolumeDown},
		{"to zero", 0.1, 0.0, lintronic.VolumeDown},
		{"to full", 0.99, 1.0, lintronic.VolumeUp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewDaemonState()
			s.Volume = tt.from

			rr := reduce(t, s, VolumeChanged{Volume: tt.to})

			require.Len(t, rr.Commands, 1)
			assert.Equal(t, CmdSendAmp{Cmd: tt.want, Repeat: 1}, rr.Commands[0])
			assert.Equal(t, tt.to, rr.State.Volume)
		})
	}
}

func TestReducer_VolumeSequence(t *testing.T) {
	s := NewDaemonState()
	require.Equal(t, 0.5, s.Volume)

	var got []lintronic.Command
	for _, v := range []float64{0.3, 0.8, 0.8, 0.9} {
		rr := reduce(t, s, VolumeChanged{Volume: v})
		s = rr.State
		for _, a := range ampSends(rr.Commands) {
			got = append(got, a.Cmd)
		}
	}

	assert.Equal(t, []lintronic.Command{
		lintronic.VolumeDown,
		lintronic.VolumeUp,
		lintronic.VolumeDown,
		lintronic.VolumeUp,
	}, got)
}

func TestReducer_Playing_SelectsAuxAndCancelsTimer(t *testing.T) {
	s := stateWith(StatusPaused)
	s.armTimer(15*time.Minute, time.Now())
	gen := s.Timer.Gen

	rr := reduce(t, s, PlaybackStatusChanged{Raw: "Playing"})

	require.Equal(t, []Command{
		CmdSendAmp{Cmd: lintronic.AudioAux, Repeat: 1},
		CmdCancelShutdownTimer{},
	}, rr.Commands)
	assert.Equal(t, StatusPlaying, rr.State.Playback)
	assert.False(t, rr.State.Timer.Armed)
	assert.Greater(t, rr.State.Timer.Gen, gen)
}

func TestReducer_Playing_NoTimerToCancel(t *testing.T) {
	rr := reduce(t, NewDaemonState(), PlaybackStatusChanged{Raw: "Playing"})

	require.Equal(t, []Command{CmdSendAmp{Cmd: lintronic.AudioAux, Repeat: 1}}, rr.Commands)
	assert.Equal(t, StatusPlaying, rr.State.Playback)
}

func TestReducer_StoppedToPaused_AuxThenArms15m(t *testing.T) {
	rr := reduce(t, stateWith(StatusStopped), PlaybackStatusChanged{Raw: "Paused"})

	require.Len(t, rr.Commands, 2)
	assert.Equal(t, CmdSendAmp{Cmd: lintronic.AudioAux, Repeat: 1}, rr.Commands[0])
	arm, ok := rr.Commands[1].(CmdArmShutdownTimer)
	require.True(t, ok, "second command should arm the timer, got %s", rr.Commands[1])
	assert.Equal(t, 15*time.Minute, arm.After)
	assert.Equal(t, rr.State.Timer.Gen, arm.Gen)

	assert.Equal(t, StatusPaused, rr.State.Playback)
	assert.True(t, rr.State.Timer.Armed)
}

func TestReducer_PlayingToPaused_ArmsWithoutAmpCommand(t *testing.T) {
	rr := reduce(t, stateWith(StatusPlaying), PlaybackStatusChanged{Raw: "Paused"})

	assert.Empty(t, ampSends(rr.Commands))
	arm, ok := findCmd[CmdArmShutdownTimer](rr.Commands)
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, arm.After)
	assert.Equal(t, StatusPaused, rr.State.Playback)
}

func TestReducer_Stopped_Arms5m(t *testing.T) {
	rr := reduce(t, stateWith(StatusPlaying), PlaybackStatusChanged{Raw: "Stopped"})

	assert.Empty(t, ampSends(rr.Commands))
	arm, ok := findCmd[CmdArmShutdownTimer](rr.Commands)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, arm.After)
	assert.Equal(t, StatusStopped, rr.State.Playback)
	assert.Equal(t, rr.State.Timer.ArmedAt.Add(5*time.Minute), rr.State.Timer.Deadline())
}

func TestReducer_RearmSupersedesPendingTimer(t *testing.T) {
	s := stateWith(StatusPlaying)

	rr := reduce(t, s, PlaybackStatusChanged{Raw: "Stopped"})
	first, ok := findCmd[CmdArmShutdownTimer](rr.Commands)
	require.True(t, ok)

	rr = reduce(t, rr.State, PlaybackStatusChanged{Raw: "Paused"})
	second, ok := findCmd[CmdArmShutdownTimer](rr.Commands)
	require.True(t, ok)
	assert.Greater(t, second.Gen, first.Gen)

	// The first timer wakes up late: it must not power off.
	rr = reduce(t, rr.State, ShutdownTimerFired{Gen: first.Gen})
	assert.Empty(t, rr.Commands)
	assert.True(t, rr.State.Timer.Armed, "stale wake-up must not disarm the live timer")

	rr = reduce(t, rr.State, ShutdownTimerFired{Gen: second.Gen})
	assert.Equal(t, []Command{CmdSendAmp{Cmd: lintronic.AudioPowerOff, Repeat: 1}}, rr.Commands)
	assert.False(t, rr.State.Timer.Armed)
}

func TestReducer_SameStatusIsNoop(t *testing.T) {
	for _, status := range []PlaybackStatus{StatusPlaying, StatusPaused, StatusStopped, StatusUnknown} {
		t.Run(status.String(), func(t *testing.T) {
			s := stateWith(status)
			rr := reduce(t, s, PlaybackStatusChanged{Raw: status.String()})
			assert.Empty(t, rr.Commands)
			assert.Empty(t, rr.Broadcasts)
			assert.Equal(t, status, rr.State.Playback)
		})
	}
}

func TestReducer_UnknownStatus(t *testing.T) {
	s := stateWith(StatusPlaying)

	rr := reduce(t, s, PlaybackStatusChanged{Raw: "Buffering"})
	assert.Empty(t, rr.Commands)
	assert.Equal(t, StatusUnknown, rr.State.Playback)

	// The same unparseable string again does not equal "Unknown", so it is
	// processed again, still without commands.
	rr = reduce(t, rr.State, PlaybackStatusChanged{Raw: "Buffering"})
	assert.Empty(t, rr.Commands)
	assert.Equal(t, StatusUnknown, rr.State.Playback)

	// The literal "Unknown" is a no-op now.
	rr = reduce(t, rr.State, PlaybackStatusChanged{Raw: "Unknown"})
	assert.Empty(t, rr.Commands)
	assert.Empty(t, rr.Broadcasts)
}

func TestReducer_UnknownStatus_KeepsTimer(t *testing.T) {
	s := stateWith(StatusPaused)
	s.armTimer(15*time.Minute, time.Now())

	rr := reduce(t, s, PlaybackStatusChanged{Raw: "playing"}) // wrong case

	assert.Empty(t, rr.Commands)
	assert.Equal(t, StatusUnknown, rr.State.Playback)
	assert.True(t, rr.State.Timer.Armed)
}

func TestReducer_UnknownToPaused_DoesNotSelectAux(t *testing.T) {
	rr := reduce(t, NewDaemonState(), PlaybackStatusChanged{Raw: "Paused"})

	assert.Empty(t, ampSends(rr.Commands))
	_, ok := findCmd[CmdArmShutdownTimer](rr.Commands)
	assert.True(t, ok)
}

func TestReducer_PowerOffSequence(t *testing.T) {
	s := stateWith(StatusPlaying)
	s.armTimer(5*time.Minute, time.Now())
	done := make(chan struct{})

	rr := reduce(t, s, PowerOffRequested{Done: done})

	require.Equal(t, []Command{
		CmdSendAmp{Cmd: lintronic.VolumeDown, Repeat: 10},
		CmdSleep{D: time.Second},
		CmdPausePlayer{},
		CmdSendAmp{Cmd: lintronic.AudioPowerOff, Repeat: 1},
		CmdCancelShutdownTimer{},
		CmdAck{Done: done},
	}, rr.Commands)
	assert.Equal(t, StatusPaused, rr.State.Playback)
	assert.False(t, rr.State.Timer.Armed)
}

func TestReducer_PowerOff_NoTimer(t *testing.T) {
	rr := reduce(t, NewDaemonState(), PowerOffRequested{})

	_, cancelled := findCmd[CmdCancelShutdownTimer](rr.Commands)
	assert.False(t, cancelled)
	_, acked := findCmd[CmdAck](rr.Commands)
	assert.False(t, acked)
	assert.Len(t, ampSends(rr.Commands), 2)
}

func TestReducer_TimerFired_StatusChangedUnderneath(t *testing.T) {
	s := stateWith(StatusPaused)
	gen := s.armTimer(15*time.Minute, time.Now())
	// Status moved without the timer being cancelled.
	s.Playback = StatusUnknown

	rr := reduce(t, s, ShutdownTimerFired{Gen: gen})

	assert.Empty(t, rr.Commands)
	assert.False(t, rr.State.Timer.Armed)
}

func TestReducer_TimerFired_Disarmed(t *testing.T) {
	s := stateWith(StatusPaused)
	gen := s.armTimer(15*time.Minute, time.Now())
	s.cancelTimer()

	rr := reduce(t, s, ShutdownTimerFired{Gen: gen})
	assert.Empty(t, rr.Commands)
}

func TestReducer_TimerFired_Stopped(t *testing.T) {
	s := stateWith(StatusStopped)
	gen := s.armTimer(5*time.Minute, time.Now())

	rr := reduce(t, s, ShutdownTimerFired{Gen: gen})
	assert.Equal(t, []Command{CmdSendAmp{Cmd: lintronic.AudioPowerOff, Repeat: 1}}, rr.Commands)
}

func TestReducer_Snapshot(t *testing.T) {
	s := stateWith(StatusStopped)
	s.Volume = 0.42
	s.Player = PlayerPresence{Name: "org.mpris.MediaPlayer2.spotifyd.instance1", Present: true}
	reply := make(chan StateSnapshot, 1)

	rr := reduce(t, s, RequestStateSnapshot{Reply: reply})

	require.Len(t, rr.Commands, 1)
	pub, ok := rr.Commands[0].(CmdPublishStateSnapshot)
	require.True(t, ok)
	assert.Equal(t, 0.42, pub.Snapshot.Volume)
	assert.Equal(t, StatusStopped, pub.Snapshot.Playback)
	assert.True(t, pub.Snapshot.PlayerPresent)
	assert.Equal(t, "org.mpris.MediaPlayer2.spotifyd.instance1", pub.Snapshot.PlayerName)
}

func TestReducer_Broadcasts(t *testing.T) {
	rr := reduce(t, stateWith(StatusStopped), PlaybackStatusChanged{Raw: "Paused"})

	var types []string
	for _, b := range rr.Broadcasts {
		ev, ok := convertBroadcast(b)
		require.True(t, ok)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{wsTypeShutdownTimer, wsTypePlaybackChanged}, types)

	rr = reduce(t, rr.State, PlayerPresenceChanged{Name: "x", Present: false})
	require.Len(t, rr.Broadcasts, 1)
	presence, ok := rr.Broadcasts[0].(BroadcastPlayerPresence)
	require.True(t, ok)
	assert.Equal(t, "x", presence.Name)
	assert.False(t, presence.Present)
}

func TestParsePlaybackStatus(t *testing.T) {
	for _, status := range []PlaybackStatus{StatusUnknown, StatusPlaying, StatusPaused, StatusStopped} {
		got, ok := ParsePlaybackStatus(status.String())
		assert.True(t, ok)
		assert.Equal(t, status, got)
	}

	_, ok := ParsePlaybackStatus("paused")
	assert.False(t, ok)
	_, ok = ParsePlaybackStatus("")
	assert.False(t, ok)
}
