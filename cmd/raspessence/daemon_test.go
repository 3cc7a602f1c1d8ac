package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raspessence/lintronic"
)

// recordingAmp is a test double for the LinTronic link.
type recordingAmp struct {
	mu    sync.Mutex
	sends []CmdSendAmp
	err   error
}

func (a *recordingAmp) Send(_ context.Context, cmd lintronic.Command, repeat int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.sends = append(a.sends, CmdSendAmp{Cmd: cmd, Repeat: repeat})
	return nil
}

func (a *recordingAmp) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func (a *recordingAmp) commands() []lintronic.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]lintronic.Command, 0, len(a.sends))
	for _, s := range a.sends {
		out = append(out, s.Cmd)
	}
	return out
}

func (a *recordingAmp) all() []CmdSendAmp {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]CmdSendAmp(nil), a.sends...)
}

type fakePauser struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakePauser) SendPause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *fakePauser) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// manualTimer never fires on its own; the test calls fire().
type manualTimer struct {
	after time.Duration
	f     func()

	mu      sync.Mutex
	stopped bool
}

func (m *manualTimer) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := !m.stopped
	m.stopped = true
	return was
}

func (m *manualTimer) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// fire runs the timer callback even when stopped, which is what a timer
// racing its own cancellation looks like.
func (m *manualTimer) fire() { m.f() }

type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) afterFunc(d time.Duration, f func()) timerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{after: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *manualClock) timer(i int) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[i]
}

type coordinatorHarness struct {
	coord  *Coordinator
	amp    *recordingAmp
	pauser *fakePauser
	clock  *manualClock
	sleeps chan time.Duration

	cancel context.CancelFunc
	runErr chan error
}

func newCoordinatorHarness(t *testing.T, player PlayerPauser) *coordinatorHarness {
	t.Helper()

	h := &coordinatorHarness{
		amp:    &recordingAmp{},
		clock:  &manualClock{},
		sleeps: make(chan time.Duration, 8),
		runErr: make(chan error, 1),
	}
	if player == nil {
		h.pauser = &fakePauser{}
		player = h.pauser
	}

	h.coord = NewCoordinator(h.amp, player, defaultCoordinatorConfig(), nil, testLogger())
	h.coord.env.timers.afterFunc = h.clock.afterFunc
	h.coord.env.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps <- d
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.coord.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(time.Second):
			t.Error("coordinator did not stop")
		}
	})
	return h
}

func (h *coordinatorHarness) post(t *testing.T, ev Event) {
	t.Helper()
	require.NoError(t, h.coord.Post(context.Background(), ev))
}

func (h *coordinatorHarness) snapshot(t *testing.T) StateSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := h.coord.Snapshot(ctx)
	require.NoError(t, err)
	return s
}

func TestCoordinator_VolumeEvents(t *testing.T) {
	h := newCoordinatorHarness(t, nil)

	h.post(t, VolumeChanged{Volume: 0.3})
	h.post(t, VolumeChanged{Volume: 0.8})
	h.post(t, VolumeChanged{Volume: 0.8})

	// Snapshot goes through the same queue, so everything before it has run.
	snap := h.snapshot(t)
	assert.Equal(t, 0.8, snap.Volume)
	assert.Equal(t, []lintronic.Command{lintronic.VolumeDown, lintronic.VolumeUp, lintronic.VolumeDown}, h.amp.commands())
}

func TestCoordinator_TimerSupersession(t *testing.T) {
	h := newCoordinatorHarness(t, nil)

	h.post(t, PlaybackStatusChanged{Raw: "Stopped"})
	h.post(t, PlaybackStatusChanged{Raw: "Paused"})
	h.snapshot(t)

	require.Equal(t, 2, h.clock.count())
	first, second := h.clock.timer(0), h.clock.timer(1)
	assert.Equal(t, 5*time.Minute, first.after)
	assert.Equal(t, 15*time.Minute, second.after)
	assert.True(t, first.isStopped(), "arming must stop the previous timer")

	// Stopped -> Paused switches to AUX before arming.
	assert.Equal(t, []lintronic.Command{lintronic.AudioAux}, h.amp.commands())

	// The superseded timer fires anyway.
	first.fire()
	h.snapshot(t)
	assert.Equal(t, []lintronic.Command{lintronic.AudioAux}, h.amp.commands())

	second.fire()
	snap := h.snapshot(t)
	assert.Equal(t, []lintronic.Command{lintronic.AudioAux, lintronic.AudioPowerOff}, h.amp.commands())
	assert.False(t, snap.TimerArmed)
}

func TestCoordinator_PlayingCancelsTimer(t *testing.T) {
	h := newCoordinatorHarness(t, nil)

	h.post(t, PlaybackStatusChanged{Raw: "Paused"})
	h.post(t, PlaybackStatusChanged{Raw: "Playing"})
	snap := h.snapshot(t)

	require.Equal(t, 1, h.clock.count())
	timer := h.clock.timer(0)
	assert.True(t, timer.isStopped())
	assert.False(t, snap.TimerArmed)

	timer.fire()
	h.snapshot(t)
	assert.Equal(t, []lintronic.Command{lintronic.AudioAux}, h.amp.commands())
}

func TestCoordinator_PowerOff(t *testing.T) {
	h := newCoordinatorHarness(t, nil)
	h.post(t, PlaybackStatusChanged{Raw: "Stopped"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.coord.PowerOff(ctx))

	assert.Equal(t, []CmdSendAmp{
		{Cmd: lintronic.VolumeDown, Repeat: 10},
		{Cmd: lintronic.AudioPowerOff, Repeat: 1},
	}, h.amp.all())
	assert.Equal(t, time.Second, <-h.sleeps)
	assert.Equal(t, 1, h.pauser.count())
	assert.True(t, h.clock.timer(0).isStopped())

	snap := h.snapshot(t)
	assert.Equal(t, StatusPaused, snap.Playback)
	assert.False(t, snap.TimerArmed)
}

func TestCoordinator_PowerOff_NoPlayerSession(t *testing.T) {
	pauser := &fakePauser{err: ErrNoSession}
	h := newCoordinatorHarness(t, pauser)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.coord.PowerOff(ctx))

	assert.Equal(t, 1, pauser.count())
	assert.Equal(t, []lintronic.Command{lintronic.VolumeDown, lintronic.AudioPowerOff}, h.amp.commands())
}

func TestCoordinator_PowerOff_PauseFailureContinues(t *testing.T) {
	pauser := &fakePauser{err: errors.New("org.freedesktop.DBus.Error.NoReply")}
	h := newCoordinatorHarness(t, pauser)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.coord.PowerOff(ctx))

	assert.Equal(t, []lintronic.Command{lintronic.VolumeDown, lintronic.AudioPowerOff}, h.amp.commands())
}

func TestCoordinator_AmpFailureIsFatal(t *testing.T) {
	h := newCoordinatorHarness(t, nil)
	h.amp.fail(lintronic.ErrConnectionLost)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := h.coord.PowerOff(ctx)
	require.ErrorIs(t, err, ErrCoordinatorStopped)

	select {
	case runErr := <-h.runErr:
		require.ErrorIs(t, runErr, lintronic.ErrConnectionLost)
		h.runErr <- runErr // for cleanup
	case <-time.After(time.Second):
		t.Fatal("coordinator kept running after amplifier failure")
	}

	assert.ErrorIs(t, h.coord.Post(ctx, VolumeChanged{Volume: 1}), ErrCoordinatorStopped)
	assert.Zero(t, h.pauser.count(), "sequence must stop at the failed send")
}

func TestCoordinator_BroadcastsDoNotBlock(t *testing.T) {
	h := newCoordinatorHarness(t, nil)

	// Nobody reads Broadcasts(); the loop must keep going.
	for i := 0; i < broadcastQueueSize+10; i++ {
		h.post(t, VolumeChanged{Volume: float64(i%2) * 0.5})
	}
	h.snapshot(t)
	assert.Len(t, h.amp.commands(), broadcastQueueSize+10)
}

// End to end: player appears, plays, pauses, and the amplifier is switched
// off when the pause timer runs out.
func TestCoordinator_EndToEnd(t *testing.T) {
	const name = "org.mpris.MediaPlayer2.spotifyd.instance4242"

	bus := newFakeBus()
	bus.own(name, ":1.7")

	tracker := NewTracker(bus, defaultPlayerNamePrefix, testLogger())
	h := newCoordinatorHarness(t, tracker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for prop, cb := range playerCallbacks(ctx, h.coord.Events(), testLogger()) {
		tracker.RegisterCallback(prop, cb)
	}
	tracker.OnPresenceChange(func(n string, present bool) {
		_ = h.coord.Post(ctx, PlayerPresenceChanged{Name: n, Present: present})
	})

	require.NoError(t, tracker.Connect(ctx))
	assert.Equal(t, name, tracker.Active())
	snap := h.snapshot(t)
	assert.True(t, snap.PlayerPresent)

	tracker.HandlePropertiesChanged(":1.7", mprisPlayerInterface, map[string]dbus.Variant{
		propPlaybackStatus: dbus.MakeVariant("Playing"),
	})
	snap = h.snapshot(t)
	assert.Equal(t, []lintronic.Command{lintronic.AudioAux}, h.amp.commands())
	assert.Equal(t, StatusPlaying, snap.Playback)
	assert.False(t, snap.TimerArmed)
	assert.Zero(t, h.clock.count())

	tracker.HandlePropertiesChanged(":1.7", mprisPlayerInterface, map[string]dbus.Variant{
		propPlaybackStatus: dbus.MakeVariant("Paused"),
	})
	snap = h.snapshot(t)
	assert.Equal(t, []lintronic.Command{lintronic.AudioAux}, h.amp.commands(), "pausing sends nothing yet")
	assert.True(t, snap.TimerArmed)
	require.Equal(t, 1, h.clock.count())
	assert.Equal(t, 15*time.Minute, h.clock.timer(0).after)

	h.clock.timer(0).fire()
	snap = h.snapshot(t)
	assert.Equal(t, []lintronic.Command{lintronic.AudioAux, lintronic.AudioPowerOff}, h.amp.commands())
	assert.Equal(t, StatusPaused, snap.Playback)
	assert.False(t, snap.TimerArmed)
}

func TestShutdownTimers_RealTimerPostsEvent(t *testing.T) {
	events := make(chan Event, 1)
	timers := newShutdownTimers(events)

	timers.arm(context.Background(), 7, time.Millisecond)

	select {
	case ev := <-events:
		assert.Equal(t, ShutdownTimerFired{Gen: 7}, ev)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestShutdownTimers_CancelStopsRealTimer(t *testing.T) {
	events := make(chan Event, 1)
	timers := newShutdownTimers(events)

	timers.arm(context.Background(), 1, 50*time.Millisecond)
	timers.cancel()

	select {
	case ev := <-events:
		t.Fatalf("cancelled timer fired: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), 0))
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
