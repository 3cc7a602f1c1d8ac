package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Events - inputs to the reducer
// ============================================================================
// Events come from the player (via the presence tracker's property callbacks),
// the HTTP trigger, the shutdown timer and the WS state server. All of them
// are funneled through one channel into the daemon goroutine.
// ============================================================================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// TimedEvent wraps an event with the time the daemon received it.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// VolumeChanged carries the player's new Volume property.
type VolumeChanged struct {
	Volume float64
}

func (VolumeChanged) eventMarker() {}

// PlaybackStatusChanged carries the player's raw PlaybackStatus property.
type PlaybackStatusChanged struct {
	Raw string
}

func (PlaybackStatusChanged) eventMarker() {}

// PowerOffRequested asks the coordinator to run the power-off sequence.
// Done is closed once the whole sequence has been executed.
type PowerOffRequested struct {
	Done chan<- struct{}
}

func (PowerOffRequested) eventMarker() {}

// ShutdownTimerFired is posted by a shutdown timer when it wakes up.
type ShutdownTimerFired struct {
	Gen uint64
}

func (ShutdownTimerFired) eventMarker() {}

// PlayerPresenceChanged is posted by the tracker when a session is created or dropped.
type PlayerPresenceChanged struct {
	Name    string
	Present bool
}

func (PlayerPresenceChanged) eventMarker() {}

// RequestStateSnapshot asks the daemon for a copy of its state.
type RequestStateSnapshot struct {
	Reply chan<- StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// playerCallbacks builds the property -> handler table registered with the
// presence tracker. Each handler converts the variant value and posts the
// matching event; values of the wrong type are logged and dropped.
func playerCallbacks(ctx context.Context, events chan<- Event, logger *slog.Logger) map[string]func(any) {
	post := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	return map[string]func(any){
		propVolume: func(v any) {
			vol, ok := v.(float64)
			if !ok {
				logger.Warn("ignoring volume of unexpected type", "value", v)
				return
			}
			post(VolumeChanged{Volume: vol})
		},
		propPlaybackStatus: func(v any) {
			raw, ok := v.(string)
			if !ok {
				logger.Warn("ignoring playback status of unexpected type", "value", v)
				return
			}
			post(PlaybackStatusChanged{Raw: raw})
		},
	}
}
