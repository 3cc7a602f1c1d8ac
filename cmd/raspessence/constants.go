package main

import "time"

// MPRIS / D-Bus names
const (
	defaultPlayerNamePrefix = "org.mpris.MediaPlayer2.spotifyd"

	mprisObjectPath      = "/org/mpris/MediaPlayer2"
	mprisPlayerInterface = "org.mpris.MediaPlayer2.Player"

	dbusName              = "org.freedesktop.DBus"
	dbusPath              = "/org/freedesktop/DBus"
	dbusPropertiesIface   = "org.freedesktop.DBus.Properties"
	signalNameOwnerChange = dbusName + ".NameOwnerChanged"
	signalPropsChanged    = dbusPropertiesIface + ".PropertiesChanged"
)

// Player properties the coordinator subscribes to.
const (
	propVolume         = "Volume"
	propPlaybackStatus = "PlaybackStatus"
)

// Coordinator defaults
const (
	initialVolume = 0.5

	defaultPausedTimeout  = 15 * time.Minute
	defaultStoppedTimeout = 5 * time.Minute

	// Time the amplifier needs after a burst of volume-down frames before it
	// accepts further commands.
	defaultPowerOffSettle = 1 * time.Second

	powerOffVolumeSteps = 10
)

// Process defaults
const (
	authSecretEnv = "RASPESSENCE_AUTH_SECRET"

	defaultSerialDevice = "/dev/ttyUSB0"
	defaultHTTPListen   = "0.0.0.0:8080"

	eventQueueSize     = 64
	broadcastQueueSize = 64

	// godbus stops delivering in order once this fills up.
	signalBufSize = 1024
)
