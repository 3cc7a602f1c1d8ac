package main

import (
	"fmt"
	"time"

	"raspessence/lintronic"
)

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect to be executed by the daemon loop:
// a LinTronic frame, a player call, a timer operation or a reply to a requester.
type Command interface {
	commandMarker()
	String() string
}

// CmdSendAmp sends one LinTronic command to the amplifier.
type CmdSendAmp struct {
	Cmd    lintronic.Command
	Repeat int
}

func (CmdSendAmp) commandMarker() {}
func (c CmdSendAmp) String() string {
	return fmt.Sprintf("CmdSendAmp(%s x%d)", c.Cmd, c.Repeat)
}

// CmdSleep suspends command execution, e.g. to let the amplifier settle.
type CmdSleep struct {
	D time.Duration
}

func (CmdSleep) commandMarker()   {}
func (c CmdSleep) String() string { return fmt.Sprintf("CmdSleep(%s)", c.D) }

// CmdPausePlayer pauses the active player session, if there is one.
type CmdPausePlayer struct{}

func (CmdPausePlayer) commandMarker() {}
func (CmdPausePlayer) String() string { return "CmdPausePlayer()" }

// CmdArmShutdownTimer replaces any pending shutdown timer with a new one.
type CmdArmShutdownTimer struct {
	Gen   uint64
	After time.Duration
}

func (CmdArmShutdownTimer) commandMarker() {}
func (c CmdArmShutdownTimer) String() string {
	return fmt.Sprintf("CmdArmShutdownTimer(gen=%d after=%s)", c.Gen, c.After)
}

// CmdCancelShutdownTimer stops the pending shutdown timer.
type CmdCancelShutdownTimer struct{}

func (CmdCancelShutdownTimer) commandMarker() {}
func (CmdCancelShutdownTimer) String() string { return "CmdCancelShutdownTimer()" }

// CmdAck closes Done to tell a requester its commands have run.
type CmdAck struct {
	Done chan<- struct{}
}

func (CmdAck) commandMarker() {}
func (CmdAck) String() string { return "CmdAck()" }

// CmdPublishStateSnapshot delivers a reducer-produced snapshot to a requester.
type CmdPublishStateSnapshot struct {
	Reply    chan<- StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot()" }
