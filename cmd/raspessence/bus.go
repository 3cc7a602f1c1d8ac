package main

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// dbusBus implements Bus on top of a godbus connection.
type dbusBus struct {
	conn *dbus.Conn
}

// connectBus connects to the session bus, or the system bus when system is set.
func connectBus(system bool) (*dbusBus, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if system {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.ConnectSessionBus()
	}
	if err != nil {
		return nil, fmt.Errorf("connect dbus: %w", err)
	}
	return &dbusBus{conn: conn}, nil
}

// Subscribe routes every signal the connection matches into ch.
func (b *dbusBus) Subscribe(ch chan<- *dbus.Signal) {
	b.conn.Signal(ch)
}

// WatchNameOwners subscribes to NameOwnerChanged. Names are filtered by prefix
// in the tracker.
func (b *dbusBus) WatchNameOwners() error {
	return b.conn.AddMatchSignal(
		dbus.WithMatchSender(dbusName),
		dbus.WithMatchObjectPath(dbusPath),
		dbus.WithMatchInterface(dbusName),
		dbus.WithMatchMember("NameOwnerChanged"),
	)
}

func (b *dbusBus) Close() error {
	return b.conn.Close()
}

func (b *dbusBus) ListNames(ctx context.Context) ([]string, error) {
	var names []string
	err := b.conn.BusObject().CallWithContext(ctx, dbusName+".ListNames", 0).Store(&names)
	return names, err
}

func (b *dbusBus) NameHasOwner(ctx context.Context, name string) (bool, error) {
	var owned bool
	err := b.conn.BusObject().CallWithContext(ctx, dbusName+".NameHasOwner", 0, name).Store(&owned)
	return owned, err
}

func (b *dbusBus) GetNameOwner(ctx context.Context, name string) (string, error) {
	var owner string
	err := b.conn.BusObject().CallWithContext(ctx, dbusName+".GetNameOwner", 0, name).Store(&owner)
	return owner, err
}

func (b *dbusBus) WatchPlayer(name string) error {
	return b.conn.AddMatchSignal(playerMatch(name)...)
}

func (b *dbusBus) UnwatchPlayer(name string) error {
	return b.conn.RemoveMatchSignal(playerMatch(name)...)
}

func (b *dbusBus) Pause(ctx context.Context, name string) error {
	return b.conn.Object(name, mprisObjectPath).CallWithContext(ctx, mprisPlayerInterface+".Pause", 0).Err
}

func playerMatch(name string) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchSender(name),
		dbus.WithMatchObjectPath(mprisObjectPath),
		dbus.WithMatchInterface(dbusPropertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
}
