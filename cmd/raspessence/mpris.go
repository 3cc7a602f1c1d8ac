package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// ============================================================================
// MPRIS player presence tracking
// ============================================================================
// The Tracker follows one spotifyd instance on the bus. At most one Session
// exists at a time; it is created when a name with the player prefix gains an
// owner and dropped when that name loses it. Bus signals are consumed by a
// single goroutine (Tracker.Run), so callbacks run one at a time in delivery
// order.
// ============================================================================

// ErrNoSession is returned when a player command is needed but no player is
// on the bus. The command is dropped.
var ErrNoSession = errors.New("no player session")

// Bus is the subset of D-Bus the tracker needs.
type Bus interface {
	ListNames(ctx context.Context) ([]string, error)
	NameHasOwner(ctx context.Context, name string) (bool, error)
	GetNameOwner(ctx context.Context, name string) (string, error)

	// WatchPlayer subscribes to PropertiesChanged on the player object.
	WatchPlayer(name string) error
	UnwatchPlayer(name string) error

	Pause(ctx context.Context, name string) error
}

// PlayerCommand is an outbound control for the player.
type PlayerCommand int

const (
	PlayerPause PlayerCommand = iota
)

func (c PlayerCommand) String() string {
	if c == PlayerPause {
		return "Pause"
	}
	return fmt.Sprintf("PlayerCommand(%d)", int(c))
}

// PropertyCallback receives the new value of one player property.
type PropertyCallback func(value any)

// Session is a live binding to one running player instance.
type Session struct {
	name  string
	owner string // unique connection name, e.g. ":1.42"

	bus       Bus
	callbacks func(property string) (PropertyCallback, bool)
	logger    *slog.Logger
}

// Name returns the well-known bus name the session is bound to.
func (s *Session) Name() string { return s.name }

// handlePropertiesChanged dispatches a PropertiesChanged payload to the
// registered callbacks, sequentially. Only the MPRIS Player interface is
// considered. Map iteration order is random, so properties are visited in
// sorted order.
func (s *Session) handlePropertiesChanged(iface string, changed map[string]dbus.Variant) {
	if iface != mprisPlayerInterface {
		return
	}

	props := make([]string, 0, len(changed))
	for prop := range changed {
		props = append(props, prop)
	}
	slices.Sort(props)

	for _, prop := range props {
		cb, ok := s.callbacks(prop)
		if !ok {
			continue
		}
		s.logger.Debug("player property changed", "player", s.name, "property", prop, "value", changed[prop].Value())
		cb(changed[prop].Value())
	}
}

// SendCommand issues a control to the player. Only PlayerPause exists;
// anything else is a programming error and panics.
func (s *Session) SendCommand(ctx context.Context, cmd PlayerCommand) error {
	switch cmd {
	case PlayerPause:
		if err := s.bus.Pause(ctx, s.name); err != nil {
			return fmt.Errorf("pause %s: %w", s.name, err)
		}
		return nil
	default:
		panic(fmt.Sprintf("player command %s is not implemented", cmd))
	}
}

// Tracker discovers and loses the player on the bus and owns 0..1 Session.
type Tracker struct {
	bus    Bus
	prefix string
	logger *slog.Logger

	mu         sync.Mutex
	session    *Session
	callbacks  map[string]PropertyCallback
	onPresence func(name string, present bool)
}

// NewTracker returns a tracker for names starting with prefix. Call Connect
// to pick up an already running player.
func NewTracker(bus Bus, prefix string, logger *slog.Logger) *Tracker {
	return &Tracker{
		bus:       bus,
		prefix:    prefix,
		logger:    logger,
		callbacks: make(map[string]PropertyCallback),
	}
}

// RegisterCallback sets the handler for one player property. The registry is
// shared by every session the tracker creates.
func (t *Tracker) RegisterCallback(property string, cb PropertyCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks[property] = cb
}

// OnPresenceChange sets a function called whenever a session is created or dropped.
func (t *Tracker) OnPresenceChange(fn func(name string, present bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPresence = fn
}

func (t *Tracker) callback(property string) (PropertyCallback, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cb, ok := t.callbacks[property]
	return cb, ok
}

func (t *Tracker) current() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Active returns the tracked player name, or "" when there is none.
func (t *Tracker) Active() string {
	if s := t.current(); s != nil {
		return s.name
	}
	return ""
}

// Connect lists the names currently on the bus and binds to the first one
// matching the prefix.
func (t *Tracker) Connect(ctx context.Context) error {
	names, err := t.bus.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("list bus names: %w", err)
	}

	for _, name := range names {
		if !t.matches(name) {
			continue
		}
		t.logger.Debug("connecting to already running player", "name", name)
		if err := t.attach(ctx, name); err != nil {
			return err
		}
		return nil
	}

	t.logger.Debug("no running player instance detected", "prefix", t.prefix)
	return nil
}

func (t *Tracker) matches(name string) bool {
	return name != "" && strings.HasPrefix(name, t.prefix)
}

// HandleNameOwnerChanged reacts to an ownership change of name. The signal's
// old/new owner fields are not trusted; ownership is queried again before
// any transition.
func (t *Tracker) HandleNameOwnerChanged(ctx context.Context, name string) {
	if !t.matches(name) {
		return
	}

	owned, err := t.bus.NameHasOwner(ctx, name)
	if err != nil {
		t.logger.Warn("NameHasOwner failed; ignoring owner change", "name", name, "error", err)
		return
	}

	cur := t.current()
	switch {
	case cur != nil && cur.name == name && !owned:
		t.logger.Info("lost contact with player", "name", name)
		t.detach(cur)

	case cur != nil && cur.name == name && owned:
		// Re-owned under the same well-known name: follow the new unique name.
		owner, err := t.bus.GetNameOwner(ctx, name)
		if err != nil {
			t.logger.Warn("GetNameOwner failed", "name", name, "error", err)
			return
		}
		if owner != cur.owner {
			t.logger.Info("player changed owner", "name", name, "owner", owner)
			t.mu.Lock()
			cur.owner = owner
			t.mu.Unlock()
		}

	case cur == nil && owned:
		t.logger.Info("new player has appeared", "name", name)
		if err := t.attach(ctx, name); err != nil {
			t.logger.Error("failed to connect to player", "name", name, "error", err)
		}

	default:
		t.logger.Debug("ignoring owner change", "name", name, "owned", owned, "tracked", t.Active())
	}
}

func (t *Tracker) attach(ctx context.Context, name string) error {
	owner, err := t.bus.GetNameOwner(ctx, name)
	if err != nil {
		return fmt.Errorf("get owner of %s: %w", name, err)
	}
	if err := t.bus.WatchPlayer(name); err != nil {
		return fmt.Errorf("watch %s: %w", name, err)
	}

	s := &Session{
		name:      name,
		owner:     owner,
		bus:       t.bus,
		callbacks: t.callback,
		logger:    t.logger,
	}

	t.mu.Lock()
	t.session = s
	notify := t.onPresence
	t.mu.Unlock()

	t.logger.Info("connected to player", "name", name, "owner", owner)
	if notify != nil {
		notify(name, true)
	}
	return nil
}

func (t *Tracker) detach(s *Session) {
	t.mu.Lock()
	if t.session == s {
		t.session = nil
	}
	notify := t.onPresence
	t.mu.Unlock()

	if err := t.bus.UnwatchPlayer(s.name); err != nil {
		t.logger.Debug("unwatch player failed", "name", s.name, "error", err)
	}
	if notify != nil {
		notify(s.name, false)
	}
}

// HandlePropertiesChanged routes a PropertiesChanged signal to the session,
// provided it was sent by the session's current owner.
func (t *Tracker) HandlePropertiesChanged(sender, iface string, changed map[string]dbus.Variant) {
	s := t.current()
	if s == nil {
		return
	}

	t.mu.Lock()
	owner := s.owner
	t.mu.Unlock()

	if sender != owner {
		t.logger.Debug("ignoring properties from foreign sender", "sender", sender, "owner", owner)
		return
	}
	s.handlePropertiesChanged(iface, changed)
}

// SendPause pauses the player if one is present. It never waits for a player
// to appear; ErrNoSession is returned instead.
func (t *Tracker) SendPause(ctx context.Context) error {
	s := t.current()
	if s == nil {
		return ErrNoSession
	}
	return s.SendCommand(ctx, PlayerPause)
}

// Run consumes bus signals until ctx is canceled. A closed signal channel
// means the bus connection is gone, which is fatal.
func (t *Tracker) Run(ctx context.Context, signals <-chan *dbus.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case sig, ok := <-signals:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("dbus signal channel closed")
			}
			t.dispatch(ctx, sig)
		}
	}
}

func (t *Tracker) dispatch(ctx context.Context, sig *dbus.Signal) {
	switch sig.Name {
	case signalNameOwnerChange:
		if len(sig.Body) < 1 {
			return
		}
		name, ok := sig.Body[0].(string)
		if !ok {
			return
		}
		t.HandleNameOwnerChanged(ctx, name)

	case signalPropsChanged:
		if sig.Path != mprisObjectPath || len(sig.Body) < 2 {
			return
		}
		iface, ok := sig.Body[0].(string)
		if !ok {
			return
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		t.HandlePropertiesChanged(sig.Sender, iface, changed)
	}
}
