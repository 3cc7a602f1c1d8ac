package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
//   - Hub tracks connected clients; one slow client never blocks the others,
//     it is disconnected when its send buffer fills.
//   - Messages are JSON text frames with an envelope: {type, ts, data}.
//   - The first message on connect is "state_init", built from a snapshot
//     taken through the daemon loop (DaemonState never leaves it).
//   - Later messages come from reducer-emitted broadcasts.
//
// ============================================================================

const (
	wsTypeStateInit       = "state_init"
	wsTypeVolumeChanged   = "volume_changed"
	wsTypePlaybackChanged = "playback_changed"
	wsTypeShutdownTimer   = "shutdown_timer"
	wsTypePlayerPresence  = "player_presence"
)

type wsStateInitData struct {
	Volume        float64    `json:"volume"`
	Playback      string     `json:"playback"`
	TimerArmed    bool       `json:"timer_armed"`
	TimerDeadline *time.Time `json:"timer_deadline,omitempty"`
	PlayerName    string     `json:"player_name,omitempty"`
	PlayerPresent bool       `json:"player_present"`
}

type wsVolumeChangedData struct {
	Volume float64 `json:"volume"`
}

type wsPlaybackChangedData struct {
	Status string `json:"status"`
}

type wsShutdownTimerData struct {
	Armed    bool       `json:"armed"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

type wsPlayerPresenceData struct {
	Name    string `json:"name"`
	Present bool   `json:"present"`
}

// envelope is the wire format for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalEnvelope(typ string, at time.Time, data any) ([]byte, error) {
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	return json.Marshal(envelope{Type: typ, Ts: &at, Data: data})
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = 16
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = 64
	}
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, cfg.BroadcastBuf),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		sendBuf:    cfg.SendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("ws hub starting")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("ws hub stopping (context canceled)")
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.remove(c, "unregister")

		case msg := <-h.broadcast:
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.remove(c, "slow_client")
			}
		}
	}
}

// add hands c to the hub loop. Once the hub has stopped, c is closed instead
// and add reports false.
func (h *Hub) add(c *Client) bool {
	select {
	case <-h.done:
		c.close()
		return false
	default:
	}

	select {
	case h.register <- c:
		return true
	case <-h.done:
		c.close()
		return false
	}
}

// drop asks the hub loop to remove c; a no-op once the hub has stopped.
func (h *Hub) drop(c *Client) {
	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

func (h *Hub) remove(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

// BroadcastBytes enqueues a serialized frame for all clients. It never
// blocks; the frame is dropped when the hub queue is full.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once

	hub        *Hub
	remoteAddr string
	logger     *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{
		conn:       conn,
		send:       make(chan []byte, hub.sendBuf),
		hub:        hub,
		remoteAddr: remoteAddr,
		logger:     hub.logger,
	}
}

// close closes the socket and the send queue, which stops writePump.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
	})
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsVolumeCoalesceWindow bounds how often volume updates go out while the
// knob is being turned (latest wins).
const wsVolumeCoalesceWindow = 100 * time.Millisecond

func (c *Client) logExit(pump, what string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.logger.Debug("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", ce.Code, "reason", ce.Text)
		return
	}
	c.logger.Debug("ws "+pump+" exiting ("+what+")", "remote_addr", c.remoteAddr, "error", err)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", "write error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", "ping error", err)
				return
			}
		}
	}
}

// readPump discards client messages; it exists to process control frames
// and to notice disconnects.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", "read error", err)
			c.hub.drop(c)
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// StateSnapshotter provides the state_init snapshot.
type StateSnapshotter interface {
	Snapshot(ctx context.Context) (StateSnapshot, error)
}

type StateServer struct {
	hub    *Hub
	state  StateSnapshotter
	logger *slog.Logger
}

func NewStateServer(hub *Hub, state StateSnapshotter, logger *slog.Logger) *StateServer {
	return &StateServer{hub: hub, state: state, logger: logger}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the connection, sends state_init and registers the client.
func (s *StateServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	snap, err := s.state.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("ws snapshot request failed", "error", err)
		http.Error(w, "state unavailable", http.StatusServiceUnavailable)
		return
	}

	initMsg, err := marshalEnvelope(wsTypeStateInit, time.Now(), wsStateInitData{
		Volume:        snap.Volume,
		Playback:      snap.Playback.String(),
		TimerArmed:    snap.TimerArmed,
		TimerDeadline: optionalTime(snap.TimerDeadline),
		PlayerName:    snap.PlayerName,
		PlayerPresent: snap.PlayerPresent,
	})
	if err != nil {
		s.logger.Warn("ws state_init marshal failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := newClient(s.hub, conn, r.RemoteAddr)
	client.send <- initMsg

	// The pumps outlive the handler; the request context is canceled when it
	// returns.
	go client.writePump()
	go client.readPump()

	if !s.hub.add(client) {
		s.logger.Debug("ws hub stopped; dropping client", "remote_addr", r.RemoteAddr)
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster turns reducer broadcasts into WS frames. Volume updates are
// coalesced: the latest pending value is flushed once per
// wsVolumeCoalesceWindow, and before any other event so ordering holds.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	var (
		pendingVol *wsOutbound
		flushTimer *time.Timer
		flushC     <-chan time.Time
	)

	emit := func(ev wsOutbound) {
		msg, err := marshalEnvelope(ev.Type, ev.At, ev.Data)
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}
	flush := func() {
		if pendingVol != nil {
			emit(*pendingVol)
			pendingVol = nil
		}
		if flushTimer != nil {
			flushTimer.Stop()
			flushTimer, flushC = nil, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case <-flushC:
			flushTimer, flushC = nil, nil
			flush()

		case b, ok := <-src:
			if !ok {
				flush()
				logger.Debug("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}

			if ev.Type == wsTypeVolumeChanged {
				pendingVol = &ev
				if flushTimer == nil {
					flushTimer = time.NewTimer(wsVolumeCoalesceWindow)
					flushC = flushTimer.C
				}
				continue
			}

			flush()
			emit(ev)
		}
	}
}

type wsOutbound struct {
	Type string
	Data any
	At   time.Time
}

func convertBroadcast(b StateBroadcast) (wsOutbound, bool) {
	switch ev := b.(type) {
	case BroadcastVolumeChanged:
		return wsOutbound{Type: wsTypeVolumeChanged, Data: wsVolumeChangedData{Volume: ev.Volume}, At: ev.At}, true

	case BroadcastPlaybackChanged:
		return wsOutbound{Type: wsTypePlaybackChanged, Data: wsPlaybackChangedData{Status: ev.Status.String()}, At: ev.At}, true

	case BroadcastShutdownTimer:
		return wsOutbound{
			Type: wsTypeShutdownTimer,
			Data: wsShutdownTimerData{Armed: ev.Armed, Deadline: optionalTime(ev.Deadline)},
			At:   ev.At,
		}, true

	case BroadcastPlayerPresence:
		return wsOutbound{Type: wsTypePlayerPresence, Data: wsPlayerPresenceData{Name: ev.Name, Present: ev.Present}, At: ev.At}, true

	default:
		return wsOutbound{}, false
	}
}
