package web

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/simpleadmin/sadmin/internal/auth"
	"github.com/simpleadmin/sadmin/internal/events"
)

// sendQueueSize bounds a client's outbound broadcast queue (spec §5: "each
// client has its own send queue and may lag without blocking others").
const sendQueueSize = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// gateway is the single /sysadmin WebSocket hub (spec §4.8).
type gateway struct {
	deps Dependencies

	mu      sync.Mutex
	clients map[*client]struct{}
	subs    <-chan events.Broadcast
	unsub   func()
}

func newGateway(deps Dependencies) *gateway {
	gw := &gateway{deps: deps, clients: make(map[*client]struct{})}
	if deps.EventBus != nil {
		gw.subs, gw.unsub = deps.EventBus.Subscribe()
		go gw.fanout()
	}
	return gw
}

// fanout relays every bus broadcast to every connected client's send
// queue (spec §5: "broadcasts to WebSocket clients are fan-out by
// iteration over a client registry").
func (gw *gateway) fanout() {
	for b := range gw.subs {
		gw.mu.Lock()
		for c := range gw.clients {
			select {
			case c.out <- b:
			default:
				// client is lagging; drop rather than block the broadcaster.
			}
		}
		gw.mu.Unlock()
	}
}

// client is one connected admin WebSocket session.
type client struct {
	conn *websocket.Conn
	out  chan events.Broadcast
	rc   *auth.RequestContext
	gw   *gateway
}

func (gw *gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	rc := auth.GetRequestContext(r.Context())
	if rc == nil || rc.User == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, out: make(chan events.Broadcast, sendQueueSize), rc: rc, gw: gw}

	gw.mu.Lock()
	gw.clients[c] = struct{}{}
	gw.mu.Unlock()

	defer func() {
		// Remove from the registry before closing the send channel: fanout
		// only ever touches c.out while holding gw.mu, so once the delete
		// below has completed under the same lock no further send can race
		// the close (spec §5's client registry is a synchronous mutex).
		gw.mu.Lock()
		delete(gw.clients, c)
		gw.mu.Unlock()
		close(c.out)
		conn.Close()
	}()

	go c.writeLoop()

	c.sendInitialState()
	c.readLoop()
}

// writeLoop owns the connection's writer, guaranteeing per-connection
// send-order preservation (spec §5) while the read loop runs concurrently.
func (c *client) writeLoop() {
	for b := range c.out {
		if err := c.conn.WriteJSON(b); err != nil {
			return
		}
	}
}

func (c *client) sendInitialState() {
	state, err := buildInitialState(c.gw.deps)
	if err != nil {
		c.gw.deps.Log.Error("build initial state failed", "error", err)
		return
	}
	select {
	case c.out <- events.Broadcast{Type: events.EventInitialState, Payload: state}:
	default:
	}
}

// readLoop decodes inbound client actions and dispatches them. Any read
// error (including a closed socket) ends the connection, per spec §5's
// "any send/receive error as fatal" rule applied symmetrically on the
// server side of the admin socket.
func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env actionEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if !dispatchAction(c, env) {
			// Non-admin clients are dropped on the first privileged action
			// they aren't entitled to (spec §4.8).
			return
		}
	}
}
