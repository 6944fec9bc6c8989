package terminal

import (
	"encoding/binary"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client -> server message types on the terminal WebSocket.
const (
	MsgInput  byte = 0
	MsgResize byte = 1
	MsgPing   byte = 2
)

// Server -> client message types.
const (
	MsgOutput byte = 0
	MsgPong   byte = 1
)

// ConnState is the per-tab connection lifecycle.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateError      ConnState = "error"
	StateClosed     ConnState = "closed"
)

// Conn maintains the WebSocket to one terminal tab. Changing the target tab
// or base URL resets the state machine to connecting and redials; Close is
// terminal.
type Conn struct {
	onOutput func([]byte)
	onState  func(ConnState)

	mu      sync.Mutex
	state   ConnState
	ws      *websocket.Conn
	baseURL string
	tabID   string
	gen     int // increments per dial, fences stale goroutines
	closed  bool
}

func NewConn(onOutput func([]byte), onState func(ConnState)) *Conn {
	return &Conn{onOutput: onOutput, onState: onState, state: StateConnecting}
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(gen int, s ConnState) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// SetTarget points the connection at a tab. A change of tab id or base URL
// tears down the current socket, resets to connecting, and redials.
func (c *Conn) SetTarget(baseURL, tabID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.baseURL == baseURL && c.tabID == tabID && c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	c.baseURL = baseURL
	c.tabID = tabID
	c.gen++
	gen := c.gen
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.state = StateConnecting
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(StateConnecting)
	}

	go c.dial(gen, baseURL, tabID)
}

func (c *Conn) dial(gen int, baseURL, tabID string) {
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(baseURL, tabID), nil)
	if err != nil {
		log.Warn().Err(err).Str("tab_id", tabID).Msg("terminal dial failed")
		c.setState(gen, StateError)
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	c.setState(gen, StateOpen)
	c.readLoop(gen, ws)
}

func (c *Conn) readLoop(gen int, ws *websocket.Conn) {
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			c.setState(gen, StateError)
			return
		}
		if len(message) == 0 {
			continue
		}
		if message[0] == MsgOutput && c.onOutput != nil {
			c.onOutput(message[1:])
		}
	}
}

// Send writes terminal input to the active tab.
func (c *Conn) Send(data []byte) error {
	return c.write(append([]byte{MsgInput}, data...))
}

// Resize reports the client's terminal dimensions.
func (c *Conn) Resize(rows, cols uint16) error {
	payload := make([]byte, 5)
	payload[0] = MsgResize
	binary.BigEndian.PutUint16(payload[1:3], cols)
	binary.BigEndian.PutUint16(payload[3:5], rows)
	return c.write(payload)
}

func (c *Conn) write(msg []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return websocket.ErrCloseSent
	}
	return ws.WriteMessage(websocket.BinaryMessage, msg)
}

// Close tears the connection down for good.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.state = StateClosed
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(StateClosed)
	}
}

// wsURL derives the tab's WebSocket endpoint from the HTTP base URL.
func wsURL(baseURL, tabID string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/tabs/" + tabID + "/ws"
	return u.String()
}
