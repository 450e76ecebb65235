package api

import (
	"encoding/json"
	"log"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"market-screener/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// streamHandler upgrades /ws and gives each peer its own change feed.
type streamHandler struct {
	s       Screener
	changes Changes
}

func newStreamHandler(s Screener, changes Changes) *streamHandler {
	return &streamHandler{s: s, changes: changes}
}

func (h *streamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] ws upgrade error: %v", err)
		return
	}
	id, feed := h.changes.Subscribe()
	c := &client{
		conn:   conn,
		s:      h.s,
		feed:   feed,
		direct: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	log.Printf("[api] ws client %d connected", id)

	go c.writePump()
	c.readPump()

	h.changes.Unsubscribe(id)
	log.Printf("[api] ws client %d disconnected", id)
}

// filters narrows what a client receives. Empty means everything.
type filters struct {
	Kinds   []model.ChangeKind `json:"kinds"`
	Symbols []string           `json:"symbols"`
}

func (f *filters) match(c model.Change) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, c.Kind) {
		return false
	}
	if len(f.Symbols) > 0 && c.Symbol != "" && !slices.Contains(f.Symbols, c.Symbol) {
		return false
	}
	return true
}

// client is a single WebSocket peer.
type client struct {
	conn   *websocket.Conn
	s      Screener
	feed   <-chan model.Change
	direct chan []byte // replies to this peer (pong, errors)
	done   chan struct{}

	mu      sync.RWMutex
	filters filters
}

func (c *client) wants(ch model.Change) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filters.match(ch)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
			return

		case ch, ok := <-c.feed:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			if !c.wants(ch) {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Coalesce everything already queued into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			writeEnvelope(w, ch)
			for n := len(c.feed); n > 0; n-- {
				next, ok := <-c.feed
				if !ok {
					break
				}
				if c.wants(next) {
					_, _ = w.Write([]byte{'\n'})
					writeEnvelope(w, next)
				}
			}
			if err := w.Close(); err != nil {
				return
			}

		case msg := <-c.direct:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEnvelope(w interface{ Write([]byte) (int, error) }, ch model.Change) {
	b, _ := json.Marshal(envelope{Type: "change", Kind: ch.Kind, Symbol: ch.Symbol, TS: time.Now().UnixMilli()})
	_, _ = w.Write(b)
}

// readPump handles peer messages until the connection drops:
//
//	{"type":"FILTER","kinds":["order","slow"],"symbols":["BTCUSDT"]}
//	{"type":"SELECT","symbol":"BTCUSDT"}
//	{"ping":1700000000000}
func (c *client) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var base struct {
			Type   string `json:"type"`
			Symbol string `json:"symbol"`
			Ping   int64  `json:"ping"`
		}
		if json.Unmarshal(msg, &base) != nil {
			c.reply(map[string]any{"type": "error", "error": "invalid JSON"})
			continue
		}

		switch strings.ToUpper(base.Type) {
		case "FILTER":
			var f filters
			if err := json.Unmarshal(msg, &f); err != nil {
				c.reply(map[string]any{"type": "error", "error": "invalid FILTER: " + err.Error()})
				continue
			}
			for i := range f.Symbols {
				f.Symbols[i] = strings.ToUpper(f.Symbols[i])
			}
			c.mu.Lock()
			c.filters = f
			c.mu.Unlock()
			c.reply(map[string]any{"type": "filter_ack"})

		case "SELECT":
			sym := strings.ToUpper(base.Symbol)
			if _, ok := c.s.Instrument(sym); !ok {
				c.reply(map[string]any{"type": "error", "error": "unknown symbol " + sym})
				continue
			}
			c.s.SelectSymbol(sym)

		default:
			if base.Ping > 0 {
				c.reply(map[string]any{"type": "pong", "ping": base.Ping, "server_ts": time.Now().UnixMilli()})
			}
		}
	}
}

func (c *client) reply(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.direct <- b:
	default:
	}
}
