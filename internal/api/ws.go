package api

import (
	_ "embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codechat/runner/internal/events"
)

//go:embed static/dashboard.html
var dashboardHTML []byte

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard is an internal operator page
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second // must be < pongWait
	writeWait     = 10 * time.Second
	statusRefresh = 30 * time.Second
	sendBuffer    = 64
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(dashboardHTML)
}

// dashboardClient is one WebSocket subscriber. writePump owns every write to
// the connection; readPump owns every read. Bus events are forwarded through
// Send so a slow browser can never block the pool's observer callback.
type dashboardClient struct {
	conn *websocket.Conn
	Send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *dashboardClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// handleDashboardWS upgrades the connection, replays the current pool state,
// then streams every bus event until the client goes away.
func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &dashboardClient{
		conn: conn,
		Send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	slog.Info("dashboard client connected", "remote", r.RemoteAddr)

	// Initial snapshot: current slots, lifetime stats, recent history.
	client.enqueue(s.pool.StatusEvent())
	client.enqueue(s.statsEvent())
	client.enqueue(events.Event{
		"type":       "history",
		"executions": s.pool.History(50),
	})

	sub := s.bus.Subscribe()
	go client.writePump()
	go client.readPump()
	go func() {
		// Periodic refresh keeps an otherwise idle dashboard current.
		refresh := time.NewTicker(statusRefresh)
		defer refresh.Stop()
		defer s.bus.Unsubscribe(sub)
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					client.close()
					return
				}
				client.enqueue(ev)
			case <-refresh.C:
				client.enqueue(s.pool.StatusEvent())
			case <-client.done:
				return
			}
		}
	}()
}

// statsEvent shapes the lifetime counters the way the dashboard consumes them.
func (s *Server) statsEvent() events.Event {
	st := s.pool.Stats()
	return events.Event{
		"type":            "stats",
		"totalExecutions": st.TotalExecutions,
		"totalExecTime":   st.TotalExecTimeMS,
		"totalLines":      st.TotalLines,
		"successCount":    st.SuccessCount,
	}
}

// enqueue marshals and queues one event, dropping it when the client's buffer
// is full.
func (c *dashboardClient) enqueue(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to marshal event", "type", ev.Type(), "error", err)
		return
	}
	select {
	case c.Send <- payload:
	default:
		slog.Warn("dashboard send buffer full, dropping event", "type", ev.Type())
	}
}

func (c *dashboardClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump discards inbound frames; the dashboard stream is one-way, but
// reading is what services pong frames and close handshakes.
func (c *dashboardClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
