package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/reload-relay/internal/broker"
	"github.com/zsprackett/reload-relay/internal/clock"
	"github.com/zsprackett/reload-relay/internal/events"
	"github.com/zsprackett/reload-relay/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024

	// DisconnectMessage is the control text a tab sends before going away.
	DisconnectMessage = "disconnect"
)

var (
	errPortClosed   = errors.New("webserver: port closed")
	errSlowConsumer = errors.New("webserver: send buffer full")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsPort is a tab attached over a WebSocket. Send only queues; the write
// pump owns every data write to the connection.
type wsPort struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSPort(conn *websocket.Conn, buffer int) *wsPort {
	return &wsPort{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (p *wsPort) Send(e events.Event) error {
	select {
	case <-p.done:
		return errPortClosed
	default:
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	select {
	case p.send <- data:
		return nil
	default:
		// The broker prunes the port on this error; closing tells the tab.
		p.close()
		return errSlowConsumer
	}
}

func (p *wsPort) close() {
	p.once.Do(func() { close(p.done) })
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.allowAttach() {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("webserver: websocket upgrade failed", "err", err)
		return
	}

	p := newWSPort(conn, s.cfg.SendBuffer)
	b, err := s.attach(p)
	if err != nil {
		metrics.AttachRejected.WithLabelValues("terminated").Inc()
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay shutting down")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go p.writePump(r.Context(), s.clk.NewTicker(s.cfg.PingInterval))
	p.readPump(b, 2*s.cfg.PingInterval)
}

// readPump watches for the disconnect control message. Any read error is
// treated as the tab going away.
func (p *wsPort) readPump(b *broker.Broker, pongWait time.Duration) {
	defer p.close()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			b.Disconnect(p)
			return
		}
		if mt == websocket.TextMessage && strings.TrimSpace(string(data)) == DisconnectMessage {
			b.Disconnect(p)
			return
		}
	}
}

func (p *wsPort) writePump(ctx context.Context, ticker *clock.Ticker) {
	defer func() {
		ticker.Stop()
		p.close()
		p.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			p.writeClose(websocket.CloseGoingAway)
			return
		case <-p.done:
			p.writeClose(websocket.CloseNormalClosure)
			return
		case msg := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *wsPort) writeClose(code int) {
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
}
