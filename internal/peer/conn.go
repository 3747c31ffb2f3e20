package peer

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaybridge/relaybridge/internal/wire"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second
)

// Peer wraps the single bridge websocket connection. All writes are
// serialized: gorilla/websocket permits one concurrent writer.
type Peer struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func newPeer(conn *websocket.Conn, logger *slog.Logger) *Peer {
	return &Peer{
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Send forwards one relay frame to the bridge.
func (p *Peer) Send(frame wire.RelayFrame) error {
	return p.writeJSON(frame)
}

// SendControl forwards an out-of-band instruction to the bridge.
func (p *Peer) SendControl(frame wire.ControlFrame) error {
	return p.writeJSON(frame)
}

func (p *Peer) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(v)
}

// Close tears down the connection. Safe to call multiple times.
func (p *Peer) Close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// Done is closed when the connection has been torn down.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// readLoop parses inbound frames and hands them to route until the
// connection fails. It drives the ping/pong liveness check.
func (p *Peer) readLoop(route func(wire.Event)) {
	defer p.Close()

	p.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	go p.pingLoop()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Warn("peer read failed", slog.String("error", err.Error()))
			}
			return
		}

		var ev wire.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			p.logger.Warn("dropping unparseable peer frame", slog.String("error", err.Error()))
			continue
		}
		route(ev)
	}
}

func (p *Peer) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := p.conn.WriteMessage(websocket.PingMessage, nil)
			p.writeMu.Unlock()
			if err != nil {
				p.Close()
				return
			}
		}
	}
}
