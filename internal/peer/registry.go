// Package peer tracks the single bridge connection and routes its
// inbound frames to per-request mailboxes.
package peer

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relaybridge/relaybridge/internal/mailbox"
	"github.com/relaybridge/relaybridge/internal/wire"
)

// ErrPeerAlreadyRegistered is returned when a second bridge attempts
// to connect while one is active. Multiple simultaneous peers are
// unsupported; the first one wins.
var ErrPeerAlreadyRegistered = errors.New("peer: a bridge is already connected")

// ErrNoPeer is returned by SendFrame when no bridge is connected.
var ErrNoPeer = errors.New("peer: no bridge connected")

// Registry holds zero or one active peer and the mailboxes of all
// in-flight requests.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	peer      *Peer
	mailboxes map[string]*mailbox.Mailbox
	connected chan struct{}
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		mailboxes: make(map[string]*mailbox.Mailbox),
		connected: make(chan struct{}),
	}
}

// HasPeer reports whether a bridge is currently connected.
func (r *Registry) HasPeer() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peer != nil
}

// Peer returns the active bridge connection, if any.
func (r *Registry) Peer() (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peer, r.peer != nil
}

// WaitForPeer blocks until a bridge is connected or ctx is done.
func (r *Registry) WaitForPeer(ctx context.Context) error {
	for {
		r.mu.RLock()
		has := r.peer != nil
		ch := r.connected
		r.mu.RUnlock()

		if has {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendFrame forwards frame to whichever peer is registered at call
// time, so an attempt issued after a rotation targets the new bridge.
func (r *Registry) SendFrame(frame wire.RelayFrame) error {
	p, ok := r.Peer()
	if !ok {
		return ErrNoPeer
	}
	return p.Send(frame)
}

// CreateMailbox allocates the mailbox for a correlation id. At most
// one mailbox exists per live id; the orchestrator removes it when the
// request finishes.
func (r *Registry) CreateMailbox(id string) *mailbox.Mailbox {
	mb := mailbox.New()
	r.mu.Lock()
	r.mailboxes[id] = mb
	r.mu.Unlock()
	return mb
}

// RemoveMailbox closes and discards the mailbox for id.
func (r *Registry) RemoveMailbox(id string) {
	r.mu.Lock()
	mb, ok := r.mailboxes[id]
	delete(r.mailboxes, id)
	r.mu.Unlock()

	if ok {
		mb.Close()
	}
}

// register installs p as the active peer. Fails when one is present.
func (r *Registry) register(p *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.peer != nil {
		return ErrPeerAlreadyRegistered
	}
	r.peer = p
	close(r.connected)
	return nil
}

// unregister drops p and force-closes every live mailbox so in-flight
// requests observe a closed failure instead of hanging.
func (r *Registry) unregister(p *Peer) {
	r.mu.Lock()
	if r.peer != p {
		r.mu.Unlock()
		return
	}
	r.peer = nil
	r.connected = make(chan struct{})
	orphaned := r.mailboxes
	r.mailboxes = make(map[string]*mailbox.Mailbox)
	r.mu.Unlock()

	for id, mb := range orphaned {
		mb.Close()
		r.logger.Warn("closed mailbox after peer disconnect", slog.String("request_id", id))
	}
}

// route delivers one inbound event to the mailbox matching its
// request id. Frames with an unknown or missing id are dropped.
func (r *Registry) route(ev wire.Event) {
	if ev.RequestID == "" {
		r.logger.Warn("dropping peer frame without request_id", slog.String("event_type", ev.EventType))
		return
	}

	r.mu.RLock()
	mb, ok := r.mailboxes[ev.RequestID]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("dropping peer frame for unknown request",
			slog.String("request_id", ev.RequestID),
			slog.String("event_type", ev.EventType))
		return
	}

	if ev.EventType == wire.EventStreamClose {
		ev.EventType = wire.EventStreamEnd
	}
	mb.Enqueue(ev)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The bridge script runs in a page on another origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS returns the upgrade handler for the bridge endpoint. When
// token is non-empty the bridge must present it as a bearer token.
// onConnect runs after a peer registers, before frames flow.
func (r *Registry) ServeWS(token string, onConnect func(*Peer)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if token != "" {
			presented := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				http.Error(w, "invalid bridge token", http.StatusUnauthorized)
				return
			}
		}
		if r.HasPeer() {
			http.Error(w, "a bridge is already connected", http.StatusConflict)
			return
		}

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Warn("bridge upgrade failed", slog.String("error", err.Error()))
			return
		}

		p := newPeer(conn, r.logger)
		if err := r.register(p); err != nil {
			// Lost the race with another bridge connecting.
			conn.Close()
			return
		}
		r.logger.Info("bridge connected", slog.String("remote_addr", req.RemoteAddr))

		if onConnect != nil {
			onConnect(p)
		}

		p.readLoop(r.route)
		r.unregister(p)
		r.logger.Info("bridge disconnected", slog.String("remote_addr", req.RemoteAddr))
	}
}
