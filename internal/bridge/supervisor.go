// Package bridge supervises the browser-side execution peer: it hands
// the active credential to a connecting bridge and implements the
// activation collaborator the rotation machine delegates to.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaybridge/relaybridge/internal/peer"
	"github.com/relaybridge/relaybridge/internal/wire"
)

// CredentialSource fetches the opaque auth payload for an account.
type CredentialSource interface {
	Fetch(index int) ([]byte, error)
}

// Supervisor offers the active credential to the bridge. Activation of
// account N means: remember N's payload, instruct a connected bridge
// to switch (or wait for one to connect), and hand the payload to any
// bridge that connects later.
type Supervisor struct {
	registry *peer.Registry
	creds    CredentialSource
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	index   int
	payload []byte
}

func NewSupervisor(registry *peer.Registry, creds CredentialSource, timeout time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		registry: registry,
		creds:    creds,
		timeout:  timeout,
		logger:   logger,
	}
}

// Activate makes index the offered credential. A credential fetch
// failure aborts the activation. If a bridge is connected it receives
// an activate instruction in place; otherwise Activate waits (bounded)
// for one to connect and pick the credential up.
func (s *Supervisor) Activate(ctx context.Context, index int) error {
	payload, err := s.creds.Fetch(index)
	if err != nil {
		return fmt.Errorf("activate account %d: %w", index, err)
	}

	s.mu.Lock()
	s.index = index
	s.payload = payload
	s.mu.Unlock()

	if p, ok := s.registry.Peer(); ok {
		if err := p.SendControl(s.activateFrame()); err != nil {
			return fmt.Errorf("instruct bridge to activate account %d: %w", index, err)
		}
		s.logger.Info("bridge instructed to switch account", slog.Int("account", index))
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.registry.WaitForPeer(waitCtx); err != nil {
		return fmt.Errorf("activate account %d: no bridge connected: %w", index, err)
	}
	s.logger.Info("bridge connected with account", slog.Int("account", index))
	return nil
}

// Deactivate drops the current bridge connection. The bridge
// environment is expected to reconnect and receive the offered
// credential through HandleConnect.
func (s *Supervisor) Deactivate(ctx context.Context) {
	if p, ok := s.registry.Peer(); ok {
		p.Close()
	}
}

// HandleConnect runs when a bridge registers; it delivers the offered
// credential so the fresh peer starts on the right account.
func (s *Supervisor) HandleConnect(p *peer.Peer) {
	s.mu.Lock()
	hasOffer := s.payload != nil
	frame := s.activateFrameLocked()
	s.mu.Unlock()

	if !hasOffer {
		return
	}
	if err := p.SendControl(frame); err != nil {
		s.logger.Warn("failed to deliver credential to bridge", slog.String("error", err.Error()))
	}
}

func (s *Supervisor) activateFrame() wire.ControlFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activateFrameLocked()
}

func (s *Supervisor) activateFrameLocked() wire.ControlFrame {
	return wire.ControlFrame{
		Control:      wire.ControlActivate,
		AccountIndex: s.index,
		Credential:   s.payload,
	}
}
