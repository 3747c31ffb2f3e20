// Package relay implements the request-handling core: it forwards
// each inbound HTTP request to the execution peer as a correlated
// relay frame, demultiplexes the peer's response events, retries
// failed attempts and adapts the result to the streaming shape the
// caller expects.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaybridge/relaybridge/internal/config"
	"github.com/relaybridge/relaybridge/internal/mailbox"
	"github.com/relaybridge/relaybridge/internal/storage"
	"github.com/relaybridge/relaybridge/internal/wire"
)

// streamPathMarker flags request paths that expect incremental output,
// e.g. Gemini-style :streamGenerateContent routes.
const streamPathMarker = "stream"

// Registry is the peer-facing surface the orchestrator needs.
type Registry interface {
	HasPeer() bool
	SendFrame(frame wire.RelayFrame) error
	CreateMailbox(id string) *mailbox.Mailbox
	RemoveMailbox(id string)
}

// Rotation receives exchange outcomes.
type Rotation interface {
	ActiveIndex() int
	RecordSuccess()
	RecordFailure(ctx context.Context, status int)
}

// StatusError is an HTTP-visible relay failure.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay: status %d: %s", e.Code, e.Message)
}

// Orchestrator relays inbound requests over the bridge connection.
type Orchestrator struct {
	registry Registry
	rotation Rotation
	store    storage.ExchangeStore
	cfg      config.RelayConfig
	logger   *slog.Logger

	fake atomic.Bool
}

// NewOrchestrator builds the orchestrator. store may be nil to
// disable exchange recording.
func NewOrchestrator(registry Registry, rotation Rotation, store storage.ExchangeStore, cfg config.RelayConfig, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		rotation: rotation,
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
	o.fake.Store(cfg.FakeStreaming)
	return o
}

// FakeStreaming reports whether synthesized streaming mode is active.
func (o *Orchestrator) FakeStreaming() bool {
	return o.fake.Load()
}

// SetFakeStreaming toggles synthesized streaming mode at runtime.
func (o *Orchestrator) SetFakeStreaming(v bool) {
	o.fake.Store(v)
}

func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !o.registry.HasPeer() {
		writeStatusError(w, &StatusError{Code: http.StatusServiceUnavailable, Message: "no execution peer connected"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeStatusError(w, &StatusError{Code: http.StatusBadRequest, Message: "read request body: " + err.Error()})
		return
	}

	id := uuid.New().String()
	mb := o.registry.CreateMailbox(id)
	defer o.registry.RemoveMailbox(id)

	fake := o.fake.Load()
	mode := wire.StreamingModeReal
	if fake {
		mode = wire.StreamingModeFake
	}
	frame := buildFrame(r, id, body, mode)

	logger := o.logger.With(
		slog.String("request_id", id),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("streaming_mode", mode),
	)

	start := time.Now()
	rec := &storage.ExchangeRecord{
		CorrelationID: id,
		Method:        r.Method,
		Path:          r.URL.Path,
		FakeMode:      fake,
		AccountIndex:  o.rotation.ActiveIndex(),
		CreatedAt:     start,
	}

	if fake {
		o.relayFake(w, r, frame, mb, logger, rec)
	} else {
		o.relayReal(w, r, frame, mb, logger, rec)
	}

	rec.Duration = time.Since(start)
	o.record(r, rec)
}

// attemptLoop sends the relay frame up to MaxRetries times and waits
// for the first event of each attempt. It returns the first success
// event, or a StatusError once every attempt failed.
func (o *Orchestrator) attemptLoop(r *http.Request, frame wire.RelayFrame, mb *mailbox.Mailbox, logger *slog.Logger, rec *storage.ExchangeRecord) (wire.Event, error) {
	var lastErr *StatusError

	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		rec.Attempts = attempt

		if err := o.registry.SendFrame(frame); err != nil {
			return wire.Event{}, &StatusError{Code: http.StatusServiceUnavailable, Message: "no execution peer connected"}
		}

		ev, err := mb.Dequeue(o.cfg.RequestTimeout)
		switch {
		case errors.Is(err, mailbox.ErrClosed):
			return wire.Event{}, &StatusError{Code: http.StatusBadGateway, Message: "execution peer disconnected"}
		case errors.Is(err, mailbox.ErrTimeout):
			return wire.Event{}, &StatusError{Code: http.StatusGatewayTimeout, Message: "timed out waiting for execution peer"}
		case err != nil:
			return wire.Event{}, &StatusError{Code: http.StatusBadGateway, Message: err.Error()}
		}

		if ev.EventType != wire.EventError {
			return ev, nil
		}

		status := CorrectStatus(ev.Status, ev.Message)
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		lastErr = &StatusError{Code: status, Message: ev.Message}

		logger.Warn("relay attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("reported_status", ev.Status),
			slog.Int("status", status))

		o.rotation.RecordFailure(r.Context(), status)

		if attempt < o.cfg.MaxRetries {
			select {
			case <-time.After(o.cfg.RetryDelay):
			case <-r.Context().Done():
				return wire.Event{}, &StatusError{Code: 499, Message: "client closed request"}
			}
		}
	}

	return wire.Event{}, lastErr
}

// relayReal forwards the peer's response incrementally: the success
// header frame first (minus content-length), then each chunk as it
// arrives until a stream end, a chunk timeout, or a disconnect.
func (o *Orchestrator) relayReal(w http.ResponseWriter, r *http.Request, frame wire.RelayFrame, mb *mailbox.Mailbox, logger *slog.Logger, rec *storage.ExchangeRecord) {
	ev, err := o.attemptLoop(r, frame, mb, logger, rec)
	if err != nil {
		var se *StatusError
		errors.As(err, &se)
		rec.Status = se.Code
		rec.Error = se.Message
		writeStatusError(w, se)
		return
	}

	o.rotation.RecordSuccess()

	status := http.StatusOK
	switch ev.EventType {
	case wire.EventResponseHeaders:
		if ev.Status != 0 {
			status = ev.Status
		}
		for k, v := range ev.Headers {
			if strings.EqualFold(k, "Content-Length") {
				continue
			}
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
	case wire.EventChunk:
		w.WriteHeader(status)
		if _, err := io.WriteString(w, ev.Data); err != nil {
			rec.Status = status
			return
		}
		flush(w)
	case wire.EventStreamEnd:
		w.WriteHeader(status)
		rec.Status = status
		return
	}
	rec.Status = status
	rec.Streaming = true

	for {
		ev, err := mb.Dequeue(o.cfg.ChunkTimeout)
		switch {
		case errors.Is(err, mailbox.ErrTimeout):
			// A silent peer usually means the stream is done; the
			// strict setting surfaces possible truncation instead.
			if o.cfg.StrictStreamEnd {
				logger.Warn("stream ended by chunk timeout", slog.Bool("truncated", true))
				rec.Error = "chunk timeout (possibly truncated)"
			}
			return
		case errors.Is(err, mailbox.ErrClosed):
			logger.Warn("peer disconnected mid-stream")
			rec.Error = "peer disconnected mid-stream"
			return
		case err != nil:
			return
		}

		switch ev.EventType {
		case wire.EventChunk:
			if _, err := io.WriteString(w, ev.Data); err != nil {
				// Client went away; peer-side activity is not
				// cancelled here.
				logger.Debug("client write failed", slog.String("error", err.Error()))
				return
			}
			flush(w)
		case wire.EventStreamEnd:
			return
		case wire.EventError:
			logger.Warn("error event mid-stream",
				slog.Int("status", ev.Status),
				slog.String("message", ev.Message))
			rec.Error = ev.Message
			return
		}
	}
}

// relayFake serves a non-incremental backend reply to the caller,
// either as a synthesized SSE stream (when the request path carries
// the stream marker) or as one ordinary JSON document.
func (o *Orchestrator) relayFake(w http.ResponseWriter, r *http.Request, frame wire.RelayFrame, mb *mailbox.Mailbox, logger *slog.Logger, rec *storage.ExchangeRecord) {
	wantsStream := strings.Contains(strings.ToLower(r.URL.Path), streamPathMarker)

	var sw *sseWriter
	var stopKeepalive func()
	if wantsStream {
		// Hold the connection open with placeholder chunks while
		// attempts and retries run in the background.
		sw = newSSEWriter(w)
		sw.writeHeaders()
		stopKeepalive = o.startKeepalive(sw, frame.RequestID)
		rec.Streaming = true
	}

	ev, err := o.attemptLoop(r, frame, mb, logger, rec)
	if err != nil {
		var se *StatusError
		errors.As(err, &se)
		rec.Status = se.Code
		rec.Error = se.Message
		if wantsStream {
			stopKeepalive()
			sw.writeEvent(errorChunk(se))
			sw.writeDone()
			return
		}
		writeStatusError(w, se)
		return
	}

	payload, err := o.collectPayload(ev, mb)
	if err != nil {
		var se *StatusError
		errors.As(err, &se)
		rec.Status = se.Code
		rec.Error = se.Message
		logger.Warn("peer reply collection failed",
			slog.Int("status", se.Code),
			slog.String("message", se.Message))
		if wantsStream {
			stopKeepalive()
			sw.writeEvent(errorChunk(se))
			sw.writeDone()
			return
		}
		writeStatusError(w, se)
		return
	}

	o.rotation.RecordSuccess()
	rec.Status = http.StatusOK

	if wantsStream {
		stopKeepalive()
		sw.writeEvent(contentChunk(frame.RequestID, payload))
		sw.writeDone()
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, payload)
}

// collectPayload assembles the final backend reply from the success
// event and any follow-up chunks until the stream-end sentinel. A
// timeout, a disconnect or an error event before the sentinel fails
// the collection; a partial payload is never served as a success.
func (o *Orchestrator) collectPayload(first wire.Event, mb *mailbox.Mailbox) (string, error) {
	var sb strings.Builder

	ev := first
	for {
		switch ev.EventType {
		case wire.EventChunk:
			sb.WriteString(ev.Data)
		case wire.EventStreamEnd:
			return sb.String(), nil
		case wire.EventError:
			status := CorrectStatus(ev.Status, ev.Message)
			if status < 400 || status > 599 {
				status = http.StatusBadGateway
			}
			return "", &StatusError{Code: status, Message: ev.Message}
		}

		var err error
		ev, err = mb.Dequeue(o.cfg.ChunkTimeout)
		switch {
		case errors.Is(err, mailbox.ErrTimeout):
			return "", &StatusError{Code: http.StatusGatewayTimeout, Message: "timed out collecting peer reply"}
		case errors.Is(err, mailbox.ErrClosed):
			return "", &StatusError{Code: http.StatusBadGateway, Message: "execution peer disconnected"}
		case err != nil:
			return "", &StatusError{Code: http.StatusBadGateway, Message: err.Error()}
		}
	}
}

func (o *Orchestrator) record(r *http.Request, rec *storage.ExchangeRecord) {
	if o.store == nil {
		return
	}
	if err := o.store.RecordExchange(r.Context(), rec); err != nil {
		o.logger.Warn("exchange record failed",
			slog.String("request_id", rec.CorrelationID),
			slog.String("error", err.Error()))
	}
}

// buildFrame converts the inbound request into the relay wire shape.
func buildFrame(r *http.Request, id string, body []byte, mode string) wire.RelayFrame {
	headers := make(map[string]string, len(r.Header))
	for k, vals := range r.Header {
		if isHopByHop(k) || len(vals) == 0 {
			continue
		}
		headers[k] = vals[0]
	}

	query := make(map[string]string)
	for k, vals := range r.URL.Query() {
		if len(vals) > 0 {
			query[k] = vals[0]
		}
	}

	return wire.RelayFrame{
		RequestID:     id,
		Method:        r.Method,
		Path:          r.URL.Path,
		Headers:       headers,
		QueryParams:   query,
		Body:          string(body),
		StreamingMode: mode,
	}
}

func isHopByHop(header string) bool {
	switch strings.ToLower(header) {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade", "te", "trailer":
		return true
	}
	return false
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
