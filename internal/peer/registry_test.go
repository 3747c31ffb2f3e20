package peer

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaybridge/relaybridge/internal/mailbox"
	"github.com/relaybridge/relaybridge/internal/wire"
)

func dialTest(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForPeer(t *testing.T, r *Registry) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !r.HasPeer() {
		if time.Now().After(deadline) {
			t.Fatal("peer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRouteDemultiplexesByRequestID(t *testing.T) {
	r := NewRegistry(slog.Default())
	srv := httptest.NewServer(r.ServeWS("", nil))
	defer srv.Close()

	mbA := r.CreateMailbox("req-a")
	mbB := r.CreateMailbox("req-b")
	defer r.RemoveMailbox("req-a")
	defer r.RemoveMailbox("req-b")

	conn := dialTest(t, srv, nil)
	waitForPeer(t, r)

	// Interleave frames for the two requests.
	frames := []wire.Event{
		{RequestID: "req-a", EventType: wire.EventChunk, Data: "a1"},
		{RequestID: "req-b", EventType: wire.EventChunk, Data: "b1"},
		{RequestID: "req-a", EventType: wire.EventChunk, Data: "a2"},
		{RequestID: "req-b", EventType: wire.EventStreamClose},
		{RequestID: "req-a", EventType: wire.EventStreamClose},
	}
	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
	}

	readAll := func(mb *mailbox.Mailbox) []wire.Event {
		var out []wire.Event
		for {
			ev, err := mb.Dequeue(2 * time.Second)
			if err != nil {
				t.Fatalf("Dequeue: %v", err)
			}
			out = append(out, ev)
			if ev.EventType == wire.EventStreamEnd {
				return out
			}
		}
	}

	gotA := readAll(mbA)
	if len(gotA) != 3 || gotA[0].Data != "a1" || gotA[1].Data != "a2" {
		t.Errorf("mailbox A events = %+v", gotA)
	}
	gotB := readAll(mbB)
	if len(gotB) != 2 || gotB[0].Data != "b1" {
		t.Errorf("mailbox B events = %+v", gotB)
	}
}

func TestRouteDropsUnknownRequestID(t *testing.T) {
	r := NewRegistry(slog.Default())

	// Must not panic or create a mailbox.
	r.route(wire.Event{RequestID: "ghost", EventType: wire.EventChunk, Data: "x"})
	r.route(wire.Event{EventType: wire.EventChunk, Data: "y"})
}

func TestStreamCloseTranslatedToSentinel(t *testing.T) {
	r := NewRegistry(slog.Default())
	mb := r.CreateMailbox("req-1")
	defer r.RemoveMailbox("req-1")

	r.route(wire.Event{RequestID: "req-1", EventType: wire.EventStreamClose})

	ev, err := mb.Dequeue(time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ev.EventType != wire.EventStreamEnd {
		t.Errorf("EventType = %q, want %q", ev.EventType, wire.EventStreamEnd)
	}
}

func TestSecondPeerRejected(t *testing.T) {
	r := NewRegistry(slog.Default())
	srv := httptest.NewServer(r.ServeWS("", nil))
	defer srv.Close()

	dialTest(t, srv, nil)
	waitForPeer(t, r)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second dial succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("second dial status = %v, want 409", resp)
	}
}

func TestBridgeTokenRequired(t *testing.T) {
	r := NewRegistry(slog.Default())
	srv := httptest.NewServer(r.ServeWS("secret", nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", resp)
	}

	header := http.Header{"Authorization": []string{"Bearer secret"}}
	dialTest(t, srv, header)
	waitForPeer(t, r)
}

func TestDisconnectClosesMailboxes(t *testing.T) {
	r := NewRegistry(slog.Default())
	srv := httptest.NewServer(r.ServeWS("", nil))
	defer srv.Close()

	mb := r.CreateMailbox("req-1")

	conn := dialTest(t, srv, nil)
	waitForPeer(t, r)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for r.HasPeer() {
		if time.Now().After(deadline) {
			t.Fatal("peer never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := mb.Dequeue(time.Second); !errors.Is(err, mailbox.ErrClosed) {
		t.Errorf("Dequeue after disconnect error = %v, want ErrClosed", err)
	}
}

func TestSendReachesBridge(t *testing.T) {
	r := NewRegistry(slog.Default())
	srv := httptest.NewServer(r.ServeWS("", nil))
	defer srv.Close()

	conn := dialTest(t, srv, nil)
	waitForPeer(t, r)

	p, ok := r.Peer()
	if !ok {
		t.Fatal("Peer() reported no peer")
	}
	frame := wire.RelayFrame{
		RequestID:     "req-1",
		Method:        http.MethodPost,
		Path:          "/v1/chat/completions",
		Body:          `{"model":"gpt-4o"}`,
		StreamingMode: wire.StreamingModeReal,
	}
	if err := p.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got wire.RelayFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.RequestID != "req-1" || got.Path != "/v1/chat/completions" {
		t.Errorf("received frame = %+v", got)
	}
}
