package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// sseWriter serializes server-sent event writes. The keepalive
// goroutine and the final emitter share it, so every write goes
// through the mutex and write errors (client gone) are swallowed.
type sseWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w}
}

func (s *sseWriter) writeHeaders() {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	flush(s.w)
}

func (s *sseWriter) writeEvent(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	flush(s.w)
	return nil
}

func (s *sseWriter) writeDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.w, "data: [DONE]\n\n")
	flush(s.w)
}

// startKeepalive emits empty-delta placeholder chunks on a fixed
// interval until the returned stop function is called. Stop blocks
// until the goroutine has exited, so no keepalive can land after the
// final content chunk or the [DONE] terminator.
func (o *Orchestrator) startKeepalive(sw *sseWriter, id string) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(o.cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sw.writeEvent(keepaliveChunk(id)); err != nil {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-finished
	}
}

// chatChunk mirrors the OpenAI chat-completion streaming fragment so
// synthesized streams look like the target API's own chunks.
type chatChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int         `json:"index"`
	Delta        chunkDelta  `json:"delta"`
	FinishReason interface{} `json:"finish_reason"`
}

type chunkDelta struct {
	Content string `json:"content,omitempty"`
}

func marshalChunk(id, content string, finish interface{}) []byte {
	c := chatChunk{
		ID:      "chatcmpl-" + id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Choices: []chunkChoice{{Delta: chunkDelta{Content: content}, FinishReason: finish}},
	}
	data, _ := json.Marshal(c)
	return data
}

func keepaliveChunk(id string) []byte {
	return marshalChunk(id, "", nil)
}

func contentChunk(id, content string) []byte {
	return marshalChunk(id, content, "stop")
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// errorChunk is the in-band terminal error for streams whose headers
// have already been sent.
func errorChunk(se *StatusError) []byte {
	var payload errorBody
	payload.Error.Message = se.Message
	payload.Error.Type = "relay_error"
	payload.Error.Code = se.Code
	data, _ := json.Marshal(payload)
	return data
}

// writeStatusError writes the single terminal error response for a
// request whose headers have not been sent yet.
func writeStatusError(w http.ResponseWriter, se *StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(se.Code)
	w.Write(errorChunk(se))
}
