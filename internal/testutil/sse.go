package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// SSEFrame formats one server-sent event block with its blank-line terminator.
func SSEFrame(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

// CompleteStream returns the frames of a minimal successful messages stream:
// message_start carrying the input-side usage, one text block, a message_delta
// with the cumulative output count, and message_stop.
func CompleteStream(model string, inputTokens, outputTokens int) []string {
	return []string{
		SSEFrame("message_start", fmt.Sprintf(
			`{"type":"message_start","message":{"id":"msg_test","model":%q,"usage":{"input_tokens":%d,"cache_creation_input_tokens":0,"cache_read_input_tokens":0,"output_tokens":1}}}`,
			model, inputTokens)),
		SSEFrame("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		SSEFrame("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`),
		SSEFrame("content_block_stop", `{"type":"content_block_stop","index":0}`),
		SSEFrame("message_delta", fmt.Sprintf(
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":%d}}`,
			outputTokens)),
		SSEFrame("message_stop", `{"type":"message_stop"}`),
	}
}

// SSEServer starts an httptest upstream that answers every request with the
// given frames, flushing after each one. Closed via t.Cleanup.
func SSEServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(SSEHandler(frames...))
	t.Cleanup(srv.Close)
	return srv
}

// SSEHandler returns a handler that streams the given frames. Useful when a
// test needs its own server to inspect the forwarded request first.
func SSEHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		f, _ := w.(http.Flusher)
		for _, frame := range frames {
			io.WriteString(w, frame)
			if f != nil {
				f.Flush()
			}
		}
	}
}
