package server

import (
	"net/http"

	"github.com/eugener/scribe/internal/upstream"
)

// Pre-allocated header value slices for relayed SSE responses. Direct map
// assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseContentType = []string{"text/event-stream"}
	sseNoCache     = []string{"no-cache"}
	sseAccelBuf    = []string{"no"}
)

// writeStreamHeaders relays upstream response headers for an SSE stream and
// disables reverse-proxy buffering in front of us. Upstream-provided values
// win; only missing ones are filled in.
func writeStreamHeaders(w http.ResponseWriter, resp *http.Response) {
	h := w.Header()
	upstream.CopyHeader(h, resp.Header)
	if _, ok := h["Content-Type"]; !ok {
		h["Content-Type"] = sseContentType
	}
	if _, ok := h["Cache-Control"]; !ok {
		h["Cache-Control"] = sseNoCache
	}
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(resp.StatusCode)
}
