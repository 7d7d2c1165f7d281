package longpoll

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
)

var errWriterClosed = errors.New("response already completed")

var probeByte = []byte(" ")

// lockedWriteFlusher serializes writes to a held response from any
// goroutine. Once closed it refuses further writes, since the handler may
// have returned.
type lockedWriteFlusher struct {
	w           http.ResponseWriter
	rc          *http.ResponseController
	mu          sync.Mutex
	ctx         context.Context
	closed      bool
	wroteHeader bool
}

func newLockedWriteFlusher(ctx context.Context, w http.ResponseWriter) *lockedWriteFlusher {
	return &lockedWriteFlusher{w: w, rc: http.NewResponseController(w), ctx: ctx}
}

func (l *lockedWriteFlusher) usable() error {
	if l.closed {
		return errWriterClosed
	}
	if l.ctx != nil && l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	return nil
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usable(); err != nil {
		return 0, err
	}
	l.wroteHeader = true
	return l.w.Write(p)
}

func (l *lockedWriteFlusher) WriteHeader(status int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.usable() != nil || l.wroteHeader {
		return
	}
	l.wroteHeader = true
	l.w.WriteHeader(status)
}

func (l *lockedWriteFlusher) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usable(); err != nil {
		return err
	}
	return l.rc.Flush()
}

// probe writes one byte of JSON whitespace and flushes it.
func (l *lockedWriteFlusher) probe() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usable(); err != nil {
		return err
	}
	l.wroteHeader = true
	if _, err := l.w.Write(probeByte); err != nil {
		return err
	}
	return l.rc.Flush()
}

// close forbids further writes.
func (l *lockedWriteFlusher) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections, before
// any Bayeux reply can be produced. Shape: {"error":{"code":<status>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
