package middleware

import (
	"bufio"
	"net"
	"net/http"
)

// StreamingResponseWriter wraps a ResponseWriter to capture status and
// byte counts while preserving the Flusher and Hijacker interfaces that
// SSE streaming depends on.
type StreamingResponseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
	wroteHeader  bool
}

func NewStreamingResponseWriter(w http.ResponseWriter) *StreamingResponseWriter {
	return &StreamingResponseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *StreamingResponseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *StreamingResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

func (w *StreamingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *StreamingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (w *StreamingResponseWriter) Status() int { return w.status }

func (w *StreamingResponseWriter) BytesWritten() int64 { return w.bytesWritten }
