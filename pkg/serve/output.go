package serve

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strand-go/strand/pkg/exchange"
)

// HTTPOutput adapts an http.ResponseWriter into an exchange output
// sink. It is the ResponseWriter handed to handlers, tracking whether a
// response has started so the drain coordinator can decide between a
// 503 completion and a bare connection destroy.
type HTTPOutput struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	rc        *http.ResponseController
	started   bool
	finished  bool
	destroyed bool
}

func newHTTPOutput(w http.ResponseWriter) *HTTPOutput {
	return &HTTPOutput{w: w, rc: http.NewResponseController(w)}
}

// ResponseWriter returns the exchange's response writer, or false for
// upgraded (non-HTTP) exchanges.
func ResponseWriter(ex *exchange.Exchange) (http.ResponseWriter, bool) {
	out, ok := ex.Output().(*HTTPOutput)
	return out, ok
}

// Header returns the response header map.
func (o *HTTPOutput) Header() http.Header { return o.w.Header() }

// WriteHeader writes the status line and marks the response started.
func (o *HTTPOutput) WriteHeader(code int) {
	o.mu.Lock()
	o.started = true
	o.mu.Unlock()
	o.w.WriteHeader(code)
}

// Write writes body bytes and marks the response started.
func (o *HTTPOutput) Write(b []byte) (int, error) {
	o.mu.Lock()
	o.started = true
	o.mu.Unlock()
	return o.w.Write(b)
}

// Flush flushes buffered response data to the client.
func (o *HTTPOutput) Flush() error {
	o.mu.Lock()
	o.started = true
	o.mu.Unlock()
	return o.rc.Flush()
}

// Started reports whether any response data has been produced.
func (o *HTTPOutput) Started() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

// Finished reports whether the output stream has completed.
func (o *HTTPOutput) Finished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finished || o.destroyed
}

// markFinished records normal completion of the response.
func (o *HTTPOutput) markFinished() {
	o.mu.Lock()
	o.finished = true
	o.mu.Unlock()
}

// WriteStatus emits a minimal completion with the given status. Once
// the status line is on the wire the response cannot be rewritten, so
// this is a no-op for started responses; the subsequent Destroy is what
// the client observes.
func (o *HTTPOutput) WriteStatus(code int) error {
	o.mu.Lock()
	if o.started || o.finished || o.destroyed {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.finished = true
	o.mu.Unlock()

	o.w.Header().Set("Connection", "close")
	o.w.WriteHeader(code)
	return nil
}

// DisableKeepAlive marks the connection to close after this exchange.
func (o *HTTPOutput) DisableKeepAlive() {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		o.w.Header().Set("Connection", "close")
	}
}

// Destroy tears down the underlying connection. It hijacks when the
// transport allows it and otherwise forces pending writes to fail via
// an immediate write deadline.
func (o *HTTPOutput) Destroy() error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return nil
	}
	o.destroyed = true
	o.mu.Unlock()

	if conn, _, err := o.rc.Hijack(); err == nil {
		return conn.Close()
	}
	return o.rc.SetWriteDeadline(time.Now())
}

// SocketOutput adapts an upgraded websocket connection into an exchange
// output sink. An upgraded exchange counts as started: the 101 response
// is already on the wire.
type SocketOutput struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	finished bool
}

func newSocketOutput(conn *websocket.Conn) *SocketOutput {
	return &SocketOutput{conn: conn}
}

// Socket returns the exchange's websocket connection, or false for
// plain request/response exchanges.
func Socket(ex *exchange.Exchange) (*websocket.Conn, bool) {
	out, ok := ex.Output().(*SocketOutput)
	if !ok {
		return nil, false
	}
	return out.conn, true
}

// Started always reports true: the upgrade handshake was the start.
func (o *SocketOutput) Started() bool { return true }

// Finished reports whether the socket has been closed.
func (o *SocketOutput) Finished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finished
}

// WriteStatus emits the socket equivalent of an HTTP failure
// completion: a close frame. 503 maps to "service restart", everything
// else to "internal server error".
func (o *SocketOutput) WriteStatus(code int) error {
	closeCode := websocket.CloseInternalServerErr
	if code == http.StatusServiceUnavailable {
		closeCode = websocket.CloseServiceRestart
	}
	msg := websocket.FormatCloseMessage(closeCode, http.StatusText(code))
	return o.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// DisableKeepAlive is a no-op: websocket connections are never reused.
func (o *SocketOutput) DisableKeepAlive() {}

// Destroy closes the underlying connection.
func (o *SocketOutput) Destroy() error {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return nil
	}
	o.finished = true
	o.mu.Unlock()
	return o.conn.Close()
}

// markFinished records that the socket session ended normally.
func (o *SocketOutput) markFinished() {
	o.mu.Lock()
	o.finished = true
	o.mu.Unlock()
}
