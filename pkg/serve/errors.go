package serve

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/strand-go/strand/pkg/dispatch"
	"github.com/strand-go/strand/pkg/exchange"
)

// Sentinel errors surfaced at the transport boundary.
var (
	// ErrUnhandled means dispatch exhausted the route table without a
	// Stop; the renderer turns it into a not-found response.
	ErrUnhandled = errors.New("serve: no route handled the exchange")

	// ErrBadRequest means the inbound exchange was malformed at the
	// creation boundary.
	ErrBadRequest = errors.New("serve: malformed request")
)

// ErrorRenderer turns an escaped dispatch error into a completion on a
// neutral output target. The engine itself holds no error formatting;
// hosts swap in their own renderer via Server.SetErrorRenderer.
type ErrorRenderer func(err error, out exchange.Output)

// DefaultErrorRenderer renders a dispatch.StatusError's status, headers
// and body; ErrUnhandled as 404; ErrBadRequest as 400; and anything
// else as a bare 500 that discloses nothing about the internal error.
func DefaultErrorRenderer(err error, out exchange.Output) {
	status := http.StatusInternalServerError
	var se *dispatch.StatusError
	switch {
	case errors.As(err, &se):
		status = se.Status
	case errors.Is(err, ErrUnhandled):
		status = http.StatusNotFound
	case errors.Is(err, ErrBadRequest):
		status = http.StatusBadRequest
	}

	h, ok := out.(*HTTPOutput)
	if !ok {
		// Socket-shaped sink: the close frame is the whole completion.
		_ = out.WriteStatus(status)
		return
	}
	if h.Started() || h.Finished() {
		// The handler already produced output; nothing to render.
		return
	}

	if se != nil {
		for key, values := range se.Header {
			for _, v := range values {
				h.Header().Add(key, v)
			}
		}
		if len(se.Body) > 0 {
			h.WriteHeader(se.Status)
			h.Write(se.Body)
			return
		}
	}

	h.Header().Set("Content-Type", "text/plain; charset=utf-8")
	h.WriteHeader(status)
	fmt.Fprintf(h, "%d %s\n", status, http.StatusText(status))
}
