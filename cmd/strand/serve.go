package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/strand-go/strand/pkg/dispatch"
	"github.com/strand-go/strand/pkg/exchange"
	"github.com/strand-go/strand/pkg/middleware"
	"github.com/strand-go/strand/pkg/serve"
)

// serveCmd runs a demo server exercising the dispatch engine:
// parameterized routes, a mounted API sub-router, a draining-aware
// event stream, and a websocket echo endpoint.
func serveCmd() *cobra.Command {
	var (
		addr         string
		drainTimeout time.Duration
		metrics      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := serve.New(&serve.Config{
				Address:      addr,
				DrainTimeout: drainTimeout,
			})

			router, err := buildRouter(metrics)
			if err != nil {
				return err
			}
			srv.SetRouter(router)

			// SIGINT/SIGTERM trigger the two-phase drain.
			return srv.Run()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 15*time.Second, "soft-close window before hard-closing")
	cmd.Flags().BoolVar(&metrics, "metrics", true, "expose Prometheus metrics on /metrics")
	return cmd
}

func buildRouter(metrics bool) (*dispatch.Router, error) {
	r := dispatch.NewRouter()

	if metrics {
		if err := r.Any("/*path", middleware.Prometheus(), middleware.OpenTelemetry()); err != nil {
			return nil, err
		}
		promHandler := promhttp.Handler()
		if err := r.Get("/metrics", func(ex *exchange.Exchange) (any, error) {
			w, _ := serve.ResponseWriter(ex)
			promHandler.ServeHTTP(w, ex.Request)
			return dispatch.Stop, nil
		}); err != nil {
			return nil, err
		}
	}

	if err := r.Get("/hello/:name", func(ex *exchange.Exchange) (any, error) {
		w, _ := serve.ResponseWriter(ex)
		name, _ := ex.Param("name")
		fmt.Fprintf(w, "hello, %s\n", name)
		return dispatch.Stop, nil
	}); err != nil {
		return nil, err
	}

	// Server-sent events stream that wraps up cooperatively when the
	// listener starts draining.
	if err := r.Get("/events", streamEvents); err != nil {
		return nil, err
	}

	// Websocket echo.
	if err := r.Upgrade(serve.ProtocolWebSocket, "/ws/echo", nil, echoSocket); err != nil {
		return nil, err
	}

	api, err := buildAPIRouter()
	if err != nil {
		return nil, err
	}
	if err := r.Mount("/api", api); err != nil {
		return nil, err
	}

	return r, nil
}

func buildAPIRouter() (*dispatch.Router, error) {
	api := dispatch.NewRouter()
	err := api.Get("/users/:id", func(ex *exchange.Exchange) (any, error) {
		id, _ := ex.Param("id")
		w, _ := serve.ResponseWriter(ex)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": id})
		return dispatch.Stop, nil
	})
	if err != nil {
		return nil, err
	}
	return api, nil
}

func streamEvents(ex *exchange.Exchange) (any, error) {
	w, _ := serve.ResponseWriter(ex)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, ok := w.(interface{ Flush() error })
	if !ok {
		return nil, dispatch.NewStatusError(http.StatusNotImplemented)
	}

	draining := make(chan string, 1)
	ex.OnDrain(func(reason string) error {
		select {
		case draining <- reason:
		default:
		}
		return nil
	})

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case t := <-ticker.C:
			fmt.Fprintf(w, "data: %s\n\n", t.Format(time.RFC3339))
			flusher.Flush()
		case reason := <-draining:
			fmt.Fprintf(w, "event: close\ndata: %s\n\n", reason)
			flusher.Flush()
			return dispatch.Stop, nil
		case <-ex.Done():
			return dispatch.Stop, nil
		}
	}
}

func echoSocket(ex *exchange.Exchange) (any, error) {
	conn, _ := serve.Socket(ex)
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return dispatch.Stop, nil
		}
		if err := conn.WriteMessage(mt, msg); err != nil {
			return dispatch.Stop, nil
		}
	}
}
