// Package middleware provides dispatch-level observability handlers:
// Prometheus metrics and OpenTelemetry tracing for exchanges.
//
// Both are plain dispatch handlers that return Continue, so they are
// registered as the first entry of a route table on a catch-all route:
//
//	r := dispatch.NewRouter()
//	r.Any("/*path", middleware.Prometheus(), middleware.OpenTelemetry())
//	r.Get("/users/:id", showUser)
//
// They record their results from deferred lifecycle tasks, so duration
// and status cover the whole exchange, not just the handler chain.
package middleware
