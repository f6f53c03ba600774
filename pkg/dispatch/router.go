// Package dispatch matches exchanges against an ordered route table and
// runs handler chains under the four-way routing protocol.
//
// Registration order is dispatch priority order: there is no reordering
// by specificity, so more specific routes must be registered first.
// A whole table can be mounted as a sub-route of a parent table, in
// which case the unconsumed trailing path becomes the mounted table's
// scoped path and its captures stack on the parent's.
package dispatch

import (
	"strings"

	"github.com/strand-go/strand/pkg/exchange"
	"github.com/strand-go/strand/pkg/pathspec"
)

// Handler is one link of a route's handler chain. It returns an
// Instruction, nil (which continues the chain and, at its end, moves on
// to the next matching route), or any application-defined value, which
// is handed to the router's OnReturn collaborator if one is configured.
type Handler func(ex *exchange.Exchange) (any, error)

// UpgradePredicate answers the read-only upgrade-eligibility probe for
// one route without running its handler chain.
type UpgradePredicate func(ex *exchange.Exchange) bool

// ReturnFunc interprets an application-defined handler return value,
// e.g. for templating integration.
type ReturnFunc func(ex *exchange.Exchange, value any) (Instruction, error)

// route is one entry of the ordered route table.
type route struct {
	method        string // HTTP method or upgrade protocol; "" matches any
	upgrade       bool   // entry serves upgrade exchanges
	pattern       *pathspec.Pattern
	chain         []Handler
	shouldUpgrade UpgradePredicate
	sub           *Router // non-nil for mounted sub-tables
}

// Router is an ordered table of routes. Registration is not safe for
// concurrent use; once registration is done the table is read-only and
// requires no locking.
type Router struct {
	routes   []*route
	onReturn ReturnFunc
}

// NewRouter creates an empty route table.
func NewRouter() *Router {
	return &Router{}
}

// SetOnReturn configures the collaborator that interprets
// application-defined handler return values. Without it, an unknown
// return value ends the route like chain exhaustion.
func (r *Router) SetOnReturn(fn ReturnFunc) {
	r.onReturn = fn
}

// Handle registers a route for the given HTTP method ("" or "*" for
// any) and pattern. A malformed pattern is a registration error, never
// a matcher that misbehaves at request time.
func (r *Router) Handle(method, pattern string, handlers ...Handler) error {
	if len(handlers) == 0 {
		return ErrNoHandlers
	}
	p, err := pathspec.Compile(pattern)
	if err != nil {
		return err
	}
	r.routes = append(r.routes, &route{
		method:  canonicalMethod(method),
		pattern: p,
		chain:   handlers,
	})
	return nil
}

// Get registers a GET route.
func (r *Router) Get(pattern string, handlers ...Handler) error {
	return r.Handle("GET", pattern, handlers...)
}

// Post registers a POST route.
func (r *Router) Post(pattern string, handlers ...Handler) error {
	return r.Handle("POST", pattern, handlers...)
}

// Put registers a PUT route.
func (r *Router) Put(pattern string, handlers ...Handler) error {
	return r.Handle("PUT", pattern, handlers...)
}

// Delete registers a DELETE route.
func (r *Router) Delete(pattern string, handlers ...Handler) error {
	return r.Handle("DELETE", pattern, handlers...)
}

// Any registers a route matching every method.
func (r *Router) Any(pattern string, handlers ...Handler) error {
	return r.Handle("", pattern, handlers...)
}

// Upgrade registers a route for upgrade exchanges of the given protocol
// (e.g. "websocket"). shouldUpgrade, if non-nil, answers the
// upgrade-eligibility probe; a nil predicate accepts every probe that
// matches the route.
func (r *Router) Upgrade(proto, pattern string, shouldUpgrade UpgradePredicate, handlers ...Handler) error {
	if len(handlers) == 0 {
		return ErrNoHandlers
	}
	p, err := pathspec.Compile(pattern)
	if err != nil {
		return err
	}
	r.routes = append(r.routes, &route{
		method:        strings.ToLower(proto),
		upgrade:       true,
		pattern:       p,
		chain:         handlers,
		shouldUpgrade: shouldUpgrade,
	})
	return nil
}

// Mount registers sub as a sub-route table under pattern. On a match
// the unconsumed remainder path becomes the mounted table's scoped path
// and the pattern's captures stack on the parent's parameter scope.
func (r *Router) Mount(pattern string, sub *Router) error {
	if sub == nil {
		return ErrNilRouter
	}
	p, err := pathspec.CompileSub(pattern)
	if err != nil {
		return err
	}
	r.routes = append(r.routes, &route{pattern: p, sub: sub})
	return nil
}

func canonicalMethod(method string) string {
	if method == "*" {
		return ""
	}
	return strings.ToUpper(method)
}

// matches reports whether the entry applies to the exchange's method or
// upgrade protocol. Mounted sub-tables apply to every exchange.
func (rt *route) matches(ex *exchange.Exchange) bool {
	if rt.sub != nil {
		return true
	}
	if ex.Protocol != "" {
		return rt.upgrade && (rt.method == "" || rt.method == strings.ToLower(ex.Protocol))
	}
	return !rt.upgrade && (rt.method == "" || rt.method == ex.Request.Method)
}

// outcome is the result of dispatching one route table.
type outcome int

const (
	// outcomeExhausted means the table ran out of matching entries
	// without a Stop. For a mounted table the parent continues past the
	// mount point; for the top-level table the exchange is unhandled.
	outcomeExhausted outcome = iota

	// outcomeStop means a chain fully handled the exchange.
	outcomeStop

	// outcomeNextRouter means a handler escaped the whole table.
	outcomeNextRouter
)

// Dispatch runs the exchange through the route table. It returns true
// when a handler chain signaled Stop; false means the exchange is
// unhandled and the caller renders its not-found response. A handler
// error aborts the current route and propagates to the caller's
// error-output boundary.
func (r *Router) Dispatch(ex *exchange.Exchange) (bool, error) {
	out, err := r.dispatch(ex)
	if err != nil {
		return false, err
	}
	return out == outcomeStop, nil
}

func (r *Router) dispatch(ex *exchange.Exchange) (outcome, error) {
	for _, rt := range r.routes {
		if !rt.matches(ex) {
			continue
		}
		res, ok := rt.pattern.Match(ex.Path())
		if !ok {
			continue
		}

		if rt.sub != nil {
			out, err := dispatchScoped(ex, res.Remainder(), res.Params(), rt.sub.dispatch)
			if err != nil {
				return outcomeExhausted, err
			}
			if out == outcomeStop {
				return outcomeStop, nil
			}
			// NextRouter from the sub-table, or the sub-table running
			// out of entries, resumes this table past the mount point.
			continue
		}

		inst, err := dispatchScoped(ex, ex.Path(), res.Params(), func(ex *exchange.Exchange) (Instruction, error) {
			return r.runChain(ex, rt.chain)
		})
		if err != nil {
			return outcomeExhausted, err
		}
		switch inst {
		case Stop:
			return outcomeStop, nil
		case Continue, NextRoute:
			continue
		case NextRouter:
			return outcomeNextRouter, nil
		}
	}
	return outcomeExhausted, nil
}

// dispatchScoped runs fn inside a pushed parameter scope, guaranteeing
// the pop even when fn panics partway through a handler chain.
func dispatchScoped[T any](ex *exchange.Exchange, path string, params map[string]pathspec.Param, fn func(*exchange.Exchange) (T, error)) (T, error) {
	restore := ex.PushScope(path, params)
	defer restore()
	return fn(ex)
}

// runChain invokes one route's handlers in order and reduces their
// returns to a route-level instruction.
func (r *Router) runChain(ex *exchange.Exchange, chain []Handler) (Instruction, error) {
	for _, h := range chain {
		value, err := h(ex)
		if err != nil {
			return Continue, err
		}
		inst, err := r.interpret(ex, value)
		if err != nil {
			return Continue, err
		}
		switch inst {
		case Continue:
			// Next handler in the chain.
		case Stop:
			return Stop, nil
		case NextRoute:
			return NextRoute, nil
		case NextRouter:
			return NextRouter, nil
		}
	}
	// Exhausting the chain defers to the next matching route.
	return NextRoute, nil
}

// interpret maps a handler return value onto an instruction.
func (r *Router) interpret(ex *exchange.Exchange, value any) (Instruction, error) {
	switch v := value.(type) {
	case nil:
		return Continue, nil
	case Instruction:
		return v, nil
	default:
		if r.onReturn != nil {
			return r.onReturn(ex, v)
		}
		// No collaborator to interpret the value: end the route as if
		// the chain were exhausted.
		return NextRoute, nil
	}
}

// CanUpgrade answers the read-only upgrade-eligibility probe: would
// this table accept an upgrade of the given protocol for the exchange's
// current scoped path? Only matching and shouldUpgrade predicates run;
// handler bodies never do.
func (r *Router) CanUpgrade(ex *exchange.Exchange, proto string) bool {
	proto = strings.ToLower(proto)
	for _, rt := range r.routes {
		res, ok := rt.pattern.Match(ex.Path())
		if !ok {
			continue
		}
		if rt.sub != nil {
			eligible, _ := dispatchScoped(ex, res.Remainder(), res.Params(), func(ex *exchange.Exchange) (bool, error) {
				return rt.sub.CanUpgrade(ex, proto), nil
			})
			if eligible {
				return true
			}
			continue
		}
		if !rt.upgrade || (rt.method != "" && rt.method != proto) {
			continue
		}
		if rt.shouldUpgrade == nil {
			return true
		}
		eligible, _ := dispatchScoped(ex, ex.Path(), res.Params(), func(ex *exchange.Exchange) (bool, error) {
			return rt.shouldUpgrade(ex), nil
		})
		if eligible {
			return true
		}
	}
	return false
}
