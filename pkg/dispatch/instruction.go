package dispatch

// Instruction is the closed set of control-flow signals a handler
// returns to steer dispatch. The zero value is Continue, so a handler
// that returns nothing meaningful simply falls through.
type Instruction int

const (
	// Continue defers to the next handler in the current route, or, if
	// the chain is exhausted, to the next matching route.
	Continue Instruction = iota

	// Stop ends dispatch: the exchange has been fully handled.
	Stop

	// NextRoute abandons the remaining handlers of the current route
	// and tries the next matching route.
	NextRoute

	// NextRouter abandons the entire current route table. If the table
	// is mounted inside a parent, the parent resumes its search at the
	// entry after the mount point.
	NextRouter
)

// String returns the instruction name.
func (i Instruction) String() string {
	switch i {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	case NextRoute:
		return "next-route"
	case NextRouter:
		return "next-router"
	default:
		return "unknown"
	}
}
