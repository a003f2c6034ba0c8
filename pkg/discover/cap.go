package discover

import "fmt"

// DefaultCapLimit is the soft admission threshold.
const DefaultCapLimit = 100

// CapAction is what the loop does about the admitted-set size.
type CapAction int

const (
    // CapLogOnly logs once the admitted set exceeds the limit and keeps admitting.
    CapLogOnly CapAction = iota
    // CapStopAccepting stops admitting (and refilling) once the limit is reached.
    CapStopAccepting
)

func (a CapAction) String() string {
    switch a {
    case CapStopAccepting:
        return "stop"
    default:
        return "log"
    }
}

// ParseCapAction parses "log" or "stop".
func ParseCapAction(s string) (CapAction, error) {
    switch s {
    case "", "log":
        return CapLogOnly, nil
    case "stop":
        return CapStopAccepting, nil
    }
    return CapLogOnly, fmt.Errorf("discover: unknown cap action %q (want log|stop)", s)
}

// CapPolicy bounds the admitted set. A negative Limit disables the policy.
type CapPolicy struct {
    Limit  int
    Action CapAction
}

// DefaultCapPolicy is advisory-only at DefaultCapLimit.
func DefaultCapPolicy() CapPolicy { return CapPolicy{Limit: DefaultCapLimit, Action: CapLogOnly} }

// accepts reports whether one more endpoint may be admitted given n admitted.
func (p CapPolicy) accepts(n int) bool {
    return p.Action != CapStopAccepting || p.Limit < 0 || n < p.Limit
}

// reached reports whether the notice condition holds for n admitted.
func (p CapPolicy) reached(n int) bool {
    if p.Limit < 0 { return false }
    if p.Action == CapStopAccepting { return n >= p.Limit }
    return n > p.Limit
}
