package static

import (
    "context"
    "strings"
    "sync"

    "github.com/amirimatin/go-rpcpool/pkg/discovery"
)

// oneShot hands out its list on the first call and nothing afterwards, which
// is how a fixed bootstrap list populates the backlog exactly once.
type oneShot struct {
    mu    sync.Mutex
    addrs []string
}

func (s *oneShot) Candidates(context.Context) ([]string, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    out := s.addrs
    s.addrs = nil
    return out, nil
}

// New returns a Source that yields the given addresses once.
func New(addrs ...string) discovery.Source {
    cleaned := make([]string, 0, len(addrs))
    for _, v := range addrs {
        v = strings.TrimSpace(v)
        if v != "" {
            cleaned = append(cleaned, v)
        }
    }
    return &oneShot{addrs: cleaned}
}

// Parse converts a comma-separated list into addresses.
func Parse(csv string) []string {
    if csv == "" {
        return nil
    }
    parts := strings.Split(csv, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts {
        p = strings.TrimSpace(p)
        if p != "" {
            out = append(out, p)
        }
    }
    return out
}
