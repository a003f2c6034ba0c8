package discover

import (
    "context"
    "errors"
    "io"
    "log"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/amirimatin/go-rpcpool/pkg/chain"
    "github.com/amirimatin/go-rpcpool/pkg/rpc"
)

var quiet = log.New(io.Discard, "", 0)

// fakeClient answers ChainHeight after delay, or blocks until the context ends
// when hang is set.
type fakeClient struct {
    addr   string
    delay  time.Duration
    hang   bool
    fail   error
    closed atomic.Bool
}

func (c *fakeClient) Addr() string { return c.addr }

func (c *fakeClient) ChainHeight(ctx context.Context) (uint64, error) {
    if c.hang {
        <-ctx.Done()
        return 0, ctx.Err()
    }
    select {
    case <-time.After(c.delay):
    case <-ctx.Done():
        return 0, ctx.Err()
    }
    if c.fail != nil { return 0, c.fail }
    return 3000000, nil
}

func (c *fakeClient) BlockHeader(context.Context, uint64) (chain.ExtendedBlockHeader, error) {
    return chain.ExtendedBlockHeader{}, nil
}

func (c *fakeClient) Close() error { c.closed.Store(true); return nil }

// fakeNet is a Dialer over a fixed table of behaviours. Addresses missing from
// the table fail construction.
type fakeNet struct {
    mu     sync.Mutex
    nodes  map[string]fakeClient
    dialed []*fakeClient
}

func (n *fakeNet) Dial(addr string) (rpc.Client, error) {
    n.mu.Lock()
    defer n.mu.Unlock()
    want, ok := n.nodes[addr]
    if !ok {
        return nil, errors.New("malformed address")
    }
    c := &fakeClient{addr: addr, delay: want.delay, hang: want.hang, fail: want.fail}
    n.dialed = append(n.dialed, c)
    return c, nil
}

func (n *fakeNet) clients() []*fakeClient {
    n.mu.Lock()
    defer n.mu.Unlock()
    return append([]*fakeClient(nil), n.dialed...)
}

// delayProber succeeds for every address after the configured delay.
type delayProber struct {
    delays  map[string]time.Duration
    calls   atomic.Int64
    onProbe func(addr string)
}

func (p *delayProber) Probe(ctx context.Context, addr string) (rpc.Client, bool) {
    p.calls.Add(1)
    select {
    case <-time.After(p.delays[addr]):
    case <-ctx.Done():
        return nil, false
    }
    if p.onProbe != nil { p.onProbe(addr) }
    return &fakeClient{addr: addr}, true
}

// collect reads n changes or fails the test after timeout.
func collect(t *testing.T, sub *Subscription, n int, timeout time.Duration) []Change {
    t.Helper()
    var out []Change
    deadline := time.After(timeout)
    for len(out) < n {
        select {
        case c, ok := <-sub.Changes():
            if !ok { t.Fatalf("feed closed after %d of %d changes: %v", len(out), n, out) }
            out = append(out, c)
        case <-deadline:
            t.Fatalf("timed out after %d of %d changes: %v", len(out), n, out)
        }
    }
    return out
}

// stop closes the subscription, waits for Run to return and returns any
// changes still buffered in the feed.
func stop(t *testing.T, sub *Subscription, done <-chan struct{}) []Change {
    t.Helper()
    sub.Close()
    select {
    case <-done:
    case <-time.After(3 * time.Second):
        t.Fatalf("loop did not stop after the feed was closed")
    }
    var rest []Change
    for c := range sub.Changes() {
        rest = append(rest, c)
    }
    return rest
}

func start(t *testing.T, cfg Config, capacity int) (*Loop, *Subscription, <-chan struct{}) {
    t.Helper()
    if cfg.Logger == nil { cfg.Logger = quiet }
    if cfg.Interval == 0 { cfg.Interval = 20 * time.Millisecond }
    pub, sub := NewFeed(capacity)
    l, err := New(cfg, pub)
    if err != nil { t.Fatalf("new loop: %v", err) }
    done := make(chan struct{})
    go func() { l.Run(context.Background()); close(done) }()
    return l, sub, done
}
