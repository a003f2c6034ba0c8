package balance

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sort"
    "sync"
    "sync/atomic"

    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-rpcpool/pkg/chain"
    "github.com/amirimatin/go-rpcpool/pkg/discover"
    "github.com/amirimatin/go-rpcpool/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-rpcpool/pkg/observability/metrics"
    "github.com/amirimatin/go-rpcpool/pkg/rpc"
)

// ErrNoEndpoints is returned when the pool holds no endpoint to ask.
var ErrNoEndpoints = errors.New("balance: no endpoints")

// heightsParallelism bounds concurrent calls in Heights.
const heightsParallelism = 8

// Pool is a round-robin, fail-over client over the endpoints published on a
// discovery feed. Queries are safe for concurrent use while Run applies changes.
type Pool struct {
    logger *log.Logger

    mu    sync.RWMutex
    slots map[int]rpc.Client
    order []int

    next atomic.Uint64
}

func New(logger *log.Logger) *Pool {
    if logger == nil { logger = log.Default() }
    return &Pool{logger: logger, slots: make(map[int]rpc.Client)}
}

// Run applies changes from sub until the feed closes or ctx ends. On ctx
// cancellation the subscription is closed and endpoints still buffered in
// the feed are closed.
func (p *Pool) Run(ctx context.Context, sub *discover.Subscription) error {
    for {
        select {
        case c, ok := <-sub.Changes():
            if !ok { return nil }
            p.Apply(c)
        case <-ctx.Done():
            sub.Close()
            drain(sub)
            return ctx.Err()
        }
    }
}

func drain(sub *discover.Subscription) {
    for {
        select {
        case c, ok := <-sub.Changes():
            if !ok { return }
            if c.Endpoint != nil { _ = c.Endpoint.Close() }
        default:
            return
        }
    }
}

// Apply inserts or removes one endpoint. Inserting into an occupied slot
// replaces (and closes) the previous endpoint.
func (p *Pool) Apply(c discover.Change) {
    p.mu.Lock()
    defer p.mu.Unlock()
    switch c.Type {
    case discover.ChangeInsert:
        if c.Endpoint == nil { return }
        if old, ok := p.slots[c.Slot]; ok {
            _ = old.Close()
        } else {
            p.order = append(p.order, c.Slot)
            sort.Ints(p.order)
        }
        p.slots[c.Slot] = c.Endpoint
        logutil.Infof(p.logger, "pool: slot %d -> %s", c.Slot, c.Endpoint.Addr())
    case discover.ChangeRemove:
        old, ok := p.slots[c.Slot]
        if !ok { return }
        _ = old.Close()
        delete(p.slots, c.Slot)
        i := sort.SearchInts(p.order, c.Slot)
        p.order = append(p.order[:i], p.order[i+1:]...)
        logutil.Infof(p.logger, "pool: slot %d removed (%s)", c.Slot, old.Addr())
    }
    obsmetrics.PoolEndpoints.Set(float64(len(p.slots)))
}

func (p *Pool) Len() int {
    p.mu.RLock()
    defer p.mu.RUnlock()
    return len(p.slots)
}

// Addrs lists endpoint addresses in slot order.
func (p *Pool) Addrs() []string {
    p.mu.RLock()
    defer p.mu.RUnlock()
    out := make([]string, 0, len(p.order))
    for _, s := range p.order { out = append(out, p.slots[s].Addr()) }
    return out
}

// endpoints returns the endpoints rotated to the next round-robin start.
func (p *Pool) endpoints() []rpc.Client {
    p.mu.RLock()
    defer p.mu.RUnlock()
    n := len(p.order)
    if n == 0 { return nil }
    start := int(p.next.Add(1)-1) % n
    out := make([]rpc.Client, 0, n)
    for i := 0; i < n; i++ { out = append(out, p.slots[p.order[(start+i)%n]]) }
    return out
}

// try runs fn against endpoints in round-robin order until one succeeds.
func try[T any](ctx context.Context, p *Pool, method string, fn func(rpc.Client) (T, error)) (T, error) {
    var zero T
    eps := p.endpoints()
    if len(eps) == 0 {
        obsmetrics.PoolRequests.WithLabelValues(method, "no_endpoints").Inc()
        return zero, ErrNoEndpoints
    }
    var errs []error
    for i, ep := range eps {
        if err := ctx.Err(); err != nil {
            errs = append(errs, err)
            break
        }
        if i > 0 { obsmetrics.PoolFailovers.Inc() }
        v, err := fn(ep)
        if err == nil {
            obsmetrics.PoolRequests.WithLabelValues(method, "ok").Inc()
            return v, nil
        }
        logutil.Debugf(p.logger, "pool: %s on %s: %v", method, ep.Addr(), err)
        errs = append(errs, fmt.Errorf("%s: %w", ep.Addr(), err))
    }
    obsmetrics.PoolRequests.WithLabelValues(method, "error").Inc()
    return zero, fmt.Errorf("balance: %s failed on every endpoint: %w", method, errors.Join(errs...))
}

// ChainHeight asks endpoints in turn until one answers.
func (p *Pool) ChainHeight(ctx context.Context) (uint64, error) {
    return try(ctx, p, "chain_height", func(c rpc.Client) (uint64, error) { return c.ChainHeight(ctx) })
}

// BlockHeader asks endpoints in turn until one answers.
func (p *Pool) BlockHeader(ctx context.Context, height uint64) (chain.ExtendedBlockHeader, error) {
    return try(ctx, p, "block_header", func(c rpc.Client) (chain.ExtendedBlockHeader, error) { return c.BlockHeader(ctx, height) })
}

// Heights asks every endpoint for its chain height concurrently. Endpoints
// that fail are left out of the result.
func (p *Pool) Heights(ctx context.Context) (map[string]uint64, error) {
    eps := p.endpoints()
    if len(eps) == 0 { return nil, ErrNoEndpoints }
    var mu sync.Mutex
    out := make(map[string]uint64, len(eps))
    g, gctx := errgroup.WithContext(ctx)
    g.SetLimit(heightsParallelism)
    for _, ep := range eps {
        ep := ep
        g.Go(func() error {
            h, err := ep.ChainHeight(gctx)
            if err != nil {
                logutil.Debugf(p.logger, "pool: height from %s: %v", ep.Addr(), err)
                return nil
            }
            mu.Lock()
            out[ep.Addr()] = h
            mu.Unlock()
            return nil
        })
    }
    if err := g.Wait(); err != nil { return nil, err }
    if err := ctx.Err(); err != nil { return out, err }
    return out, nil
}

// Close closes every endpoint and empties the pool.
func (p *Pool) Close() error {
    p.mu.Lock()
    defer p.mu.Unlock()
    var errs []error
    for _, s := range p.order {
        if err := p.slots[s].Close(); err != nil { errs = append(errs, err) }
    }
    p.slots = make(map[int]rpc.Client)
    p.order = nil
    obsmetrics.PoolEndpoints.Set(0)
    return errors.Join(errs...)
}
