package grpc

import (
    "context"
    "sync"
    "time"

    "golang.org/x/sync/singleflight"
    "google.golang.org/grpc"

    obsmetrics "github.com/amirimatin/go-rpcpool/pkg/observability/metrics"
    "github.com/amirimatin/go-rpcpool/pkg/rpc"
)

// DefaultConnTTL is how long a node's connection survives with no Client
// holding it.
const DefaultConnTTL = 30 * time.Second

// ConnFunc opens a connection to one node.
type ConnFunc func(ctx context.Context, node string) (*grpc.ClientConn, error)

// ConnManager shares one connection per node between the Clients dialed for
// it. Discovery re-probes nodes it already knows and the pool keeps its own
// Client per slot, so the same node is dialed many times over a run; all of
// those Clients ride a single connection. Concurrent first dials of a node
// collapse into one, and a node nobody holds is disconnected after ttl.
type ConnManager struct {
    connect ConnFunc
    ttl     time.Duration
    dials   singleflight.Group

    mu    sync.Mutex
    nodes map[string]*nodeConn
    shut  bool

    stop     chan struct{}
    stopOnce sync.Once
}

type nodeConn struct {
    cc        *grpc.ClientConn
    holders   int
    idleSince time.Time
}

// NewConnManager starts a manager that opens connections with connect and
// sweeps idle ones every ttl/2.
func NewConnManager(ttl time.Duration, connect ConnFunc) *ConnManager {
    if ttl <= 0 { ttl = DefaultConnTTL }
    m := &ConnManager{
        connect: connect,
        ttl:     ttl,
        nodes:   make(map[string]*nodeConn),
        stop:    make(chan struct{}),
    }
    go m.sweepLoop()
    return m
}

// Acquire returns node's shared connection, opening it if needed, and a
// release func that drops the caller's hold; release may be called more than
// once. After Close, Acquire fails with rpc.ErrClosed.
func (m *ConnManager) Acquire(ctx context.Context, node string) (*grpc.ClientConn, func(), error) {
    for attempt := 0; ; attempt++ {
        cc, err := m.hold(node)
        if err != nil { return nil, func() {}, err }
        if cc != nil {
            if attempt == 0 { obsmetrics.GRPCConnReuse.Inc() }
            return cc, m.releaser(node), nil
        }
        if _, err, _ := m.dials.Do(node, func() (any, error) { return nil, m.open(ctx, node) }); err != nil {
            return nil, func() {}, err
        }
    }
}

// hold takes a hold on node's connection, returning nil when there is none.
func (m *ConnManager) hold(node string) (*grpc.ClientConn, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.shut { return nil, rpc.ErrClosed }
    nc, ok := m.nodes[node]
    if !ok { return nil, nil }
    nc.holders++
    return nc.cc, nil
}

func (m *ConnManager) open(ctx context.Context, node string) error {
    m.mu.Lock()
    _, ok := m.nodes[node]
    m.mu.Unlock()
    if ok { return nil }

    cc, err := m.connect(ctx, node)
    if err != nil { return err }

    m.mu.Lock()
    defer m.mu.Unlock()
    if m.shut {
        _ = cc.Close()
        return rpc.ErrClosed
    }
    m.nodes[node] = &nodeConn{cc: cc, idleSince: time.Now()}
    obsmetrics.GRPCConnDials.Inc()
    obsmetrics.GRPCConnActive.Inc()
    return nil
}

func (m *ConnManager) releaser(node string) func() {
    var once sync.Once
    return func() {
        once.Do(func() {
            m.mu.Lock()
            defer m.mu.Unlock()
            nc, ok := m.nodes[node]
            if !ok { return }
            if nc.holders > 0 { nc.holders-- }
            if nc.holders == 0 { nc.idleSince = time.Now() }
        })
    }
}

// Len returns the number of nodes with an open connection.
func (m *ConnManager) Len() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.nodes)
}

// Close disconnects every node and stops the sweeper. Clients still holding
// a connection fail their next call.
func (m *ConnManager) Close() {
    m.stopOnce.Do(func() { close(m.stop) })
    m.mu.Lock()
    defer m.mu.Unlock()
    m.shut = true
    for node, nc := range m.nodes {
        _ = nc.cc.Close()
        obsmetrics.GRPCConnActive.Dec()
        delete(m.nodes, node)
    }
}

func (m *ConnManager) sweepLoop() {
    t := time.NewTicker(m.ttl / 2)
    defer t.Stop()
    for {
        select {
        case <-m.stop:
            return
        case now := <-t.C:
            m.sweep(now.Add(-m.ttl))
        }
    }
}

// sweep disconnects nodes nobody has held since before cutoff.
func (m *ConnManager) sweep(cutoff time.Time) {
    m.mu.Lock()
    defer m.mu.Unlock()
    for node, nc := range m.nodes {
        if nc.holders > 0 || !nc.idleSince.Before(cutoff) { continue }
        _ = nc.cc.Close()
        obsmetrics.GRPCConnEvictions.Inc()
        obsmetrics.GRPCConnActive.Dec()
        delete(m.nodes, node)
    }
}
