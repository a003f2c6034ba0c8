package discover

import (
    "context"
    "errors"
    "log"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-rpcpool/pkg/discovery"
    "github.com/amirimatin/go-rpcpool/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-rpcpool/pkg/observability/metrics"
    "github.com/amirimatin/go-rpcpool/pkg/rpc"
)

// DefaultInterval is the pause between discovery rounds.
const DefaultInterval = 2 * time.Second

// Config carries the inputs of a discovery Loop.
type Config struct {
    // Seeds populate the backlog before the first round.
    Seeds []string
    // Source optionally refills the backlog at the start of every round.
    Source discovery.Source
    // Prober validates candidates (required).
    Prober Prober
    // Interval between rounds; zero means DefaultInterval.
    Interval time.Duration
    // Cap bounds the admitted set; the zero value means DefaultCapPolicy.
    Cap CapPolicy
    // Logger optional; log.Default() when nil.
    Logger *log.Logger
}

// Validate checks the required fields.
func (c Config) Validate() error {
    if c.Prober == nil {
        return errors.New("discover: nil Prober")
    }
    if c.Interval < 0 {
        return errors.New("discover: negative Interval")
    }
    return nil
}

// Status is a point-in-time copy of the loop state.
type Status struct {
    // Admitted lists admitted addresses in slot order.
    Admitted []string `json:"admitted"`
    Rounds   uint64   `json:"rounds"`
    // Pending is the backlog length at the time of the snapshot.
    Pending int `json:"pending"`
}

// Loop drives rounds of probing and admission. All of its state is owned by
// the goroutine executing Run; Status reads an immutable snapshot.
type Loop struct {
    cfg      Config
    pub      *Publisher
    backlog  Backlog
    admitted map[string]struct{}
    order    []string
    rounds   uint64
    capNoted bool

    running atomic.Bool
    status  atomic.Pointer[Status]
}

type probeResult struct {
    addr string
    ep   rpc.Client
    ok   bool
}

// New builds a Loop publishing admissions through pub.
func New(cfg Config, pub *Publisher) (*Loop, error) {
    if err := cfg.Validate(); err != nil {
        return nil, err
    }
    if pub == nil {
        return nil, errors.New("discover: nil Publisher")
    }
    if cfg.Interval == 0 { cfg.Interval = DefaultInterval }
    if cfg.Cap == (CapPolicy{}) { cfg.Cap = DefaultCapPolicy() }
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    l := &Loop{cfg: cfg, pub: pub, admitted: make(map[string]struct{})}
    l.backlog.Push(cfg.Seeds...)
    l.snapshot()
    return l, nil
}

// Run executes rounds until the subscriber closes the feed or ctx ends. The
// feed's change channel is closed when Run returns. Run may be called once.
func (l *Loop) Run(ctx context.Context) {
    if !l.running.CompareAndSwap(false, true) {
        return
    }
    defer l.pub.finish()
    for {
        if !l.round(ctx) {
            return
        }
        t := time.NewTimer(l.cfg.Interval)
        select {
        case <-ctx.Done():
            t.Stop()
            logutil.Infof(l.cfg.Logger, "stopping discovery: %v", ctx.Err())
            return
        case <-l.pub.Done():
            t.Stop()
            logutil.Infof(l.cfg.Logger, "stopping discovery: feed closed")
            return
        case <-t.C:
        }
    }
}

// Status returns the latest snapshot of the loop state.
func (l *Loop) Status() Status { return *l.status.Load() }

// round runs one refill/probe/admit pass and reports whether to continue.
func (l *Loop) round(ctx context.Context) bool {
    if l.pub.Closed() {
        logutil.Infof(l.cfg.Logger, "stopping discovery: feed closed")
        return false
    }
    l.rounds++
    obsmetrics.DiscoverRounds.Inc()
    defer l.snapshot()

    l.refill(ctx)
    if l.backlog.Len() == 0 {
        l.checkCap()
        return true
    }

    batch := l.backlog.Drain()
    obsmetrics.DiscoverBacklog.Set(0)
    rctx, cancel := context.WithCancel(ctx)
    defer cancel()
    results := make(chan probeResult, len(batch))
    for _, addr := range batch {
        go func(addr string) {
            ep, ok := l.cfg.Prober.Probe(rctx, addr)
            results <- probeResult{addr: addr, ep: ep, ok: ok}
        }(addr)
    }

    // Completion order: whichever probe answers first is admitted first.
    for i := 0; i < len(batch); i++ {
        res := <-results
        if !res.ok || res.ep == nil {
            continue
        }
        if err := l.found(ctx, res.ep); err != nil {
            cancel()
            go discardRemaining(results, len(batch)-i-1)
            if errors.Is(err, ErrFeedClosed) {
                logutil.Infof(l.cfg.Logger, "stopping discovery: feed closed")
            } else {
                logutil.Infof(l.cfg.Logger, "stopping discovery: %v", err)
            }
            return false
        }
    }
    l.checkCap()
    return true
}

// found admits ep unless its address is already admitted or the cap policy
// refuses it. The address joins the admitted set only after a successful
// publish; on any error the endpoint is closed and the error returned.
func (l *Loop) found(ctx context.Context, ep rpc.Client) error {
    addr := ep.Addr()
    if _, ok := l.admitted[addr]; ok {
        obsmetrics.DiscoverDiscarded.WithLabelValues("duplicate").Inc()
        _ = ep.Close()
        return nil
    }
    if !l.cfg.Cap.accepts(len(l.admitted)) {
        obsmetrics.DiscoverDiscarded.WithLabelValues("cap").Inc()
        _ = ep.Close()
        return nil
    }

    logutil.Infof(l.cfg.Logger, "found node to connect to: %s", addr)
    if err := l.pub.Publish(ctx, Insert(len(l.admitted), ep)); err != nil {
        _ = ep.Close()
        return err
    }
    l.admitted[addr] = struct{}{}
    l.order = append(l.order, addr)
    obsmetrics.DiscoverAdmitted.Set(float64(len(l.admitted)))
    l.snapshot()
    return nil
}

func (l *Loop) refill(ctx context.Context) {
    if l.cfg.Source == nil || !l.cfg.Cap.accepts(len(l.admitted)) {
        return
    }
    addrs, err := l.cfg.Source.Candidates(ctx)
    if err != nil {
        logutil.Warnf(l.cfg.Logger, "discovery source: %v", err)
    }
    for _, a := range addrs {
        if _, ok := l.admitted[a]; ok {
            continue
        }
        l.backlog.Push(a)
    }
    obsmetrics.DiscoverBacklog.Set(float64(l.backlog.Len()))
}

func (l *Loop) checkCap() {
    n := len(l.admitted)
    if !l.cfg.Cap.reached(n) {
        return
    }
    if l.capNoted {
        logutil.Debugf(l.cfg.Logger, "still connected to %d nodes (cap %d)", n, l.cfg.Cap.Limit)
        return
    }
    l.capNoted = true
    if l.cfg.Cap.Action == CapStopAccepting {
        logutil.Infof(l.cfg.Logger, "connected to %d nodes, no longer accepting new ones (cap %d)", n, l.cfg.Cap.Limit)
        return
    }
    logutil.Infof(l.cfg.Logger, "connected to %d nodes, above the soft cap of %d", n, l.cfg.Cap.Limit)
}

func (l *Loop) snapshot() {
    l.status.Store(&Status{
        Admitted: append([]string(nil), l.order...),
        Rounds:   l.rounds,
        Pending:  l.backlog.Len(),
    })
}

// discardRemaining closes endpoints from probes still in flight when the
// loop stopped.
func discardRemaining(results <-chan probeResult, n int) {
    for i := 0; i < n; i++ {
        if res := <-results; res.ok && res.ep != nil {
            _ = res.ep.Close()
        }
    }
}
