package bootstrap

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "time"

    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-rpcpool/pkg/balance"
    "github.com/amirimatin/go-rpcpool/pkg/discover"
    "github.com/amirimatin/go-rpcpool/pkg/discovery"
    dDNS "github.com/amirimatin/go-rpcpool/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-rpcpool/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-rpcpool/pkg/discovery/static"
    "github.com/amirimatin/go-rpcpool/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-rpcpool/pkg/observability/metrics"
    "github.com/amirimatin/go-rpcpool/pkg/rpc"
    rpcgrpc "github.com/amirimatin/go-rpcpool/pkg/rpc/grpc"
    "github.com/amirimatin/go-rpcpool/pkg/rpc/httpjson"
    "github.com/amirimatin/go-rpcpool/pkg/storage"
)

// Config defines the inputs to assemble a node: an optional local chain
// store served over HTTP and/or gRPC, and a discovery loop feeding a
// load-balanced pool of remote nodes.
type Config struct {
    // Local chain
    DataPath string // bolt file; empty → no local store
    Readers  int    // reader goroutines (default 4)

    // Servers exposing the local chain; empty disables.
    ListenAddr string // HTTP/JSON, e.g. ":18089"
    GRPCAddr   string // gRPC, e.g. ":18090"

    // Discovery settings
    DiscoveryKind string        // "static" (default), "dns", or "file"
    SeedsCSV      string        // seeds for every kind; the only input of static
    DNSNamesCSV   string        // used when kind=dns
    DNSPort       int           // used when kind=dns (A/AAAA)
    DiscRefresh   time.Duration // cache/refresh duration for discovery
    FilePath      string        // used when kind=file
    FileEnv       string        // used when kind=file

    // Probing and admission
    Proto        string        // "http" (default) or "grpc"
    ProbeTimeout time.Duration // default discover.DefaultProbeTimeout
    Interval     time.Duration // default discover.DefaultInterval
    CapLimit     int           // default discover.DefaultCapLimit; negative disables
    CapAction    string        // "log" (default) or "stop"
    FeedBuffer   int           // default discover.DefaultFeedCapacity

    // ReportEvery logs pool heights periodically when > 0.
    ReportEvery time.Duration

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger
}

// Validate checks the combination of settings.
func (c Config) Validate() error {
    switch c.DiscoveryKind {
    case "", "static", "dns", "file":
    default:
        return fmt.Errorf("bootstrap: unknown discovery kind %q", c.DiscoveryKind)
    }
    switch c.Proto {
    case "", "http", "grpc":
    default:
        return fmt.Errorf("bootstrap: unknown proto %q", c.Proto)
    }
    if (c.ListenAddr != "" || c.GRPCAddr != "") && c.DataPath == "" {
        return errors.New("bootstrap: serving requires a data path")
    }
    if c.DiscoveryKind == "dns" && c.DNSNamesCSV == "" {
        return errors.New("bootstrap: dns discovery requires names")
    }
    if c.DiscoveryKind == "file" && c.FilePath == "" && c.FileEnv == "" {
        return errors.New("bootstrap: file discovery requires a path or env var")
    }
    if _, err := discover.ParseCapAction(c.CapAction); err != nil { return err }
    return nil
}

// Node is an assembled, not yet running, rpcpool node.
type Node struct {
    cfg    Config
    logger *log.Logger

    reader *storage.ReadHandle
    writer *storage.WriteHandle
    http   *httpjson.Server
    grpc   *rpcgrpc.Server
    dialer rpc.Dialer

    loop *discover.Loop
    sub  *discover.Subscription
    pool *balance.Pool
}

// Build assembles a Node from Config without starting it.
func Build(cfg Config) (*Node, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    obsmetrics.Register()
    n := &Node{cfg: cfg, logger: cfg.Logger}

    if cfg.DataPath != "" {
        r, w, err := storage.Init(storage.Config{Path: cfg.DataPath, ReaderWorkers: cfg.Readers, Logger: cfg.Logger})
        if err != nil { return nil, err }
        n.reader, n.writer = r, w
    }
    if cfg.ListenAddr != "" { n.http = httpjson.NewServer(cfg.ListenAddr, cfg.Logger) }
    if cfg.GRPCAddr != "" { n.grpc = rpcgrpc.NewServer(cfg.GRPCAddr, cfg.Logger) }

    switch cfg.Proto {
    case "grpc":
        n.dialer = rpcgrpc.NewDialer(cfg.ProbeTimeout)
    default:
        n.dialer = httpjson.NewDialer(cfg.ProbeTimeout)
    }

    action, _ := discover.ParseCapAction(cfg.CapAction)
    capPolicy := discover.CapPolicy{Limit: cfg.CapLimit, Action: action}
    if cfg.CapLimit == 0 { capPolicy.Limit = discover.DefaultCapLimit }

    pub, sub := discover.NewFeed(cfg.FeedBuffer)
    loop, err := discover.New(discover.Config{
        Seeds:    seeds(cfg),
        Source:   source(cfg),
        Prober:   discover.NewProber(n.dialer, cfg.ProbeTimeout, cfg.Logger),
        Interval: cfg.Interval,
        Cap:      capPolicy,
        Logger:   cfg.Logger,
    }, pub)
    if err != nil {
        _ = n.Close()
        return nil, err
    }
    n.loop, n.sub = loop, sub
    n.pool = balance.New(cfg.Logger)
    return n, nil
}

// seeds returns the addresses placed in the backlog before the first round.
// Static discovery delivers its seeds through its one-shot source instead.
func seeds(cfg Config) []string {
    if isStatic(cfg.DiscoveryKind) { return nil }
    return dStatic.Parse(cfg.SeedsCSV)
}

func isStatic(kind string) bool { return kind == "" || kind == "static" }

// source returns the refill source for the discovery kind.
func source(cfg Config) discovery.Source {
    switch cfg.DiscoveryKind {
    case "dns":
        opts := dDNS.Options{Names: dStatic.Parse(cfg.DNSNamesCSV), Port: cfg.DNSPort}
        if cfg.DiscRefresh > 0 { opts.Refresh = cfg.DiscRefresh }
        return dDNS.New(opts)
    case "file":
        opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
        if cfg.DiscRefresh > 0 { opts.Refresh = cfg.DiscRefresh }
        return dFile.New(opts)
    default:
        return dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)
    }
}

// Pool returns the load-balanced pool fed by discovery.
func (n *Node) Pool() *balance.Pool { return n.pool }

// Writer returns the local store's write handle, or nil without a store.
func (n *Node) Writer() *storage.WriteHandle { return n.writer }

// Reader returns the local store's read handle, or nil without a store.
func (n *Node) Reader() *storage.ReadHandle { return n.reader }

// HTTPAddr returns the HTTP server's listening address, or "" when disabled.
func (n *Node) HTTPAddr() string {
    if n.http == nil { return "" }
    return n.http.Addr()
}

// GRPCAddr returns the gRPC server's listening address, or "" when disabled.
func (n *Node) GRPCAddr() string {
    if n.grpc == nil { return "" }
    return n.grpc.Addr()
}

type status struct {
    Discovery   discover.Status `json:"discovery"`
    Pool        []string        `json:"pool"`
    LocalHeight *uint64         `json:"localHeight,omitempty"`
}

// Status returns the node state as JSON.
func (n *Node) Status(ctx context.Context) ([]byte, error) {
    st := status{Discovery: n.loop.Status(), Pool: n.pool.Addrs()}
    if n.reader != nil {
        h, _, err := n.reader.ChainHeight(ctx)
        if err != nil { return nil, err }
        st.LocalHeight = &h
    }
    return json.Marshal(st)
}

// Run starts the servers, the discovery loop and the pool, and blocks until
// ctx is cancelled or a component fails. Resources are released on return.
func (n *Node) Run(ctx context.Context) error {
    defer n.Close()
    g, gctx := errgroup.WithContext(ctx)
    if n.http != nil {
        if err := n.http.Start(gctx, n.reader, n.Status); err != nil { return fmt.Errorf("bootstrap: http: %w", err) }
    }
    if n.grpc != nil {
        if err := n.grpc.Start(gctx, n.reader); err != nil { return fmt.Errorf("bootstrap: grpc: %w", err) }
    }
    g.Go(func() error {
        n.loop.Run(gctx)
        return nil
    })
    g.Go(func() error {
        err := n.pool.Run(gctx, n.sub)
        if gctx.Err() != nil { return nil }
        return err
    })
    if n.cfg.ReportEvery > 0 {
        g.Go(func() error { n.report(gctx); return nil })
    }
    logutil.Infof(n.logger, "node running (discovery=%s proto=%s)", orDefault(n.cfg.DiscoveryKind, "static"), orDefault(n.cfg.Proto, "http"))
    return g.Wait()
}

func (n *Node) report(ctx context.Context) {
    t := time.NewTicker(n.cfg.ReportEvery)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            hs, err := n.pool.Heights(ctx)
            if err != nil {
                logutil.Infof(n.logger, "pool report: %v", err)
                continue
            }
            logutil.Infof(n.logger, "pool report: %d endpoints, heights %v", len(hs), hs)
        }
    }
}

// Close releases the pool endpoints, cached connections and the local store.
// Safe to call after Run returned.
func (n *Node) Close() error {
    var errs []error
    if n.sub != nil { n.sub.Close() }
    if n.pool != nil {
        if err := n.pool.Close(); err != nil { errs = append(errs, err) }
    }
    if d, ok := n.dialer.(*rpcgrpc.Dialer); ok { d.Close() }
    if n.http != nil { _ = n.http.Stop(context.Background()) }
    if n.grpc != nil {
        ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        _ = n.grpc.Stop(ctx)
        cancel()
    }
    if n.reader != nil {
        if err := n.reader.Close(); err != nil { errs = append(errs, err) }
    }
    if n.writer != nil {
        if err := n.writer.Close(); err != nil { errs = append(errs, err) }
    }
    return errors.Join(errs...)
}

func orDefault(s, d string) string {
    if s == "" { return d }
    return s
}
