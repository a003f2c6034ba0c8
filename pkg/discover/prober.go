package discover

import (
    "context"
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-rpcpool/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-rpcpool/pkg/observability/metrics"
    "github.com/amirimatin/go-rpcpool/pkg/observability/tracing"
    "github.com/amirimatin/go-rpcpool/pkg/rpc"
)

// DefaultProbeTimeout bounds a single liveness check.
const DefaultProbeTimeout = 2 * time.Second

// Prober turns a candidate address into a validated endpoint. It never
// returns an error: a candidate that cannot be validated yields ok=false.
type Prober interface {
    Probe(ctx context.Context, addr string) (ep rpc.Client, ok bool)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, addr string) (rpc.Client, bool)

func (f ProberFunc) Probe(ctx context.Context, addr string) (rpc.Client, bool) { return f(ctx, addr) }

// HeightProber validates a candidate by dialing it and asking for the current
// chain height within a fixed timeout. It performs no retries.
type HeightProber struct {
    dialer  rpc.Dialer
    timeout time.Duration
    logger  *log.Logger
}

// NewProber returns a HeightProber. timeout <= 0 selects DefaultProbeTimeout.
func NewProber(dialer rpc.Dialer, timeout time.Duration, logger *log.Logger) *HeightProber {
    if timeout <= 0 { timeout = DefaultProbeTimeout }
    if logger == nil { logger = log.Default() }
    return &HeightProber{dialer: dialer, timeout: timeout, logger: logger}
}

type heightResult struct {
    height uint64
    err    error
}

func (p *HeightProber) Probe(ctx context.Context, addr string) (rpc.Client, bool) {
    ctx, end := tracing.StartSpan(ctx, "discover.probe", "addr", addr)
    defer end()
    logutil.Debugf(p.logger, "sending request to node %s", addr)

    cli, err := p.dialer.Dial(addr)
    if err != nil {
        obsmetrics.DiscoverProbes.WithLabelValues("dial_error").Inc()
        logutil.Debugf(p.logger, "node %s: dial: %v", addr, err)
        return nil, false
    }

    cctx, cancel := context.WithTimeout(ctx, p.timeout)
    defer cancel()
    // The call runs aside so a client that ignores its context still cannot
    // hold the probe past the timeout.
    done := make(chan heightResult, 1)
    go func() {
        h, err := cli.ChainHeight(cctx)
        done <- heightResult{height: h, err: err}
    }()

    select {
    case r := <-done:
        if r.err == nil {
            obsmetrics.DiscoverProbes.WithLabelValues("ok").Inc()
            logutil.Debugf(p.logger, "node %s sent ok response (height %d)", addr, r.height)
            return cli, true
        }
        if cctx.Err() != nil {
            p.drop(cli, addr, "timeout", cctx.Err())
        } else {
            p.drop(cli, addr, "check_error", r.err)
        }
    case <-cctx.Done():
        p.drop(cli, addr, "timeout", cctx.Err())
    }
    return nil, false
}

func (p *HeightProber) drop(cli rpc.Client, addr, result string, err error) {
    obsmetrics.DiscoverProbes.WithLabelValues(result).Inc()
    if errors.Is(err, context.DeadlineExceeded) {
        logutil.Debugf(p.logger, "node %s: no answer within %s", addr, p.timeout)
    } else {
        logutil.Debugf(p.logger, "node %s: %v", addr, err)
    }
    _ = cli.Close()
}
