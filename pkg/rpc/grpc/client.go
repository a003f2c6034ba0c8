package grpc

import (
    "context"
    "errors"
    "fmt"
    "net"
    "strings"
    "sync/atomic"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-rpcpool/pkg/chain"
    "github.com/amirimatin/go-rpcpool/pkg/observability/tracing"
    "github.com/amirimatin/go-rpcpool/pkg/rpc"
)

// Dialer builds Clients whose connections are shared through a ConnManager.
type Dialer struct {
    timeout time.Duration
    cm      *ConnManager
}

// NewDialer returns a Dialer applying timeout to every call (3s when <= 0).
// Close releases the cached connections.
func NewDialer(timeout time.Duration) *Dialer {
    if timeout <= 0 { timeout = 3 * time.Second }
    d := &Dialer{timeout: timeout}
    d.cm = NewConnManager(DefaultConnTTL, d.newConn)
    return d
}

func (d *Dialer) newConn(_ context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithTransportCredentials(insecure.NewCredentials()),
    }
    // NewClient connects lazily; the first call pays for the handshake.
    return grpc.NewClient("passthrough:///"+target, opts...)
}

// Dial validates addr (host:port, optionally prefixed grpc://) and returns a
// Client holding a reference on the cached connection.
func (d *Dialer) Dial(addr string) (rpc.Client, error) {
    target, err := parseTarget(addr)
    if err != nil { return nil, err }
    cc, release, err := d.cm.Acquire(context.Background(), target)
    if err != nil { return nil, fmt.Errorf("grpc: dial %s: %w", addr, err) }
    return &Client{addr: addr, timeout: d.timeout, cc: cc, release: release}, nil
}

// Close drops every cached connection.
func (d *Dialer) Close() { d.cm.Close() }

func parseTarget(addr string) (string, error) {
    target := strings.TrimPrefix(strings.TrimSpace(addr), "grpc://")
    if target == "" { return "", errors.New("grpc: empty address") }
    host, port, err := net.SplitHostPort(target)
    if err != nil { return "", fmt.Errorf("grpc: bad address %q: %w", addr, err) }
    if host == "" || port == "" { return "", fmt.Errorf("grpc: bad address %q", addr) }
    return target, nil
}

// Client calls the rpcpool.v1.Node service of one node.
type Client struct {
    addr    string
    timeout time.Duration
    cc      *grpc.ClientConn
    release func()
    closed  atomic.Bool
}

func (c *Client) Addr() string { return c.addr }

func (c *Client) ChainHeight(ctx context.Context) (uint64, error) {
    if c.closed.Load() { return 0, rpc.ErrClosed }
    ctx, end := tracing.StartSpan(ctx, "grpc.get_height", "addr", c.addr)
    defer end()
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    out := new(heightReply)
    if err := c.cc.Invoke(cctx, methodGetHeight, &empty{}, out); err != nil { return 0, mapErr(err) }
    return out.Height, nil
}

func (c *Client) BlockHeader(ctx context.Context, height uint64) (chain.ExtendedBlockHeader, error) {
    if c.closed.Load() { return chain.ExtendedBlockHeader{}, rpc.ErrClosed }
    ctx, end := tracing.StartSpan(ctx, "grpc.get_block_header", "addr", c.addr)
    defer end()
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    out := new(headerReply)
    if err := c.cc.Invoke(cctx, methodGetBlockHeader, &heightRequest{Height: height}, out); err != nil {
        return chain.ExtendedBlockHeader{}, mapErr(err)
    }
    if out.Height != height {
        return chain.ExtendedBlockHeader{}, fmt.Errorf("grpc: asked for height %d, got %d", height, out.Height)
    }
    return out.Header, nil
}

// Close releases the connection reference; the connection itself is closed by
// the Dialer's manager once idle.
func (c *Client) Close() error {
    if c.closed.CompareAndSwap(false, true) { c.release() }
    return nil
}

func mapErr(err error) error {
    if status.Code(err) == codes.NotFound {
        return fmt.Errorf("%w: %s", rpc.ErrNotFound, status.Convert(err).Message())
    }
    return err
}

var _ rpc.Client = (*Client)(nil)
var _ rpc.Dialer = (*Dialer)(nil)
