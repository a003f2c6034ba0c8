package httpjson

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strings"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-rpcpool/pkg/chain"
    "github.com/amirimatin/go-rpcpool/pkg/observability/tracing"
    "github.com/amirimatin/go-rpcpool/pkg/rpc"
)

// maxBody caps how much of a response we are willing to read.
const maxBody = 1 << 20

// Client talks to one node over its HTTP/JSON RPC interface. It performs no
// retries; callers decide what a failed node means.
type Client struct {
    addr   string
    base   *url.URL
    httpc  *http.Client
    closed atomic.Bool
}

// Dialer builds Clients sharing one HTTP transport.
type Dialer struct {
    httpc *http.Client
}

// NewDialer returns a Dialer whose clients use the given per-request timeout
// on top of the caller's context (3s when <= 0).
func NewDialer(timeout time.Duration) *Dialer {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{MaxIdleConnsPerHost: 2, IdleConnTimeout: 30 * time.Second}
    return &Dialer{httpc: &http.Client{Timeout: timeout, Transport: tr}}
}

// Dial validates addr and returns a Client bound to it. Addresses without a
// scheme are treated as http://host:port. No network I/O happens here.
func (d *Dialer) Dial(addr string) (rpc.Client, error) {
    base, err := parseBase(addr)
    if err != nil { return nil, err }
    return &Client{addr: addr, base: base, httpc: d.httpc}, nil
}

func parseBase(addr string) (*url.URL, error) {
    raw := strings.TrimSpace(addr)
    if raw == "" { return nil, errors.New("httpjson: empty address") }
    if !strings.Contains(raw, "://") { raw = "http://" + raw }
    u, err := url.Parse(raw)
    if err != nil { return nil, fmt.Errorf("httpjson: parse %q: %w", addr, err) }
    if u.Scheme != "http" && u.Scheme != "https" {
        return nil, fmt.Errorf("httpjson: unsupported scheme %q", u.Scheme)
    }
    if u.Hostname() == "" { return nil, fmt.Errorf("httpjson: no host in %q", addr) }
    u.Path = strings.TrimSuffix(u.Path, "/")
    return u, nil
}

func (c *Client) Addr() string { return c.addr }

// ChainHeight calls GET /get_height.
func (c *Client) ChainHeight(ctx context.Context) (uint64, error) {
    if c.closed.Load() { return 0, rpc.ErrClosed }
    ctx, end := tracing.StartSpan(ctx, "httpjson.get_height", "addr", c.addr)
    defer end()
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/get_height"), nil)
    if err != nil { return 0, err }
    var out heightResponse
    if err := c.do(req, &out); err != nil { return 0, err }
    if out.Status != statusOK { return 0, fmt.Errorf("httpjson: get_height status %q", out.Status) }
    return out.Height, nil
}

// BlockHeader calls get_block_header_by_height through /json_rpc.
func (c *Client) BlockHeader(ctx context.Context, height uint64) (chain.ExtendedBlockHeader, error) {
    if c.closed.Load() { return chain.ExtendedBlockHeader{}, rpc.ErrClosed }
    ctx, end := tracing.StartSpan(ctx, "httpjson.get_block_header_by_height", "addr", c.addr)
    defer end()
    params, _ := json.Marshal(heightParams{Height: height})
    body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: json.RawMessage(`"0"`), Method: methodBlockHeaderByHeight, Params: params})
    if err != nil { return chain.ExtendedBlockHeader{}, err }
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/json_rpc"), bytes.NewReader(body))
    if err != nil { return chain.ExtendedBlockHeader{}, err }
    req.Header.Set("Content-Type", "application/json")

    var resp rpcResponse
    if err := c.do(req, &resp); err != nil { return chain.ExtendedBlockHeader{}, err }
    if resp.Error != nil {
        if resp.Error.Code == codeTooBig {
            return chain.ExtendedBlockHeader{}, fmt.Errorf("%w: %s", rpc.ErrNotFound, resp.Error.Message)
        }
        return chain.ExtendedBlockHeader{}, fmt.Errorf("httpjson: rpc error %d: %s", resp.Error.Code, resp.Error.Message)
    }
    var res blockHeaderResult
    if err := json.Unmarshal(resp.Result, &res); err != nil {
        return chain.ExtendedBlockHeader{}, fmt.Errorf("httpjson: decode block header: %w", err)
    }
    if res.Status != statusOK { return chain.ExtendedBlockHeader{}, fmt.Errorf("httpjson: block header status %q", res.Status) }
    if res.BlockHeader.Height != height {
        return chain.ExtendedBlockHeader{}, fmt.Errorf("httpjson: asked for height %d, got %d", height, res.BlockHeader.Height)
    }
    return res.BlockHeader.extended(), nil
}

// Close marks the client unusable. The shared transport stays open for the
// Dialer's other clients.
func (c *Client) Close() error {
    c.closed.Store(true)
    return nil
}

func (c *Client) endpoint(path string) string {
    u := *c.base
    u.Path = c.base.Path + path
    return u.String()
}

func (c *Client) do(req *http.Request, out any) error {
    resp, err := c.httpc.Do(req)
    if err != nil { return err }
    defer resp.Body.Close()
    b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
    if err != nil { return err }
    if resp.StatusCode != http.StatusOK {
        return fmt.Errorf("httpjson: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
    }
    if err := json.Unmarshal(b, out); err != nil {
        return fmt.Errorf("httpjson: decode: %w", err)
    }
    return nil
}

var _ rpc.Client = (*Client)(nil)
var _ rpc.Dialer = (*Dialer)(nil)
