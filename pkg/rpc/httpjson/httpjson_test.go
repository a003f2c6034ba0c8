package httpjson

import (
    "context"
    "errors"
    "fmt"
    "io"
    "log"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/amirimatin/go-rpcpool/pkg/chain"
    "github.com/amirimatin/go-rpcpool/pkg/rpc"
)

type memChain struct {
    headers []chain.ExtendedBlockHeader
}

func (m *memChain) ChainHeight(context.Context) (uint64, chain.Hash, error) {
    var top chain.Hash
    top[0] = byte(len(m.headers))
    return uint64(len(m.headers)), top, nil
}

func (m *memChain) BlockHeader(_ context.Context, h uint64) (chain.ExtendedBlockHeader, chain.Hash, error) {
    if h >= uint64(len(m.headers)) {
        return chain.ExtendedBlockHeader{}, chain.Hash{}, fmt.Errorf("%w: height %d", rpc.ErrNotFound, h)
    }
    var hash chain.Hash
    hash[31] = byte(h)
    return m.headers[h], hash, nil
}

func testChain() *memChain {
    return &memChain{headers: []chain.ExtendedBlockHeader{
        {Version: chain.V1, Vote: chain.V1, Timestamp: 1397818193, CumulativeDifficulty: chain.DifficultyFromUint64(1), BlockWeight: 80},
        {Version: chain.V1, Vote: chain.V2, Timestamp: 1397818225, CumulativeDifficulty: chain.Difficulty{Hi: 1, Lo: 5}, BlockWeight: 120, LongTermWeight: 120},
    }}
}

func TestDial_Addresses(t *testing.T) {
    d := NewDialer(time.Second)
    cases := []struct {
        addr string
        ok   bool
    }{
        {"node.example:18081", true},
        {"http://node.example:18081", true},
        {"https://node.example/rpc/", true},
        {"", false},
        {"ftp://node.example", false},
        {"http://", false},
        {"http://[::1", false},
    }
    for _, tc := range cases {
        c, err := d.Dial(tc.addr)
        if (err == nil) != tc.ok {
            t.Fatalf("Dial(%q) err = %v, want ok=%v", tc.addr, err, tc.ok)
        }
        if err == nil && c.Addr() != tc.addr {
            t.Fatalf("Addr() = %q, want %q", c.Addr(), tc.addr)
        }
    }
}

func TestClientServer_RoundTrip(t *testing.T) {
    ts := httptest.NewServer(NewHandler(testChain(), func(context.Context) ([]byte, error) { return []byte(`{"ok":true}`), nil }))
    defer ts.Close()

    c, err := NewDialer(time.Second).Dial(ts.URL)
    if err != nil { t.Fatalf("dial: %v", err) }
    defer c.Close()

    h, err := c.ChainHeight(context.Background())
    if err != nil || h != 2 { t.Fatalf("ChainHeight = %d, %v", h, err) }

    hdr, err := c.BlockHeader(context.Background(), 1)
    if err != nil { t.Fatalf("BlockHeader: %v", err) }
    want := testChain().headers[1]
    if hdr != want { t.Fatalf("header = %+v, want %+v", hdr, want) }

    _, err = c.BlockHeader(context.Background(), 7)
    if !errors.Is(err, rpc.ErrNotFound) { t.Fatalf("err = %v, want ErrNotFound", err) }
}

func TestClient_Closed(t *testing.T) {
    c, _ := NewDialer(time.Second).Dial("127.0.0.1:1")
    _ = c.Close()
    if _, err := c.ChainHeight(context.Background()); !errors.Is(err, rpc.ErrClosed) {
        t.Fatalf("err = %v, want ErrClosed", err)
    }
}

func TestClient_BadStatus(t *testing.T) {
    ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        _, _ = w.Write([]byte(`{"height":10,"status":"BUSY"}`))
    }))
    defer ts.Close()
    c, _ := NewDialer(time.Second).Dial(ts.URL)
    if _, err := c.ChainHeight(context.Background()); err == nil {
        t.Fatalf("expected error for non-OK status")
    }
}

func TestClient_HonoursContext(t *testing.T) {
    release := make(chan struct{})
    ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        select {
        case <-release:
        case <-r.Context().Done():
        }
    }))
    defer ts.Close()
    defer close(release)

    c, _ := NewDialer(5 * time.Second).Dial(ts.URL)
    ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
    defer cancel()
    start := time.Now()
    if _, err := c.ChainHeight(ctx); err == nil {
        t.Fatalf("expected timeout error")
    }
    if time.Since(start) > time.Second {
        t.Fatalf("client ignored context deadline")
    }
}

func TestHandler_JSONRPCErrors(t *testing.T) {
    ts := httptest.NewServer(NewHandler(testChain(), nil))
    defer ts.Close()

    cases := []struct {
        body string
        want string
    }{
        {`{"jsonrpc":"2.0","id":"0","method":"nope"}`, `"code":-32601`},
        {`not json`, `"code":-32700`},
        {`{"jsonrpc":"2.0","id":"0","method":"get_block_header_by_height","params":{"height":99}}`, `"code":-2`},
    }
    for _, tc := range cases {
        resp, err := http.Post(ts.URL+"/json_rpc", "application/json", strings.NewReader(tc.body))
        if err != nil { t.Fatalf("post: %v", err) }
        b, _ := io.ReadAll(resp.Body)
        resp.Body.Close()
        if !strings.Contains(string(b), tc.want) {
            t.Fatalf("body %q: response %s does not contain %s", tc.body, b, tc.want)
        }
    }

    resp, err := http.Get(ts.URL + "/status")
    if err != nil { t.Fatal(err) }
    resp.Body.Close()
    if resp.StatusCode != http.StatusNotImplemented { t.Fatalf("/status without func = %d", resp.StatusCode) }
}

func TestServer_StartStop(t *testing.T) {
    s := NewServer("127.0.0.1:0", log.New(io.Discard, "", 0))
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    if err := s.Start(ctx, testChain(), nil); err != nil { t.Fatalf("start: %v", err) }

    resp, err := http.Get("http://" + s.Addr() + "/healthz")
    if err != nil { t.Fatalf("healthz: %v", err) }
    resp.Body.Close()
    if resp.StatusCode != http.StatusOK { t.Fatalf("healthz = %d", resp.StatusCode) }

    if err := s.Stop(context.Background()); err != nil { t.Fatalf("stop: %v", err) }
    if err := s.Stop(context.Background()); err != nil { t.Fatalf("second stop: %v", err) }
}
