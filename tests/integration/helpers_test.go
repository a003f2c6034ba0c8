//go:build integration

package integration

import (
    "context"
    "errors"
    "io"
    "log"
    "path/filepath"
    "testing"
    "time"

    "github.com/amirimatin/go-rpcpool/pkg/bootstrap"
    "github.com/amirimatin/go-rpcpool/pkg/chain"
)

var errNotYet = errors.New("not yet")

var quiet = log.New(io.Discard, "", 0)

func waitUntil(t *testing.T, d time.Duration, fn func() error) {
    t.Helper()
    deadline := time.Now().Add(d)
    var last error
    for time.Now().Before(deadline) {
        if last = fn(); last == nil { return }
        time.Sleep(50 * time.Millisecond)
    }
    t.Fatalf("condition not met within %s: %v", d, last)
}

type runningNode struct {
    *bootstrap.Node
    stop func()
}

// mustServe starts a node serving a chain of the given height over HTTP.
func mustServe(t *testing.T, height int) runningNode {
    t.Helper()
    n, err := bootstrap.Build(bootstrap.Config{
        DataPath:   filepath.Join(t.TempDir(), "chain.db"),
        ListenAddr: "127.0.0.1:0",
        Logger:     quiet,
    })
    if err != nil { t.Fatalf("build: %v", err) }
    for i := 0; i < height; i++ {
        hdr := chain.ExtendedBlockHeader{Version: chain.V1, Vote: chain.V1, Timestamp: uint64(1000 + i)}
        if _, err := n.Writer().WriteBlock(context.Background(), hdr, chain.Hash{byte(i)}, 1); err != nil {
            t.Fatalf("write: %v", err)
        }
    }
    ctx, cancel := context.WithCancel(context.Background())
    done := make(chan struct{})
    go func() { _ = n.Run(ctx); close(done) }()
    waitUntil(t, 5*time.Second, func() error {
        if n.HTTPAddr() == "127.0.0.1:0" { return errNotYet }
        return nil
    })
    rn := runningNode{Node: n}
    var stopped bool
    rn.stop = func() {
        if stopped { return }
        stopped = true
        cancel()
        <-done
    }
    t.Cleanup(rn.stop)
    return rn
}
