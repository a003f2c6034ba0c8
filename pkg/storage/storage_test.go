package storage

import (
    "context"
    "errors"
    "io"
    "log"
    "path/filepath"
    "sync"
    "testing"
    "time"

    "github.com/amirimatin/go-rpcpool/pkg/chain"
    "github.com/amirimatin/go-rpcpool/pkg/rpc"
)

func openTest(t *testing.T) (*ReadHandle, *WriteHandle, string) {
    t.Helper()
    path := filepath.Join(t.TempDir(), "chain.db")
    r, w, err := Init(Config{Path: path, ReaderWorkers: 2, CacheSize: 8, Logger: log.New(io.Discard, "", 0)})
    if err != nil { t.Fatalf("init: %v", err) }
    return r, w, path
}

func header(i uint64) chain.ExtendedBlockHeader {
    return chain.ExtendedBlockHeader{
        Version:              chain.V1,
        Vote:                 chain.V1,
        Timestamp:            1397818193 + 120*i,
        CumulativeDifficulty: chain.DifficultyFromUint64(i + 1),
        BlockWeight:          100 + i,
        LongTermWeight:       100 + i,
    }
}

func fill(t *testing.T, w *WriteHandle, n int) {
    t.Helper()
    for i := 0; i < n; i++ {
        at, err := w.WriteBlock(context.Background(), header(uint64(i)), chain.Hash{byte(i)}, 10)
        if err != nil { t.Fatalf("write %d: %v", i, err) }
        if at != uint64(i) { t.Fatalf("block %d stored at %d", i, at) }
    }
}

func TestService_Requests(t *testing.T) {
    r, w, _ := openTest(t)
    defer r.Close()
    defer w.Close()
    ctx := context.Background()

    resp, err := r.Call(ctx, ChainHeightReq{})
    if err != nil { t.Fatal(err) }
    if got := resp.(ChainHeightResp); got.Height != 0 || got.TopHash != (chain.Hash{}) {
        t.Fatalf("empty chain height = %+v", got)
    }

    fill(t, w, 5)

    resp, err = r.Call(ctx, ChainHeightReq{})
    if err != nil { t.Fatal(err) }
    if got := resp.(ChainHeightResp); got.Height != 5 || got.TopHash != (chain.Hash{4}) {
        t.Fatalf("height = %+v", got)
    }

    resp, err = r.Call(ctx, BlockExtendedHeaderAt{Height: 3})
    if err != nil { t.Fatal(err) }
    if got := resp.(ExtendedHeaderResp).Header; got != header(3) { t.Fatalf("header = %+v", got) }

    resp, err = r.Call(ctx, BlockHashAt{Height: 2})
    if err != nil || resp.(HashResp).Hash != (chain.Hash{2}) { t.Fatalf("hash = %v, %v", resp, err) }

    resp, err = r.Call(ctx, BlockExtendedHeaderRange{Start: 1, End: 4})
    if err != nil { t.Fatal(err) }
    hs := resp.(HeaderRangeResp).Headers
    if len(hs) != 3 || hs[0] != header(1) || hs[2] != header(3) { t.Fatalf("range = %+v", hs) }

    resp, err = r.Call(ctx, BlockExtendedHeaderRange{Start: 2, End: 2})
    if err != nil || len(resp.(HeaderRangeResp).Headers) != 0 { t.Fatalf("empty range = %v, %v", resp, err) }

    resp, err = r.Call(ctx, GeneratedCoinsToHeight{Height: 4})
    if err != nil || resp.(GeneratedCoinsResp).Coins != 50 { t.Fatalf("coins = %v, %v", resp, err) }
}

func TestService_Errors(t *testing.T) {
    r, w, _ := openTest(t)
    defer r.Close()
    defer w.Close()
    fill(t, w, 2)
    ctx := context.Background()

    cases := []struct {
        name string
        call func() error
        want error
    }{
        {"header beyond top", func() error { _, err := r.Call(ctx, BlockExtendedHeaderAt{Height: 2}); return err }, ErrNotFound},
        {"hash beyond top", func() error { _, err := r.Call(ctx, BlockHashAt{Height: 9}); return err }, ErrNotFound},
        {"inverted range", func() error { _, err := r.Call(ctx, BlockExtendedHeaderRange{Start: 2, End: 1}); return err }, ErrBadRange},
        {"range beyond top", func() error { _, err := r.Call(ctx, BlockExtendedHeaderRange{Start: 0, End: 3}); return err }, ErrNotFound},
        {"write on read handle", func() error { _, err := r.Call(ctx, WriteBlock{}); return err }, ErrWrongHandle},
        {"read on write handle", func() error { _, err := w.Call(ctx, ChainHeightReq{}); return err }, ErrWrongHandle},
    }
    for _, tc := range cases {
        if err := tc.call(); !errors.Is(err, tc.want) {
            t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
        }
    }
}

func TestReadHandle_ChainReader(t *testing.T) {
    r, w, _ := openTest(t)
    defer r.Close()
    defer w.Close()
    fill(t, w, 3)

    var cr rpc.ChainReader = r
    h, top, err := cr.ChainHeight(context.Background())
    if err != nil || h != 3 || top != (chain.Hash{2}) { t.Fatalf("ChainHeight = %d %v %v", h, top, err) }
    hdr, hash, err := cr.BlockHeader(context.Background(), 1)
    if err != nil || hdr != header(1) || hash != (chain.Hash{1}) { t.Fatalf("BlockHeader = %+v %v %v", hdr, hash, err) }
    _, _, err = cr.BlockHeader(context.Background(), 3)
    if !errors.Is(err, rpc.ErrNotFound) || !errors.Is(err, ErrNotFound) {
        t.Fatalf("err = %v, want both not-found sentinels", err)
    }
}

func TestHandles_CloneAndTeardown(t *testing.T) {
    r, w, path := openTest(t)
    fill(t, w, 1)

    r2, err := r.Clone()
    if err != nil { t.Fatal(err) }
    if err := r.Close(); err != nil { t.Fatal(err) }
    if err := r.Close(); err != nil { t.Fatalf("second close: %v", err) }
    if _, err := r.Call(context.Background(), ChainHeightReq{}); !errors.Is(err, ErrClosed) {
        t.Fatalf("closed handle err = %v", err)
    }
    // the clone keeps the readers alive
    if _, err := r2.Call(context.Background(), ChainHeightReq{}); err != nil {
        t.Fatalf("clone after original closed: %v", err)
    }
    if err := r2.Close(); err != nil { t.Fatal(err) }
    if _, err := r2.Clone(); !errors.Is(err, ErrClosed) { t.Fatalf("clone of closed handle err = %v", err) }

    // writer still works while readers are gone
    if _, err := w.WriteBlock(context.Background(), header(1), chain.Hash{1}, 1); err != nil {
        t.Fatalf("write after readers closed: %v", err)
    }
    if err := w.Close(); err != nil { t.Fatal(err) }

    // the file is released: it can be opened again
    r3, w3, err := Init(Config{Path: path, Logger: log.New(io.Discard, "", 0)})
    if err != nil { t.Fatalf("reopen: %v", err) }
    defer r3.Close()
    defer w3.Close()
    h, _, err := r3.ChainHeight(context.Background())
    if err != nil || h != 2 { t.Fatalf("persisted height = %d, %v", h, err) }
}

func TestService_ConcurrentReads(t *testing.T) {
    r, w, _ := openTest(t)
    defer r.Close()
    defer w.Close()
    fill(t, w, 16)

    var wg sync.WaitGroup
    errs := make(chan error, 64)
    for i := 0; i < 64; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            resp, err := r.Call(context.Background(), BlockExtendedHeaderAt{Height: uint64(i % 16)})
            if err != nil { errs <- err; return }
            if resp.(ExtendedHeaderResp).Header != header(uint64(i%16)) { errs <- errors.New("wrong header") }
        }(i)
    }
    wg.Wait()
    close(errs)
    for err := range errs { t.Fatal(err) }
}

func TestCall_ContextCancelled(t *testing.T) {
    r, w, _ := openTest(t)
    defer r.Close()
    defer w.Close()
    ctx, cancel := context.WithCancel(context.Background())
    cancel()
    done := make(chan error, 1)
    go func() { _, err := r.Call(ctx, ChainHeightReq{}); done <- err }()
    select {
    case err := <-done:
        if !errors.Is(err, context.Canceled) { t.Fatalf("err = %v", err) }
    case <-time.After(time.Second):
        t.Fatalf("cancelled call blocked")
    }
}

func TestConfig_Validate(t *testing.T) {
    if err := (Config{}).Validate(); err == nil { t.Fatalf("expected error for empty path") }
    if err := (Config{Path: "x", ReaderWorkers: -1}).Validate(); err == nil { t.Fatalf("expected error for negative workers") }
}

// Readers keep seeing a consistent prefix of the chain while the writer
// appends; run with -race to check the engine's page access.
func TestService_ReadsDuringWrites(t *testing.T) {
    r, w, _ := openTest(t)
    defer r.Close()
    defer w.Close()
    fill(t, w, 4)

    ctx := context.Background()
    stopReads := make(chan struct{})
    errs := make(chan error, 4)
    var wg sync.WaitGroup
    for i := 0; i < 4; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            for {
                select {
                case <-stopReads:
                    return
                default:
                }
                h, _, err := r.ChainHeight(ctx)
                if err != nil { errs <- err; return }
                hdr, _, err := r.BlockHeader(ctx, h-1)
                if err != nil { errs <- err; return }
                if hdr != header(h-1) { errs <- errors.New("top header does not match height"); return }
            }
        }()
    }
    for i := 4; i < 64; i++ {
        if _, err := w.WriteBlock(ctx, header(uint64(i)), chain.Hash{byte(i)}, 10); err != nil {
            t.Fatalf("write %d: %v", i, err)
        }
    }
    close(stopReads)
    wg.Wait()
    close(errs)
    for err := range errs { t.Fatal(err) }
}
