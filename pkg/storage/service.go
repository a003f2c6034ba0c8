package storage

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"
    "sync/atomic"

    "github.com/amirimatin/go-rpcpool/pkg/chain"
    "github.com/amirimatin/go-rpcpool/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-rpcpool/pkg/observability/metrics"
    "github.com/amirimatin/go-rpcpool/pkg/observability/tracing"
    "github.com/amirimatin/go-rpcpool/pkg/rpc"
)

const (
    DefaultReaderWorkers = 4
    DefaultCacheSize     = 1024
)

// Config selects the database file and the size of the reader pool.
type Config struct {
    Path string
    // ReaderWorkers is the number of goroutines serving reads (default 4).
    ReaderWorkers int
    // CacheSize bounds the in-memory header cache (default 1024 entries).
    CacheSize int
    Logger    *log.Logger
}

func (c Config) Validate() error {
    if c.Path == "" { return errors.New("storage: empty Path") }
    if c.ReaderWorkers < 0 { return errors.New("storage: negative ReaderWorkers") }
    if c.CacheSize < 0 { return errors.New("storage: negative CacheSize") }
    return nil
}

type job struct {
    ctx   context.Context
    req   Request
    reply chan result
}

type result struct {
    resp Response
    err  error
}

// service owns the engine, the reader pool and the writer. Handles hold
// references; when the last handle of a kind closes its goroutines stop, and
// the database closes once both kinds are gone.
type service struct {
    eng    *engine
    logger *log.Logger

    reads  chan job
    writes chan job

    mu           sync.RWMutex
    readRefs     int
    writeRefs    int
    readsClosed  bool
    writesClosed bool

    readers sync.WaitGroup
    writer  sync.WaitGroup
    dbClose sync.Once
    dbErr   error
}

// Init opens the database at cfg.Path and starts the reader pool and the
// writer goroutine. Closing every returned handle (and their clones) shuts
// the service down.
func Init(cfg Config) (*ReadHandle, *WriteHandle, error) {
    if err := cfg.Validate(); err != nil { return nil, nil, err }
    if cfg.ReaderWorkers == 0 { cfg.ReaderWorkers = DefaultReaderWorkers }
    if cfg.CacheSize == 0 { cfg.CacheSize = DefaultCacheSize }
    if cfg.Logger == nil { cfg.Logger = log.Default() }

    eng, err := openEngine(cfg.Path, cfg.CacheSize)
    if err != nil { return nil, nil, err }
    s := &service{
        eng:       eng,
        logger:    cfg.Logger,
        reads:     make(chan job),
        writes:    make(chan job),
        readRefs:  1,
        writeRefs: 1,
    }
    for i := 0; i < cfg.ReaderWorkers; i++ {
        s.readers.Add(1)
        go s.serve(s.reads, &s.readers, eng.read)
    }
    s.writer.Add(1)
    go s.serve(s.writes, &s.writer, s.applyWrite)

    if resp, err := eng.read(ChainHeightReq{}); err == nil {
        h := resp.(ChainHeightResp).Height
        obsmetrics.StorageHeight.Set(float64(h))
        logutil.Infof(cfg.Logger, "storage: opened %s at height %d (%d readers)", cfg.Path, h, cfg.ReaderWorkers)
    }
    return &ReadHandle{svc: s}, &WriteHandle{svc: s}, nil
}

func (s *service) serve(jobs <-chan job, wg *sync.WaitGroup, exec func(Request) (Response, error)) {
    defer wg.Done()
    for j := range jobs {
        if err := j.ctx.Err(); err != nil {
            j.reply <- result{err: err}
            continue
        }
        resp, err := exec(j.req)
        res := "ok"
        if err != nil { res = "error" }
        obsmetrics.StorageRequests.WithLabelValues(j.req.Kind(), res).Inc()
        j.reply <- result{resp: resp, err: err}
    }
}

func (s *service) applyWrite(req Request) (Response, error) {
    resp, err := s.eng.write(req)
    if err == nil {
        obsmetrics.StorageHeight.Set(float64(resp.(WrittenResp).Height + 1))
    }
    return resp, err
}

func (s *service) submit(ctx context.Context, ch chan job, closed *bool, req Request) (Response, error) {
    ctx, end := tracing.StartSpan(ctx, "storage."+req.Kind())
    defer end()
    reply := make(chan result, 1)
    s.mu.RLock()
    if *closed {
        s.mu.RUnlock()
        return nil, ErrClosed
    }
    select {
    case ch <- job{ctx: ctx, req: req, reply: reply}:
    case <-ctx.Done():
        s.mu.RUnlock()
        return nil, ctx.Err()
    }
    s.mu.RUnlock()
    select {
    case r := <-reply:
        return r.resp, r.err
    case <-ctx.Done():
        return nil, ctx.Err()
    }
}

func (s *service) release(write bool) error {
    s.mu.Lock()
    var last bool
    if write {
        s.writeRefs--
        if last = s.writeRefs == 0; last {
            s.writesClosed = true
            close(s.writes)
        }
    } else {
        s.readRefs--
        if last = s.readRefs == 0; last {
            s.readsClosed = true
            close(s.reads)
        }
    }
    both := s.readsClosed && s.writesClosed
    s.mu.Unlock()
    if !last || !both { return nil }
    s.readers.Wait()
    s.writer.Wait()
    s.dbClose.Do(func() {
        s.dbErr = s.eng.close()
        logutil.Infof(s.logger, "storage: closed")
    })
    return s.dbErr
}

func (s *service) clone(write bool) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if write {
        if s.writesClosed { return ErrClosed }
        s.writeRefs++
        return nil
    }
    if s.readsClosed { return ErrClosed }
    s.readRefs++
    return nil
}

// ReadHandle submits read requests to the reader pool. It is safe for
// concurrent use and implements rpc.ChainReader.
type ReadHandle struct {
    svc    *service
    closed atomic.Bool
}

// Call executes a read request. Write requests fail with ErrWrongHandle.
func (h *ReadHandle) Call(ctx context.Context, req Request) (Response, error) {
    if req == nil || req.write() { return nil, ErrWrongHandle }
    if h.closed.Load() { return nil, ErrClosed }
    return h.svc.submit(ctx, h.svc.reads, &h.svc.readsClosed, req)
}

// Clone returns another reference to the reader pool.
func (h *ReadHandle) Clone() (*ReadHandle, error) {
    if h.closed.Load() { return nil, ErrClosed }
    if err := h.svc.clone(false); err != nil { return nil, err }
    return &ReadHandle{svc: h.svc}, nil
}

// Close drops this reference. Safe to call more than once.
func (h *ReadHandle) Close() error {
    if !h.closed.CompareAndSwap(false, true) { return nil }
    return h.svc.release(false)
}

func (h *ReadHandle) ChainHeight(ctx context.Context) (uint64, chain.Hash, error) {
    resp, err := h.Call(ctx, ChainHeightReq{})
    if err != nil { return 0, chain.Hash{}, err }
    r := resp.(ChainHeightResp)
    return r.Height, r.TopHash, nil
}

func (h *ReadHandle) BlockHeader(ctx context.Context, height uint64) (chain.ExtendedBlockHeader, chain.Hash, error) {
    resp, err := h.Call(ctx, BlockExtendedHeaderAt{Height: height})
    if err != nil { return chain.ExtendedBlockHeader{}, chain.Hash{}, toRPC(err) }
    hdr := resp.(ExtendedHeaderResp).Header
    resp, err = h.Call(ctx, BlockHashAt{Height: height})
    if err != nil { return chain.ExtendedBlockHeader{}, chain.Hash{}, toRPC(err) }
    return hdr, resp.(HashResp).Hash, nil
}

func toRPC(err error) error {
    if errors.Is(err, ErrNotFound) { return fmt.Errorf("%w: %w", rpc.ErrNotFound, err) }
    return err
}

// WriteHandle submits write requests to the single writer goroutine.
type WriteHandle struct {
    svc    *service
    closed atomic.Bool
}

// Call executes a write request. Read requests fail with ErrWrongHandle.
func (h *WriteHandle) Call(ctx context.Context, req Request) (Response, error) {
    if req == nil || !req.write() { return nil, ErrWrongHandle }
    if h.closed.Load() { return nil, ErrClosed }
    return h.svc.submit(ctx, h.svc.writes, &h.svc.writesClosed, req)
}

// WriteBlock appends one block and returns the height it was stored at.
func (h *WriteHandle) WriteBlock(ctx context.Context, hdr chain.ExtendedBlockHeader, hash chain.Hash, coins uint64) (uint64, error) {
    resp, err := h.Call(ctx, WriteBlock{Header: hdr, Hash: hash, Coins: coins})
    if err != nil { return 0, err }
    return resp.(WrittenResp).Height, nil
}

func (h *WriteHandle) Clone() (*WriteHandle, error) {
    if h.closed.Load() { return nil, ErrClosed }
    if err := h.svc.clone(true); err != nil { return nil, err }
    return &WriteHandle{svc: h.svc}, nil
}

func (h *WriteHandle) Close() error {
    if !h.closed.CompareAndSwap(false, true) { return nil }
    return h.svc.release(true)
}

var _ rpc.ChainReader = (*ReadHandle)(nil)
