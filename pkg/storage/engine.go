package storage

import (
    "encoding/binary"
    "encoding/json"
    "fmt"
    "time"

    arc "github.com/hashicorp/golang-lru/arc/v2"
    bolt "go.etcd.io/bbolt"

    "github.com/amirimatin/go-rpcpool/pkg/chain"
)

var (
    bucketHeaders = []byte("headers")
    bucketHashes  = []byte("hashes")
    bucketCoins   = []byte("coins")
)

// engine executes requests against the bolt file. Reads may run concurrently;
// bolt serialises writers itself but the service only ever has one.
type engine struct {
    db    *bolt.DB
    cache *arc.ARCCache[uint64, chain.ExtendedBlockHeader]
}

func openEngine(path string, cacheSize int) (*engine, error) {
    db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
    if err != nil { return nil, fmt.Errorf("storage: open %s: %w", path, err) }
    err = db.Update(func(tx *bolt.Tx) error {
        for _, b := range [][]byte{bucketHeaders, bucketHashes, bucketCoins} {
            if _, err := tx.CreateBucketIfNotExists(b); err != nil { return err }
        }
        return nil
    })
    if err != nil {
        _ = db.Close()
        return nil, fmt.Errorf("storage: init buckets: %w", err)
    }
    cache, err := arc.NewARC[uint64, chain.ExtendedBlockHeader](cacheSize)
    if err != nil {
        _ = db.Close()
        return nil, fmt.Errorf("storage: header cache: %w", err)
    }
    return &engine{db: db, cache: cache}, nil
}

func (e *engine) close() error { return e.db.Close() }

func key(h uint64) []byte {
    var k [8]byte
    binary.BigEndian.PutUint64(k[:], h)
    return k[:]
}

// height returns the number of stored blocks.
func height(tx *bolt.Tx) uint64 {
    k, _ := tx.Bucket(bucketHeaders).Cursor().Last()
    if k == nil { return 0 }
    return binary.BigEndian.Uint64(k) + 1
}

func (e *engine) read(req Request) (Response, error) {
    var resp Response
    err := e.db.View(func(tx *bolt.Tx) error {
        var err error
        switch r := req.(type) {
        case BlockExtendedHeaderAt:
            var h chain.ExtendedBlockHeader
            h, err = e.header(tx, r.Height)
            resp = ExtendedHeaderResp{Header: h}
        case BlockHashAt:
            var h chain.Hash
            h, err = hashAt(tx, r.Height)
            resp = HashResp{Hash: h}
        case BlockExtendedHeaderRange:
            if r.Start > r.End { return fmt.Errorf("%w: start %d > end %d", ErrBadRange, r.Start, r.End) }
            if r.End > height(tx) { return fmt.Errorf("%w: range end %d beyond height %d", ErrNotFound, r.End, height(tx)) }
            out := make([]chain.ExtendedBlockHeader, 0, r.End-r.Start)
            for i := r.Start; i < r.End && err == nil; i++ {
                var h chain.ExtendedBlockHeader
                h, err = e.header(tx, i)
                out = append(out, h)
            }
            resp = HeaderRangeResp{Headers: out}
        case ChainHeightReq:
            n := height(tx)
            var top chain.Hash
            if n > 0 { top, err = hashAt(tx, n-1) }
            resp = ChainHeightResp{Height: n, TopHash: top}
        case GeneratedCoinsToHeight:
            v := tx.Bucket(bucketCoins).Get(key(r.Height))
            if v == nil { return fmt.Errorf("%w: coins at height %d", ErrNotFound, r.Height) }
            resp = GeneratedCoinsResp{Coins: binary.BigEndian.Uint64(v)}
        default:
            return fmt.Errorf("%w: %s", ErrWrongHandle, req.Kind())
        }
        return err
    })
    return resp, err
}

func (e *engine) header(tx *bolt.Tx, h uint64) (chain.ExtendedBlockHeader, error) {
    if hdr, ok := e.cache.Get(h); ok { return hdr, nil }
    v := tx.Bucket(bucketHeaders).Get(key(h))
    if v == nil { return chain.ExtendedBlockHeader{}, fmt.Errorf("%w: header at height %d", ErrNotFound, h) }
    var hdr chain.ExtendedBlockHeader
    if err := json.Unmarshal(v, &hdr); err != nil { return hdr, fmt.Errorf("storage: decode header %d: %w", h, err) }
    e.cache.Add(h, hdr)
    return hdr, nil
}

func hashAt(tx *bolt.Tx, h uint64) (chain.Hash, error) {
    var out chain.Hash
    v := tx.Bucket(bucketHashes).Get(key(h))
    if v == nil { return out, fmt.Errorf("%w: hash at height %d", ErrNotFound, h) }
    copy(out[:], v)
    return out, nil
}

func (e *engine) write(req Request) (Response, error) {
    wb, ok := req.(WriteBlock)
    if !ok { return nil, fmt.Errorf("%w: %s", ErrWrongHandle, req.Kind()) }
    hdrBytes, err := json.Marshal(wb.Header)
    if err != nil { return nil, err }
    var at uint64
    err = e.db.Update(func(tx *bolt.Tx) error {
        at = height(tx)
        coins := wb.Coins
        if at > 0 {
            prev := tx.Bucket(bucketCoins).Get(key(at - 1))
            if prev != nil { coins += binary.BigEndian.Uint64(prev) }
        }
        var c [8]byte
        binary.BigEndian.PutUint64(c[:], coins)
        if err := tx.Bucket(bucketHeaders).Put(key(at), hdrBytes); err != nil { return err }
        if err := tx.Bucket(bucketHashes).Put(key(at), wb.Hash[:]); err != nil { return err }
        return tx.Bucket(bucketCoins).Put(key(at), c[:])
    })
    if err != nil { return nil, fmt.Errorf("storage: write block: %w", err) }
    return WrittenResp{Height: at}, nil
}
