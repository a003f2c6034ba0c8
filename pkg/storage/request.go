package storage

import (
    "errors"

    "github.com/amirimatin/go-rpcpool/pkg/chain"
)

var (
    ErrNotFound    = errors.New("storage: not found")
    ErrBadRange    = errors.New("storage: bad range")
    ErrClosed      = errors.New("storage: handle closed")
    ErrWrongHandle = errors.New("storage: request not valid on this handle")
)

// Request is a query or write sent to the data service. Reads go through a
// ReadHandle, writes through a WriteHandle.
type Request interface {
    Kind() string
    write() bool
}

// Response is the answer to a Request; its concrete type depends on the request.
type Response interface {
    isResponse()
}

// Read requests.
type (
    // BlockExtendedHeaderAt asks for the extended header at Height.
    BlockExtendedHeaderAt struct{ Height uint64 }
    // BlockHashAt asks for the hash of the block at Height.
    BlockHashAt struct{ Height uint64 }
    // BlockExtendedHeaderRange asks for headers in [Start, End).
    BlockExtendedHeaderRange struct{ Start, End uint64 }
    // ChainHeightReq asks for the block count and the top hash.
    ChainHeightReq struct{}
    // GeneratedCoinsToHeight asks for the coins emitted up to and including Height.
    GeneratedCoinsToHeight struct{ Height uint64 }
)

// WriteBlock appends a block at the current chain height. Coins is the
// emission of this block alone.
type WriteBlock struct {
    Header chain.ExtendedBlockHeader
    Hash   chain.Hash
    Coins  uint64
}

func (BlockExtendedHeaderAt) Kind() string    { return "block_extended_header" }
func (BlockHashAt) Kind() string              { return "block_hash" }
func (BlockExtendedHeaderRange) Kind() string { return "block_extended_header_range" }
func (ChainHeightReq) Kind() string           { return "chain_height" }
func (GeneratedCoinsToHeight) Kind() string   { return "generated_coins" }
func (WriteBlock) Kind() string               { return "write_block" }

func (BlockExtendedHeaderAt) write() bool    { return false }
func (BlockHashAt) write() bool              { return false }
func (BlockExtendedHeaderRange) write() bool { return false }
func (ChainHeightReq) write() bool           { return false }
func (GeneratedCoinsToHeight) write() bool   { return false }
func (WriteBlock) write() bool               { return true }

// Responses.
type (
    ExtendedHeaderResp struct{ Header chain.ExtendedBlockHeader }
    HashResp           struct{ Hash chain.Hash }
    HeaderRangeResp    struct{ Headers []chain.ExtendedBlockHeader }
    ChainHeightResp    struct {
        Height  uint64
        TopHash chain.Hash
    }
    GeneratedCoinsResp struct{ Coins uint64 }
    // WrittenResp carries the height the block was stored at.
    WrittenResp struct{ Height uint64 }
)

func (ExtendedHeaderResp) isResponse() {}
func (HashResp) isResponse()           {}
func (HeaderRangeResp) isResponse()    {}
func (ChainHeightResp) isResponse()    {}
func (GeneratedCoinsResp) isResponse() {}
func (WrittenResp) isResponse()        {}
