package httpjson

import (
    "encoding/json"

    "github.com/amirimatin/go-rpcpool/pkg/chain"
)

const (
    statusOK = "OK"

    methodBlockHeaderByHeight = "get_block_header_by_height"

    // JSON-RPC error codes, the first two as monerod reports them.
    codeTooBig        = -2
    codeInternal      = -32603
    codeMethodMissing = -32601
    codeParse         = -32700
)

type heightResponse struct {
    Height    uint64 `json:"height"`
    Hash      string `json:"hash"`
    Status    string `json:"status"`
    Untrusted bool   `json:"untrusted"`
}

type rpcRequest struct {
    JSONRPC string          `json:"jsonrpc"`
    ID      json.RawMessage `json:"id,omitempty"`
    Method  string          `json:"method"`
    Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
    JSONRPC string          `json:"jsonrpc"`
    ID      json.RawMessage `json:"id,omitempty"`
    Result  json.RawMessage `json:"result,omitempty"`
    Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
    Code    int    `json:"code"`
    Message string `json:"message"`
}

type heightParams struct {
    Height uint64 `json:"height"`
}

type blockHeaderResult struct {
    BlockHeader blockHeader `json:"block_header"`
    Status      string      `json:"status"`
    Untrusted   bool        `json:"untrusted"`
}

// blockHeader is the subset of monerod's block_header object we read and serve.
type blockHeader struct {
    MajorVersion              uint8  `json:"major_version"`
    MinorVersion              uint8  `json:"minor_version"`
    Timestamp                 uint64 `json:"timestamp"`
    CumulativeDifficulty      uint64 `json:"cumulative_difficulty"`
    CumulativeDifficultyTop64 uint64 `json:"cumulative_difficulty_top64"`
    BlockWeight               uint64 `json:"block_weight"`
    LongTermWeight            uint64 `json:"long_term_weight"`
    Hash                      string `json:"hash"`
    Height                    uint64 `json:"height"`
}

func toWire(h chain.ExtendedBlockHeader, hash chain.Hash, height uint64) blockHeader {
    return blockHeader{
        MajorVersion:              uint8(h.Version),
        MinorVersion:              uint8(h.Vote),
        Timestamp:                 h.Timestamp,
        CumulativeDifficulty:      h.CumulativeDifficulty.Lo,
        CumulativeDifficultyTop64: h.CumulativeDifficulty.Hi,
        BlockWeight:               h.BlockWeight,
        LongTermWeight:            h.LongTermWeight,
        Hash:                      hash.String(),
        Height:                    height,
    }
}

func (b blockHeader) extended() chain.ExtendedBlockHeader {
    return chain.ExtendedBlockHeader{
        Version:              chain.HardFork(b.MajorVersion),
        Vote:                 chain.HardFork(b.MinorVersion),
        Timestamp:            b.Timestamp,
        CumulativeDifficulty: chain.Difficulty{Hi: b.CumulativeDifficultyTop64, Lo: b.CumulativeDifficulty},
        BlockWeight:          b.BlockWeight,
        LongTermWeight:       b.LongTermWeight,
    }
}
