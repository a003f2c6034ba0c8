package chain

import (
    "encoding/hex"
    "fmt"
    "math/big"
)

// Hash is a 32-byte block identifier. It encodes as lowercase hex in JSON.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
    if len(b) == 0 { *h = Hash{}; return nil }
    if len(b) != 64 { return fmt.Errorf("chain: bad hash length %d", len(b)) }
    _, err := hex.Decode(h[:], b)
    return err
}

// ParseHash decodes a hex encoded hash.
func ParseHash(s string) (Hash, error) {
    var h Hash
    err := h.UnmarshalText([]byte(s))
    return h, err
}

// HardFork is a protocol version as carried in block headers (major/minor).
type HardFork uint8

const (
    V1 HardFork = iota + 1
    V2
    V3
    V4
    V5
    V6
    V7
    V8
    V9
    V10
    V11
    V12
    V13
    V14
    V15
    V16
)

// Difficulty is an unsigned 128-bit cumulative difficulty split in two words,
// the same way monerod reports cumulative_difficulty and its top64 companion.
type Difficulty struct {
    Hi uint64 `json:"hi"`
    Lo uint64 `json:"lo"`
}

// DifficultyFromUint64 widens a 64-bit difficulty.
func DifficultyFromUint64(v uint64) Difficulty { return Difficulty{Lo: v} }

// Add returns d+o, wrapping on 128-bit overflow.
func (d Difficulty) Add(o Difficulty) Difficulty {
    lo := d.Lo + o.Lo
    carry := uint64(0)
    if lo < d.Lo { carry = 1 }
    return Difficulty{Hi: d.Hi + o.Hi + carry, Lo: lo}
}

// Big returns d as a big.Int.
func (d Difficulty) Big() *big.Int {
    v := new(big.Int).SetUint64(d.Hi)
    v.Lsh(v, 64)
    return v.Or(v, new(big.Int).SetUint64(d.Lo))
}

func (d Difficulty) String() string { return d.Big().String() }

// ExtendedBlockHeader is the subset of a block header the consensus rules
// (difficulty, weight and hard-fork voting) need.
type ExtendedBlockHeader struct {
    Version              HardFork   `json:"version"`
    Vote                 HardFork   `json:"vote"`
    Timestamp            uint64     `json:"timestamp"`
    CumulativeDifficulty Difficulty `json:"cumulative_difficulty"`
    BlockWeight          uint64     `json:"block_weight"`
    LongTermWeight       uint64     `json:"long_term_weight"`
}
