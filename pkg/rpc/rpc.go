package rpc

import (
    "context"
    "errors"

    "github.com/amirimatin/go-rpcpool/pkg/chain"
)

var (
    // ErrClosed is returned by clients used after Close.
    ErrClosed = errors.New("rpc: client closed")
    // ErrNotFound reports a block height beyond the remote chain top.
    ErrNotFound = errors.New("rpc: block not found")
)

// Client is a handle to one remote node. Implementations must honour the
// context deadline on every call and report connection or protocol failures
// as errors instead of blocking.
type Client interface {
    // Addr returns the candidate address the client was dialed with.
    Addr() string
    // ChainHeight fetches the current chain height of the remote node.
    ChainHeight(ctx context.Context) (uint64, error)
    // BlockHeader fetches the extended header of the block at height.
    BlockHeader(ctx context.Context, height uint64) (chain.ExtendedBlockHeader, error)
    // Close releases the client. It is safe to call more than once.
    Close() error
}

// Dialer constructs a Client bound to addr. Dial performs no network I/O
// beyond what is needed to validate the address; liveness is the caller's
// concern.
type Dialer interface {
    Dial(addr string) (Client, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(addr string) (Client, error)

func (f DialFunc) Dial(addr string) (Client, error) { return f(addr) }

// ChainReader is the server-side view of the local chain that the HTTP and
// gRPC servers expose to remote clients.
type ChainReader interface {
    ChainHeight(ctx context.Context) (height uint64, top chain.Hash, err error)
    BlockHeader(ctx context.Context, height uint64) (chain.ExtendedBlockHeader, chain.Hash, error)
}

// StatusFunc returns a JSON-encoded status payload for the /status endpoint.
type StatusFunc func(ctx context.Context) ([]byte, error)
