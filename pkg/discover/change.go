package discover

import (
    "fmt"

    "github.com/amirimatin/go-rpcpool/pkg/rpc"
)

type ChangeType string

const (
    // ChangeInsert adds Endpoint to the pool at Slot.
    ChangeInsert ChangeType = "insert"
    // ChangeRemove drops the endpoint at Slot. Reserved: discovery never emits it.
    ChangeRemove ChangeType = "remove"
)

// Change is one event on the pool feed. Only the fields relevant to Type are
// populated. Slot is the admission counter at the time of the insert, not an
// identifier derived from the address.
type Change struct {
    Type     ChangeType
    Slot     int
    Endpoint rpc.Client
}

// Insert builds an insert event.
func Insert(slot int, ep rpc.Client) Change { return Change{Type: ChangeInsert, Slot: slot, Endpoint: ep} }

// Remove builds a remove event.
func Remove(slot int) Change { return Change{Type: ChangeRemove, Slot: slot} }

func (c Change) String() string {
    if c.Endpoint != nil {
        return fmt.Sprintf("%s(%d, %s)", c.Type, c.Slot, c.Endpoint.Addr())
    }
    return fmt.Sprintf("%s(%d)", c.Type, c.Slot)
}
