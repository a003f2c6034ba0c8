package discover

// Backlog is the ordered queue of candidates waiting for the next round.
// It is owned by the loop goroutine and not safe for concurrent use.
type Backlog struct {
    addrs []string
}

func (b *Backlog) Push(addrs ...string) { b.addrs = append(b.addrs, addrs...) }

// Drain empties the backlog and returns its contents in insertion order.
func (b *Backlog) Drain() []string {
    out := b.addrs
    b.addrs = nil
    return out
}

func (b *Backlog) Len() int { return len(b.addrs) }
