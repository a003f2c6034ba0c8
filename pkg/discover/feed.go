package discover

import (
    "context"
    "errors"
    "sync"
)

// ErrFeedClosed is returned by Publish once the subscriber is gone.
var ErrFeedClosed = errors.New("discover: feed closed")

// DefaultFeedCapacity is the buffer used when NewFeed is given capacity <= 0.
const DefaultFeedCapacity = 16

// Publisher is the producing end of the pool feed. It has a single producer.
type Publisher struct {
    out      chan Change
    done     chan struct{}
    finished sync.Once
}

// Subscription is the consuming end of the pool feed.
type Subscription struct {
    out    chan Change
    done   chan struct{}
    closed sync.Once
}

// NewFeed returns both ends of a buffered, ordered feed.
func NewFeed(capacity int) (*Publisher, *Subscription) {
    if capacity <= 0 { capacity = DefaultFeedCapacity }
    out := make(chan Change, capacity)
    done := make(chan struct{})
    return &Publisher{out: out, done: done}, &Subscription{out: out, done: done}
}

// Publish delivers c to the subscriber. It blocks while the buffer is full,
// returns ErrFeedClosed when the subscriber has closed the subscription and
// ctx.Err() when ctx ends first. After ErrFeedClosed the caller owns c's
// endpoint again and must close it.
func (p *Publisher) Publish(ctx context.Context, c Change) error {
    // A closed subscription must win over free buffer space.
    select {
    case <-p.done:
        return ErrFeedClosed
    default:
    }
    select {
    case p.out <- c:
        // The send may race Close; the subscriber's drain then cannot be
        // relied on to see c, so report the feed as closed.
        select {
        case <-p.done:
            return ErrFeedClosed
        default:
            return nil
        }
    case <-p.done:
        return ErrFeedClosed
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Closed reports whether the subscriber is gone.
func (p *Publisher) Closed() bool {
    select {
    case <-p.done:
        return true
    default:
        return false
    }
}

// Done is closed when the subscriber is gone.
func (p *Publisher) Done() <-chan struct{} { return p.done }

// finish closes the change channel; the producer must not publish afterwards.
func (p *Publisher) finish() {
    p.finished.Do(func() { close(p.out) })
}

// Changes returns the ordered change stream. It is closed when the producer stops.
func (s *Subscription) Changes() <-chan Change { return s.out }

// Close drops the subscription. The producer's next Publish fails with
// ErrFeedClosed. Safe to call more than once.
func (s *Subscription) Close() {
    s.closed.Do(func() { close(s.done) })
}
