package discovery

import "context"

// Source supplies candidate node addresses to the discovery loop. The loop
// asks for candidates at the start of every round; a source that has nothing
// new returns an empty slice. Addresses may repeat across calls, admission
// deduplicates them.
type Source interface {
    Candidates(ctx context.Context) ([]string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]string, error)

func (f SourceFunc) Candidates(ctx context.Context) ([]string, error) { return f(ctx) }
