package stats

import (
	"context"
	"sync"

	"github.com/enufacas/Chained-sub007/internal/memory"
)

// Batcher triggers a recomputation once a store has seen size appends since
// the last one.
type Batcher struct {
	agg  *Aggregator
	size int

	mu      sync.Mutex
	pending map[string]int
}

// NewBatcher creates a Batcher. A size below 1 uses DefaultBatchSize.
func NewBatcher(agg *Aggregator, size int) *Batcher {
	if size < 1 {
		size = DefaultBatchSize
	}
	return &Batcher{agg: agg, size: size, pending: make(map[string]int)}
}

// Appended records n appends to st. It returns true with the fresh summary
// when they completed a batch.
func (b *Batcher) Appended(ctx context.Context, st memory.Store, n int) (bool, Summary, error) {
	b.mu.Lock()
	b.pending[st.Owner()] += n
	due := b.pending[st.Owner()] >= b.size
	if due {
		b.pending[st.Owner()] = 0
	}
	b.mu.Unlock()

	if !due {
		return false, Summary{}, nil
	}
	sum, err := b.agg.Recompute(ctx, st)
	if err != nil {
		// Keep the batch pending so the next append retries.
		b.mu.Lock()
		b.pending[st.Owner()] += b.size
		b.mu.Unlock()
		return false, Summary{}, err
	}
	return true, sum, nil
}

// Pending returns the appends counted for agentID since its last recomputation.
func (b *Batcher) Pending(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[agentID]
}

// Flush recomputes st regardless of the pending count.
func (b *Batcher) Flush(ctx context.Context, st memory.Store) (Summary, error) {
	b.mu.Lock()
	b.pending[st.Owner()] = 0
	b.mu.Unlock()
	return b.agg.Recompute(ctx, st)
}
