package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wouteroostervld/chaingraph/pkg/db"
)

var queryA = db.Query{Embedding: []float32{1, 0, 0, 0}}

func retrieve(t *testing.T, m *MultiHopRetriever, ctx context.Context) *Retrieval {
	t.Helper()
	var out *Retrieval
	err := newStore(t, true).View(context.Background(), "p", func(r db.Reader) error {
		var err error
		out, err = m.Retrieve(ctx, r, queryA)
		return err
	})
	require.NoError(t, err)
	return out
}

func hops(r *Retrieval) []int {
	out := make([]int, len(r.Hits))
	for i, h := range r.Hits {
		out[i] = h.Hop
	}
	return out
}

func TestRetrieve_ZeroHopsEqualsVectorSearch(t *testing.T) {
	store := newStore(t, true)
	m := NewMultiHopRetriever(Options{TopK: 3, MaxHops: 0, Rerank: true})

	err := store.View(context.Background(), "p", func(r db.Reader) error {
		vec, err := r.VectorSearch(queryA, 3)
		require.NoError(t, err)

		got, err := m.Retrieve(context.Background(), r, queryA)
		require.NoError(t, err)
		require.Len(t, got.Hits, len(vec.Hits))
		for i := range vec.Hits {
			assert.Equal(t, vec.Hits[i], got.Hits[i].Hit)
			assert.Equal(t, 0, got.Hits[i].Hop)
		}
		assert.Equal(t, 0, got.Hops)
		return nil
	})
	require.NoError(t, err)
}

func TestRetrieve_Expansion(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		wantIDs  []string
		wantHops []int
		rounds   int
	}{
		{
			name:     "rerank by similarity",
			opts:     Options{TopK: 1, MaxHops: 2, Rerank: true},
			wantIDs:  []string{"A", "X", "B", "C"},
			wantHops: []int{0, 1, 1, 2},
			rounds:   2,
		},
		{
			name:     "per hop limit after rerank",
			opts:     Options{TopK: 1, MaxHops: 3, PerHop: 1, Rerank: true},
			wantIDs:  []string{"A", "X"},
			wantHops: []int{0, 1},
			rounds:   1,
		},
		{
			name:     "per hop limit in discovery order",
			opts:     Options{TopK: 1, MaxHops: 2, PerHop: 1},
			wantIDs:  []string{"A", "B", "C"},
			wantHops: []int{0, 1, 2},
			rounds:   2,
		},
		{
			name:     "stops when nothing new",
			opts:     Options{TopK: 2, MaxHops: 10, Rerank: true},
			wantIDs:  []string{"A", "E", "X", "B", "C", "D"},
			wantHops: []int{0, 0, 1, 1, 2, 3},
			rounds:   3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := retrieve(t, NewMultiHopRetriever(tt.opts), context.Background())
			assert.Equal(t, tt.wantIDs, got.IDs())
			assert.Equal(t, tt.wantHops, hops(got))
			assert.Equal(t, tt.rounds, got.Hops)
			assert.LessOrEqual(t, got.Hops, tt.opts.MaxHops)

			seen := map[string]bool{}
			for _, id := range got.IDs() {
				assert.False(t, seen[id], "duplicate %s", id)
				seen[id] = true
			}
		})
	}
}

func TestRetrieve_ExpandedHitsCarrySimilarity(t *testing.T) {
	got := retrieve(t, NewMultiHopRetriever(Options{TopK: 1, MaxHops: 1, Rerank: true}), context.Background())
	require.Len(t, got.Hits, 3)
	assert.InDelta(t, 0.6, got.Hits[1].Similarity, 1e-6)
	assert.Equal(t, "Options", got.Hits[1].Record.Name)
}

func TestRetrieve_DeadlineReturnsPartialResult(t *testing.T) {
	m := NewMultiHopRetriever(Options{TopK: 1, MaxHops: 5, Rerank: true, Deadline: time.Second})
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	m.now = func() time.Time {
		calls++
		if calls <= 2 {
			return t0
		}
		return t0.Add(2 * time.Second)
	}

	got := retrieve(t, m, context.Background())
	assert.True(t, got.Truncated)
	assert.Equal(t, 1, got.Hops)
	assert.Equal(t, []string{"A", "X", "B"}, got.IDs())
}

func TestRetrieve_ExpiredContextTruncates(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Minute))
	defer cancel()

	got := retrieve(t, NewMultiHopRetriever(Options{TopK: 1, MaxHops: 3}), ctx)
	assert.True(t, got.Truncated)
	assert.Equal(t, []string{"A"}, got.IDs())
	assert.Equal(t, 0, got.Hops)
}

func TestRetrieve_CancelledContextFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newStore(t, true).View(context.Background(), "p", func(r db.Reader) error {
		_, err := NewMultiHopRetriever(Options{TopK: 1, MaxHops: 3}).Retrieve(ctx, r, queryA)
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRerank(t *testing.T) {
	ids := []string{"d", "c", "b", "a"}
	rerank(ids, map[string]float64{"a": 0.1, "b": 0.9, "c": 0.9})
	assert.Equal(t, []string{"b", "c", "a", "d"}, ids)
}
