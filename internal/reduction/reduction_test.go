package reduction

import (
	"context"
	"math/rand"
	"testing"

	"github.com/born-ml/streamattn/internal/blockwise"
	"github.com/born-ml/streamattn/internal/dense"
	"github.com/born-ml/streamattn/internal/matrix"
	"github.com/born-ml/streamattn/internal/online"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const atol = 1e-6

// rowPartials splits one row of scores/values into n chunks and reduces each
// chunk into its own state.
func rowPartials(scores []float64, values [][]float64, n int) []PartialResult {
	var out []PartialResult
	for _, b := range blockwise.Partition(len(scores), (len(scores)+n-1)/n) {
		s := online.Reduce(online.Identity(len(values[0])), scores[b.Start:b.End], values[b.Start:b.End])
		out = append(out, PartialResult{Row: 7, State: s})
	}
	return out
}

func randomRow(seed int64, n, dim int) ([]float64, [][]float64) {
	rng := rand.New(rand.NewSource(seed))
	scores := make([]float64, n)
	values := make([][]float64, n)
	for i := range scores {
		scores[i] = rng.NormFloat64() * 4
		values[i] = make([]float64, dim)
		for d := range values[i] {
			values[i][d] = rng.NormFloat64()
		}
	}
	return scores, values
}

func assertStateClose(t *testing.T, want, got online.State) {
	t.Helper()
	assert.InDelta(t, want.Max, got.Max, 1e-12)
	assert.InDelta(t, want.Sum, got.Sum, atol)
	assert.InDeltaSlice(t, want.Output, got.Output, atol)
}

func TestCombineShapesAgree(t *testing.T) {
	scores, values := randomRow(1, 37, 4)
	want := online.Reduce(online.Identity(4), scores, values)

	for _, n := range []int{1, 2, 3, 5, 8, 37} {
		partials := rowPartials(scores, values, n)

		tree, err := Combine(partials)
		require.NoError(t, err)
		assertStateClose(t, want, tree)

		chain, err := CombineChain(partials)
		require.NoError(t, err)
		assertStateClose(t, tree, chain)

		conc, err := CombineConcurrent(context.Background(), partials)
		require.NoError(t, err)
		assertStateClose(t, tree, conc)
	}
}

func TestCombineOrderIndependent(t *testing.T) {
	scores, values := randomRow(2, 24, 3)
	partials := rowPartials(scores, values, 6)
	want, err := Combine(partials)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	for range 10 {
		shuffled := append([]PartialResult(nil), partials...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, err := Combine(shuffled)
		require.NoError(t, err)
		assertStateClose(t, want, got)
	}
}

func TestCombineIdentityPartials(t *testing.T) {
	scores, values := randomRow(4, 8, 2)
	partials := rowPartials(scores, values, 2)
	want, err := Combine(partials)
	require.NoError(t, err)

	withEmpty := append([]PartialResult{
		{Row: 7, State: online.Identity(2)},
		{Row: 7, State: online.Identity(0)},
	}, partials...)
	got, err := Combine(withEmpty)
	require.NoError(t, err)
	assertStateClose(t, want, got)
}

func TestCombineErrors(t *testing.T) {
	_, err := Combine(nil)
	assert.ErrorIs(t, err, ErrNoPartials)

	_, err = CombineConcurrent(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoPartials)

	_, err = Combine([]PartialResult{{Row: 0, State: online.Identity(1)}, {Row: 1, State: online.Identity(1)}})
	assert.ErrorIs(t, err, ErrRowMismatch)

	_, err = CombineChain([]PartialResult{{Row: 0, State: online.Identity(1)}, {Row: 0, State: online.Identity(2)}})
	assert.ErrorIs(t, err, ErrDimMismatch)

	_, err = Combine([]PartialResult{{Row: 0, State: online.Identity(1)}, {Row: 0, State: online.State{Max: 1, Sum: 1}}})
	assert.ErrorIs(t, err, ErrDimMismatch)

	_, err = CombineRows([]PartialResult{{Row: 3, State: online.Identity(1)}}, 3)
	assert.ErrorIs(t, err, ErrRowOutOfRange)
}

func TestCombineConcurrentCanceled(t *testing.T) {
	scores, values := randomRow(5, 8, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CombineConcurrent(ctx, rowPartials(scores, values, 4))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCombineRows(t *testing.T) {
	a := online.Reduce(online.Identity(1), []float64{1}, [][]float64{{2}})
	b := online.Reduce(online.Identity(1), []float64{3}, [][]float64{{4}})

	out, err := CombineRows([]PartialResult{{Row: 2, State: a}, {Row: 0, State: b}, {Row: 2, State: b}}, 4)
	require.NoError(t, err)
	require.Len(t, out, 4)

	assertStateClose(t, b, out[0])
	assert.True(t, out[1].IsIdentity())
	assert.Len(t, out[1].Output, 1)
	assertStateClose(t, online.Merge(a, b), out[2])
	assert.True(t, out[3].IsIdentity())
}

func TestTree(t *testing.T) {
	assert.True(t, Tree(nil).IsIdentity())

	s := online.Reduce(online.Identity(2), []float64{0.5}, [][]float64{{1, 2}})
	got := Tree([]online.State{s})
	assert.Equal(t, s, got)
	got.Output[0] = 99
	assert.Equal(t, 1.0, s.Output[0], "Tree must not alias its input")
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name      string
		nk, bs, n int
		want      []Range
	}{
		{"even", 16, 4, 2, []Range{{0, 8}, {8, 16}}},
		{"ragged tail", 10, 4, 2, []Range{{0, 8}, {8, 10}}},
		{"more shards than blocks", 8, 4, 5, []Range{{0, 4}, {4, 8}}},
		{"one shard", 7, 2, 1, []Range{{0, 7}}},
		{"zero means one", 7, 2, 0, []Range{{0, 7}}},
		{"three of five blocks", 5, 1, 3, []Range{{0, 2}, {2, 4}, {4, 5}}},
		{"empty", 0, 4, 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Split(tt.nk, tt.bs, tt.n))
		})
	}
}

func TestShardMatchesCompute(t *testing.T) {
	q := matrix.Randn(20, 5, 42)
	k := matrix.Randn(16, 5, 43)
	v := matrix.Randn(16, 5, 44)
	base := blockwise.Config{QBlockSize: 2, KBlockSize: 4}

	want, err := blockwise.Compute(q, k, v, base)
	require.NoError(t, err)

	for _, shards := range []int{1, 2, 3, 4, 8} {
		for _, order := range []blockwise.Order{blockwise.QueryMajor, blockwise.KeyMajor} {
			cfg := ShardConfig{Config: base, Shards: shards, Workers: 2}
			cfg.Order = order

			got, err := Shard(context.Background(), q, k, v, cfg)
			require.NoError(t, err)
			diff, err := matrix.MaxAbsDiff(want.Output, got.Output)
			require.NoError(t, err)
			assert.LessOrEqual(t, diff, atol, "shards=%d order=%s", shards, order)
			assert.Equal(t, 10, got.QBlocks)
			assert.Equal(t, 4, got.KBlocks)
		}
	}
}

func TestShardCausalMaskUsesGlobalKeys(t *testing.T) {
	q := matrix.Randn(12, 3, 1)
	k := matrix.Randn(12, 3, 2)
	v := matrix.Randn(12, 2, 3)
	mask := blockwise.CausalMask{}

	want, err := dense.Attention(q, k, v, dense.Options{Epsilon: online.Epsilon, Mask: mask.Allowed})
	require.NoError(t, err)

	got, err := Shard(context.Background(), q, k, v, ShardConfig{
		Config: blockwise.Config{QBlockSize: 5, KBlockSize: 2, Mask: mask},
		Shards: 3,
	})
	require.NoError(t, err)
	assert.True(t, matrix.AllClose(want, got.Output, atol))
}

func TestShardEmptyKeys(t *testing.T) {
	got, err := Shard(context.Background(), matrix.Randn(3, 2, 1), matrix.New(0, 2), matrix.New(0, 4), ShardConfig{
		Config: blockwise.Config{QBlockSize: 2, KBlockSize: 2},
		Shards: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, matrix.New(3, 4).Data, got.Output.Data)
	for _, s := range got.States {
		assert.True(t, s.IsIdentity())
		assert.Len(t, s.Output, 4)
	}
}

func TestShardValidation(t *testing.T) {
	q, k, v := matrix.Randn(4, 2, 1), matrix.Randn(4, 2, 2), matrix.Randn(4, 2, 3)
	ctx := context.Background()
	base := blockwise.Config{QBlockSize: 2, KBlockSize: 2}

	_, err := Shard(ctx, q, k, nil, ShardConfig{Config: base})
	assert.ErrorIs(t, err, blockwise.ErrShapeMismatch)

	_, err = Shard(ctx, q, matrix.Randn(4, 3, 2), v, ShardConfig{Config: base})
	assert.ErrorIs(t, err, blockwise.ErrShapeMismatch)

	_, err = Shard(ctx, q, k, v, ShardConfig{Config: base, Shards: -1})
	assert.ErrorIs(t, err, blockwise.ErrInvalidConfig)

	permuted := base
	permuted.KeyBlockOrder = []int{1, 0}
	_, err = Shard(ctx, q, k, v, ShardConfig{Config: permuted})
	assert.ErrorIs(t, err, blockwise.ErrInvalidConfig)

	_, err = Shard(ctx, q, k, v, ShardConfig{Config: blockwise.Config{QBlockSize: 2}})
	assert.ErrorIs(t, err, blockwise.ErrInvalidConfig)
}

func TestShardCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Shard(ctx, matrix.Randn(4, 2, 1), matrix.Randn(8, 2, 2), matrix.Randn(8, 2, 3), ShardConfig{
		Config: blockwise.Config{QBlockSize: 2, KBlockSize: 2},
		Shards: 4,
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShardInstabilityReachesCaller(t *testing.T) {
	q, _ := matrix.FromRows([][]float64{{1e200}})
	k, _ := matrix.FromRows([][]float64{{1}, {1e200}, {1}, {1}})
	v := matrix.Randn(4, 2, 1)

	defer func() {
		r := recover()
		var ie *blockwise.InstabilityError
		require.IsType(t, ie, r)
		assert.Equal(t, 1, r.(*blockwise.InstabilityError).Key)
	}()
	_, _ = Shard(context.Background(), q, k, v, ShardConfig{
		Config: blockwise.Config{QBlockSize: 1, KBlockSize: 1},
		Shards: 4,
	})
	t.Fatal("Shard returned without panicking")
}

func BenchmarkCombine(b *testing.B) {
	scores, values := randomRow(1, 4096, 64)
	partials := rowPartials(scores, values, 64)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Combine(partials)
	}
}
