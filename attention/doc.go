// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package attention computes softmax attention in bounded memory using
// online (streaming) softmax statistics.
//
// # Overview
//
// This package contains:
//   - Online softmax: State, Merge, Reduce, Stream, Softmax
//   - Blockwise attention: Compute (values), Weights (softmax only), Attend
//   - Masks: CausalMask, MaskFunc, MatrixMask
//   - Reduction: Combine, CombineRows, Shard
//
// # Basic Usage
//
//	import "github.com/born-ml/streamattn/attention"
//
//	func main() {
//	    q := attention.Randn(20, 5, 1)
//	    k := attention.Randn(16, 5, 2)
//	    v := attention.Randn(16, 5, 3)
//
//	    res, err := attention.Compute(q, k, v, attention.Config{
//	        QBlockSize: 2,
//	        KBlockSize: 4,
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Println(res.Output.Row(0))
//	}
//
// # Online Softmax
//
// A State summarizes a set of logits by their max, the sum of
// exp(logit - max) and, optionally, the exp-weighted sum of value vectors.
// States over disjoint logits merge into the state of their union:
//
//	m   = max(a.Max, b.Max)
//	Sum = a.Sum*exp(a.Max-m) + b.Sum*exp(b.Max-m)
//
// Merge is associative and commutative with identity {-Inf, 0, 0}, so key
// blocks can be folded in any order and partial results over key shards can
// be combined by any tree.
//
// # Blockwise Attention
//
// Compute splits queries and keys into blocks and never materializes the
// n_q x n_k score matrix. Traversal is query-major (default, query blocks run
// in parallel) or key-major (each key block is loaded once). A row that sees
// no key produces the zero vector.
//
//	res, err := attention.Compute(q, k, v, attention.Config{
//	    QBlockSize: 64,
//	    KBlockSize: 64,
//	    Mask:       attention.CausalMask{},
//	    Order:      attention.KeyMajor,
//	})
//
// # Sharding
//
// Shard splits the keys into contiguous ranges, runs each range on its own
// goroutine and tree-combines the per-row partial states:
//
//	res, err := attention.Shard(ctx, q, k, v, attention.ShardConfig{
//	    Config: attention.Config{QBlockSize: 64, KBlockSize: 64},
//	    Shards: 4,
//	})
package attention
