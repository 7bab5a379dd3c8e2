// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package attention_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/born-ml/streamattn/attention"
)

// TestAttendDispatch verifies that Attend aggregates values when V is given
// and returns weights otherwise.
func TestAttendDispatch(t *testing.T) {
	q := attention.Randn(20, 5, 42)
	k := attention.Randn(16, 5, 43)
	v := attention.Randn(16, 5, 44)
	cfg := attention.Config{QBlockSize: 2, KBlockSize: 4}

	out, states, err := attention.Attend(q, k, v, cfg)
	if err != nil {
		t.Fatalf("Attend with values failed: %v", err)
	}
	if got := out.Shape(); got != (attention.Shape{Rows: 20, Cols: 5}) {
		t.Errorf("output shape = %s, want 20x5", got)
	}
	if len(states) != 20 {
		t.Errorf("len(states) = %d, want 20", len(states))
	}

	w, _, err := attention.Attend(q, k, nil, cfg)
	if err != nil {
		t.Fatalf("Attend without values failed: %v", err)
	}
	if got := w.Shape(); got != (attention.Shape{Rows: 20, Cols: 16}) {
		t.Errorf("weights shape = %s, want 20x16", got)
	}

	// Output row 0 is the weighted mean of V under the weights row 0.
	for d := 0; d < v.Cols; d++ {
		var want float64
		for j := 0; j < v.Rows; j++ {
			want += w.Row(0)[j] * v.Row(j)[d]
		}
		if math.Abs(want-out.Row(0)[d]) > 1e-9 {
			t.Errorf("out[0][%d] = %v, want %v", d, out.Row(0)[d], want)
		}
	}
}

// TestShardAgreesWithCompute verifies the sharded path through the facade.
func TestShardAgreesWithCompute(t *testing.T) {
	q := attention.Randn(8, 4, 1)
	k := attention.Randn(24, 4, 2)
	v := attention.Randn(24, 3, 3)
	cfg := attention.Config{QBlockSize: 3, KBlockSize: 5, Mask: attention.CausalMask{Offset: 10}}

	want, err := attention.Compute(q, k, v, cfg)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	got, err := attention.Shard(context.Background(), q, k, v, attention.ShardConfig{Config: cfg, Shards: 3})
	if err != nil {
		t.Fatalf("Shard failed: %v", err)
	}
	for i := range want.Output.Data {
		if math.Abs(want.Output.Data[i]-got.Output.Data[i]) > 1e-9 {
			t.Fatalf("element %d: %v vs %v", i, got.Output.Data[i], want.Output.Data[i])
		}
	}
}

// TestMergeIdentity verifies the identity state through the facade.
func TestMergeIdentity(t *testing.T) {
	s := attention.Reduce(attention.Identity(2), []float64{0.5, -1}, [][]float64{{1, 2}, {3, 4}})
	m := attention.Merge(attention.Identity(2), s)
	if m.Max != s.Max || m.Sum != s.Sum {
		t.Errorf("Merge(identity, s) = %+v, want %+v", m, s)
	}

	partials := []attention.PartialResult{{Row: 0, State: s}, {Row: 0, State: attention.Identity(2)}}
	c, err := attention.Combine(partials)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	if c.Sum != s.Sum {
		t.Errorf("Combine sum = %v, want %v", c.Sum, s.Sum)
	}
}

// TestErrorsAreExported verifies sentinel errors match through the facade.
func TestErrorsAreExported(t *testing.T) {
	_, err := attention.Compute(attention.Randn(2, 3, 1), attention.Randn(2, 4, 1), attention.Randn(2, 1, 1),
		attention.Config{QBlockSize: 1, KBlockSize: 1})
	if !errors.Is(err, attention.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	var se *attention.ShapeError
	if !errors.As(err, &se) {
		t.Errorf("expected *ShapeError, got %T", err)
	}

	_, err = attention.Weights(attention.Randn(2, 3, 1), attention.Randn(2, 3, 1), attention.Config{})
	if !errors.Is(err, attention.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

// TestSoftmax verifies the scalar streaming softmax.
func TestSoftmax(t *testing.T) {
	p := attention.Softmax([]float64{0, 0, math.Inf(-1)})
	if math.Abs(p[0]-0.5) > 1e-9 || math.Abs(p[1]-0.5) > 1e-9 || p[2] != 0 {
		t.Errorf("Softmax = %v, want [0.5 0.5 0]", p)
	}
}
