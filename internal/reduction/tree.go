package reduction

import (
	"context"
	"fmt"

	"github.com/born-ml/streamattn/internal/online"
	"golang.org/x/sync/errgroup"
)

// Combine merges the partials of a single row with a balanced binary tree.
func Combine(partials []PartialResult) (online.State, error) {
	ss, err := prepare(partials)
	if err != nil {
		return online.State{}, err
	}
	return Tree(ss), nil
}

// CombineChain merges the partials of a single row left to right.
func CombineChain(partials []PartialResult) (online.State, error) {
	ss, err := prepare(partials)
	if err != nil {
		return online.State{}, err
	}
	acc := ss[0].Clone()
	for _, s := range ss[1:] {
		acc = online.Merge(acc, s)
	}
	return acc, nil
}

// Tree merges states pairwise, halving the range at every level. An empty
// slice yields the dimensionless identity.
func Tree(ss []online.State) online.State {
	switch len(ss) {
	case 0:
		return online.Identity(0)
	case 1:
		return ss[0].Clone()
	}
	mid := len(ss) / 2
	return online.Merge(Tree(ss[:mid]), Tree(ss[mid:]))
}

// CombineConcurrent merges the partials of a single row level by level; the
// sibling merges of one level run concurrently. The context is checked
// between levels.
func CombineConcurrent(ctx context.Context, partials []PartialResult) (online.State, error) {
	level, err := prepare(partials)
	if err != nil {
		return online.State{}, err
	}

	for len(level) > 1 {
		if err := ctx.Err(); err != nil {
			return online.State{}, err
		}

		next := make([]online.State, (len(level)+1)/2)
		var g errgroup.Group
		for i := range next {
			g.Go(func() error {
				a := 2 * i
				if a+1 == len(level) {
					next[i] = level[a]
					return nil
				}
				next[i] = online.Merge(level[a], level[a+1])
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return online.State{}, err
		}
		level = next
	}
	return level[0].Clone(), nil
}

// CombineRows groups partials by row and tree-combines each group. Rows with
// no partial get the identity state of the common output width.
func CombineRows(partials []PartialResult, nRows int) ([]online.State, error) {
	dim, err := checkDims(partials)
	if err != nil {
		return nil, err
	}

	groups := make([][]online.State, nRows)
	for _, p := range partials {
		if p.Row < 0 || p.Row >= nRows {
			return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrRowOutOfRange, p.Row, nRows)
		}
		s := p.State
		if s.Output == nil && dim > 0 {
			s = online.Identity(dim)
		}
		groups[p.Row] = append(groups[p.Row], s)
	}

	out := make([]online.State, nRows)
	for i, g := range groups {
		if len(g) == 0 {
			out[i] = online.Identity(dim)
			continue
		}
		out[i] = Tree(g)
	}
	return out, nil
}

func prepare(partials []PartialResult) ([]online.State, error) {
	if err := checkRow(partials); err != nil {
		return nil, err
	}
	dim, err := checkDims(partials)
	if err != nil {
		return nil, err
	}
	return states(partials, dim), nil
}
