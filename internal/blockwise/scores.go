package blockwise

import (
	"math"

	"github.com/born-ml/streamattn/internal/matrix"
	"github.com/born-ml/streamattn/internal/online"
)

// scoreBlock fills tile with the qb.Len() x kb.Len() score block
// scale * q_i · k_j, row-major, injecting -Inf for masked pairs.
//
// Panics with *InstabilityError if an unmasked score overflows: the inputs
// were validated finite, so an infinite score means scale or magnitudes are
// out of range.
func scoreBlock(tile []float64, q, k *matrix.Matrix, qb, kb Block, p *plan) []float64 {
	width := kb.Len()
	tile = tile[:qb.Len()*width]

	for i := qb.Start; i < qb.End; i++ {
		qVec := q.Row(i)
		row := tile[(i-qb.Start)*width : (i-qb.Start+1)*width]

		for j := kb.Start; j < kb.End; j++ {
			col := p.keyOffset + j
			if p.mask != nil && !p.mask.Allowed(i, col) {
				row[j-kb.Start] = online.NegInf
				continue
			}

			kVec := k.Row(j)
			var dot float64
			for d := range qVec {
				dot += qVec[d] * kVec[d]
			}
			s := dot * p.scale
			if math.IsNaN(s) || math.IsInf(s, 0) {
				panic(&InstabilityError{Row: i, Key: col, Score: s})
			}
			row[j-kb.Start] = s
		}
	}

	return tile
}

// valueRows points buf at the value rows of block kb. Returns nil when v is
// nil (softmax-only statistics).
func valueRows(buf [][]float64, v *matrix.Matrix, kb Block) [][]float64 {
	if v == nil {
		return nil
	}
	buf = buf[:kb.Len()]
	for j := kb.Start; j < kb.End; j++ {
		buf[j-kb.Start] = v.Row(j)
	}
	return buf
}
