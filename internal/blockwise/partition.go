package blockwise

// Block is the half-open row range [Start, End) of one block of a sequence.
type Block struct {
	Index int // Position of the block in its partition.
	Start int
	End   int
}

// Len returns the number of rows in the block.
func (b Block) Len() int {
	return b.End - b.Start
}

// Partition splits [0, n) into contiguous blocks of size rows. The last block
// holds the remainder when size does not divide n. n == 0 yields no blocks.
//
// Panics if size < 1.
func Partition(n, size int) []Block {
	if size < 1 {
		panic("blockwise.Partition: block size must be >= 1")
	}
	blocks := make([]Block, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		blocks = append(blocks, Block{
			Index: len(blocks),
			Start: start,
			End:   min(start+size, n),
		})
	}
	return blocks
}
