// Package parallel provides data-parallel loops over independent work items.
//
// Attention rows never depend on each other, so the engine hands each
// goroutine a disjoint range of query blocks. A goroutine exclusively owns the
// running states of the rows in its range.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 4, // Items are query blocks, each already a sizeable unit of work.
	}
}

// Sequential returns a config that always runs on the calling goroutine.
func Sequential() Config {
	return Config{}
}

// For executes f(i) for i in [0, n) with optional parallelism.
// Falls back to sequential execution if parallelism is disabled or n is too small.
func For(n int, f func(i int), cfg Config) {
	ForRange(n, func(start, end int) {
		for i := start; i < end; i++ {
			f(i)
		}
	}, cfg)
}

// ForRange splits [0, n) into contiguous chunks and calls f(start, end) once
// per chunk, concurrently when cfg allows. It returns after every chunk is
// done. Chunks never overlap.
//
// If any chunk panics, the first panic value is re-raised on the caller once
// all chunks have finished.
func ForRange(n int, f func(start, end int), cfg Config) {
	if n <= 0 {
		return
	}

	workers := max(cfg.NumWorkers, 1)
	if !cfg.Enabled || workers == 1 || n < cfg.MinChunkSize {
		f(0, n)
		return
	}

	chunkSize := max((n+workers-1)/workers, cfg.MinChunkSize, 1)

	var (
		wg  sync.WaitGroup
		rec recovered
	)
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			defer rec.capture()
			f(s, e)
		}(start, end)
	}
	wg.Wait()
	rec.repanic()
}

// recovered keeps the first panic raised by a worker so it can be re-raised
// on the calling goroutine.
type recovered struct {
	mu  sync.Mutex
	val any
	set bool
}

func (r *recovered) capture() {
	if v := recover(); v != nil {
		r.mu.Lock()
		if !r.set {
			r.val, r.set = v, true
		}
		r.mu.Unlock()
	}
}

func (r *recovered) repanic() {
	if r.set {
		panic(r.val)
	}
}
