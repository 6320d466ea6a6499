// Package feltcapi holds the allocation primitives shared by the compiler's
// packages.
package feltcapi

const poolPageSize = 128

// Pool is a page-backed arena of T. Entities handed out by Allocate stay
// valid until Reset, and every entity can be revisited through its dense
// allocation index via View, which is how the IR packages address
// graph-shaped structures with plain integer handles instead of shared
// pointers.
type Pool[T any] struct {
	pages [][]T
	n     int
}

// NewPool returns an empty Pool.
func NewPool[T any]() Pool[T] {
	return Pool[T]{}
}

// Allocated returns the number of T allocated from the pool so far.
func (p *Pool[T]) Allocated() int { return p.n }

// Allocate hands out the next T. Pages are appended on demand and, after a
// Reset, reused zeroed.
func (p *Pool[T]) Allocate() *T {
	page, idx := p.n/poolPageSize, p.n%poolPageSize
	if page == len(p.pages) {
		p.pages = append(p.pages, make([]T, poolPageSize))
	}
	p.n++
	return &p.pages[page][idx]
}

// View returns the pointer to the i-th item allocated from the pool.
func (p *Pool[T]) View(i int) *T {
	return &p.pages[i/poolPageSize][i%poolPageSize]
}

// Reset invalidates all allocated entities. The backing pages are zeroed and
// retained, so compiling the next function on the same pool allocates nothing
// in the common case.
func (p *Pool[T]) Reset() {
	for _, page := range p.pages {
		clear(page)
	}
	p.n = 0
}
