package device

import (
	"context"
	"fmt"
)

// Pool hands out handles, each with its own stream, so concurrent invocations
// never share an execution context.
type Pool struct {
	handles chan *Handle
	all     []*Handle
}

// NewPool creates size handles configured by opts.
func NewPool(size int, opts HandleOptions) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("device pool: size must be positive, got %d", size)
	}
	p := &Pool{handles: make(chan *Handle, size)}
	for i := 0; i < size; i++ {
		h := NewHandle(opts)
		h.SetStream(NewStream(opts.Logger))
		p.all = append(p.all, h)
		p.handles <- h
	}
	return p, nil
}

// Size returns the number of handles in the pool.
func (p *Pool) Size() int { return len(p.all) }

// Get checks a handle out, waiting until one is free or ctx is done.
func (p *Pool) Get(ctx context.Context) (*Handle, error) {
	select {
	case h := <-p.handles:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns h to the pool.
func (p *Pool) Put(h *Handle) {
	p.handles <- h
}

// Close stops every handle's stream. Handles must have been returned.
func (p *Pool) Close() {
	for _, h := range p.all {
		if s := h.Stream(); s != nil {
			s.Close()
		}
	}
}
