package calculatesuggestions

import (
	"context"
	"sync"

	"site-expansion/internal/models"
)

// Pool lends each caller a Calculator of its own. Callers beyond the pool
// size wait for a free calculator instead of hitting a busy actor.
type Pool struct {
	idle      chan *Calculator
	all       []*Calculator
	closeOnce sync.Once
}

func NewPool(size int, opts CalculatorOptions) *Pool {
	if size < 1 {
		size = 1
	}
	calcs := make([]*Calculator, size)
	for i := range calcs {
		calcs[i] = NewCalculator(opts)
	}
	return newPool(calcs)
}

func newPool(calcs []*Calculator) *Pool {
	p := &Pool{idle: make(chan *Calculator, len(calcs)), all: calcs}
	for _, c := range calcs {
		p.idle <- c
	}
	return p
}

func (p *Pool) Size() int { return len(p.all) }

// CalculateWithFallback borrows a calculator for the duration of one request.
func (p *Pool) CalculateWithFallback(ctx context.Context, req *models.SuggestionRequest) (*models.SuggestionResponse, error) {
	var c *Calculator
	select {
	case c = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.idle <- c }()

	return c.CalculateWithFallback(ctx, req)
}

// Close stops every actor. Later requests rank synchronously.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		for _, c := range p.all {
			c.Close()
		}
	})
}
