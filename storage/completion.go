package storage

import (
	"golang.org/x/sync/errgroup"
)

// Completion tracks a batch of asynchronous writes.
type Completion struct {
	done chan struct{}
	n    int
	err  error
}

// submit runs write for every request with at most depth in flight.
func submit(reqs []Write, depth int, write func(Write) error) *Completion {
	c := &Completion{done: make(chan struct{}), n: len(reqs)}
	if len(reqs) == 0 {
		close(c.done)
		return c
	}
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	go func() {
		var g errgroup.Group
		g.SetLimit(depth)
		for _, r := range reqs {
			r := r
			g.Go(func() error { return write(r) })
		}
		c.err = g.Wait()
		close(c.done)
	}()
	return c
}

// Len returns the number of writes in the batch.
func (c *Completion) Len() int {
	return c.n
}

// Poll reports whether every write has finished.
func (c *Completion) Poll() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until every write has finished and returns the first error.
func (c *Completion) Wait() error {
	<-c.done
	return c.err
}
