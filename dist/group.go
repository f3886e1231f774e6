// Package dist provides the collectives used by data-parallel training:
// a sum all-reduce over gradients and a one-time broadcast of initial
// parameters. Workers run as goroutines in one process and meet at each
// collective in the same order.
package dist

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

type ReduceOp int

const (
	SUM ReduceOp = iota
)

// Workspace describes one all-reduce: SendBuf is this worker's contribution,
// RecvBuf receives the reduced result. They may alias.
type Workspace struct {
	SendBuf []float64
	RecvBuf []float64
	OP      ReduceOp
	Name    string
}

// Comm is one worker's handle on the group.
type Comm interface {
	Rank() int
	WorldSize() int
	AllReduce(ctx context.Context, w Workspace) error
	// Broadcast overwrites buf on every rank with root's buf.
	Broadcast(ctx context.Context, root int, name string, buf []float64) error
}

// round is one in-flight collective. The last arrival closes done.
type round struct {
	name    string
	size    int
	sum     []float64
	arrived int
	err     error
	done    chan struct{}
}

// Group is an in-process communicator shared by size workers.
type Group struct {
	size int

	mu  sync.Mutex
	cur *round
}

func NewGroup(size int) *Group {
	return &Group{size: size}
}

// Comm returns the handle for rank.
func (g *Group) Comm(rank int) Comm {
	return &groupComm{g: g, rank: rank}
}

func (g *Group) Size() int { return g.size }

// enter joins the current round (creating it if needed) and applies contribute
// under the group lock.
func (g *Group) enter(name string, n int, contribute func(r *round)) *round {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.cur
	if r == nil {
		r = &round{name: name, size: n, sum: make([]float64, n), done: make(chan struct{})}
		g.cur = r
	}
	switch {
	case r.err != nil:
	case r.name != name:
		r.err = errors.Errorf("collective mismatch: %q joined round %q", name, r.name)
	case r.size != n:
		r.err = errors.Errorf("collective %q: buffer length %d, expected %d", name, n, r.size)
	default:
		contribute(r)
	}
	r.arrived++
	if r.arrived == g.size {
		g.cur = nil
		close(r.done)
	}
	return r
}

func wait(ctx context.Context, r *round) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting on collective %q", r.name)
	}
}

type groupComm struct {
	g    *Group
	rank int
}

func (c *groupComm) Rank() int      { return c.rank }
func (c *groupComm) WorldSize() int { return c.g.size }

func (c *groupComm) AllReduce(ctx context.Context, w Workspace) error {
	if w.OP != SUM {
		return errors.Errorf("unsupported reduce op %d", w.OP)
	}
	if len(w.SendBuf) != len(w.RecvBuf) {
		return errors.Errorf("all-reduce %q: send %d != recv %d", w.Name, len(w.SendBuf), len(w.RecvBuf))
	}
	r := c.g.enter("allreduce/"+w.Name, len(w.SendBuf), func(r *round) {
		floats.Add(r.sum, w.SendBuf)
	})
	if err := wait(ctx, r); err != nil {
		return err
	}
	copy(w.RecvBuf, r.sum)
	return nil
}

func (c *groupComm) Broadcast(ctx context.Context, root int, name string, buf []float64) error {
	r := c.g.enter("broadcast/"+name, len(buf), func(r *round) {
		if c.rank == root {
			copy(r.sum, buf)
		}
	})
	if err := wait(ctx, r); err != nil {
		return err
	}
	if c.rank != root {
		copy(buf, r.sum)
	}
	return nil
}

// single is the world-of-one communicator; collectives are no-ops.
type single struct{}

// Single returns the communicator for non-distributed runs.
func Single() Comm { return single{} }

func (single) Rank() int      { return 0 }
func (single) WorldSize() int { return 1 }

func (single) AllReduce(_ context.Context, w Workspace) error {
	if len(w.SendBuf) != len(w.RecvBuf) {
		return errors.Errorf("all-reduce %q: send %d != recv %d", w.Name, len(w.SendBuf), len(w.RecvBuf))
	}
	copy(w.RecvBuf, w.SendBuf)
	return nil
}

func (single) Broadcast(context.Context, int, string, []float64) error { return nil }
