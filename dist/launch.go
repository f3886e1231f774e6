package dist

import (
	"context"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/b0tShaman/neuro-fsdet/ml"
)

// WorkerFunc is the body run once per device.
type WorkerFunc func(ctx context.Context, comm Comm) error

// AvailableDevices is the number of logical cores a run may spread over.
func AvailableDevices() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Launch runs worker once per device, each with its own rank in a shared
// group. The first failure cancels the others; Launch returns it.
func Launch(ctx context.Context, logger klog.Logger, devices int, worker WorkerFunc) error {
	if devices < 1 {
		return errors.Errorf("device count must be positive, got %d", devices)
	}
	if avail := AvailableDevices(); devices > avail {
		logger.Info("More workers than logical cores, workers will share cores", "devices", devices, "cores", avail)
	}
	logger.Info("Launching workers", "devices", devices, "cpu", cpuid.CPU.BrandName)

	group := NewGroup(devices)
	eg, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < devices; rank++ {
		comm := group.Comm(rank)
		eg.Go(func() error {
			return errors.WithMessagef(worker(ctx, comm), "worker %d", comm.Rank())
		})
	}
	return eg.Wait()
}

// AllReduceCallback sums each attached gradient across the group.
func AllReduceCallback(comm Comm) ml.GradCallback {
	return func(ctx context.Context, p *ml.Parameter) error {
		buf := p.EnsureGrad().Data()
		return comm.AllReduce(ctx, Workspace{SendBuf: buf, RecvBuf: buf, OP: SUM, Name: p.Name})
	}
}

// BroadcastParameters copies root's parameter values to every rank.
func BroadcastParameters(ctx context.Context, comm Comm, root int, params []*ml.Parameter) error {
	for _, p := range params {
		if err := comm.Broadcast(ctx, root, p.Name, p.Value.Data()); err != nil {
			return errors.Wrapf(err, "broadcast %s", p.Name)
		}
	}
	return nil
}
