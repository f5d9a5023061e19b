package browser

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryProbe returns available system memory in bytes.
type MemoryProbe func(ctx context.Context) (uint64, error)

// SystemMemory reads available memory via gopsutil.
func SystemMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read virtual memory: %w", err)
	}
	return vm.Available, nil
}

// CapacityGuard refuses new browsers when free memory drops under a floor.
type CapacityGuard struct {
	MinFreeBytes uint64
	Probe        MemoryProbe
}

// Check returns ErrInsufficientMemory when the floor is not met.
func (g CapacityGuard) Check(ctx context.Context) error {
	if g.MinFreeBytes == 0 {
		return nil
	}
	probe := g.Probe
	if probe == nil {
		probe = SystemMemory
	}
	available, err := probe(ctx)
	if err != nil {
		return err
	}
	if available < g.MinFreeBytes {
		return fmt.Errorf("%w: %d MiB available, %d MiB required",
			ErrInsufficientMemory, available>>20, g.MinFreeBytes>>20)
	}
	return nil
}
