package placement

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/disk"
)

// DiskCapacity reads free space of local node directories. Paths maps a node
// address to the directory its data lives in.
type DiskCapacity struct {
	Paths map[string]string
}

func (d DiskCapacity) FreeBytes(ctx context.Context, node string) (uint64, error) {
	path, ok := d.Paths[node]
	if !ok {
		return 0, fmt.Errorf("no data path known for node %q", node)
	}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("disk usage of %s: %w", path, err)
	}
	return usage.Free, nil
}
