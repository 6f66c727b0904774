// Package parallel provides the data-parallel launch grid used by the
// flash attention kernels.
//
// A kernel launch enumerates every point of a 3-D grid and runs one
// work item per point. Work items are independent: they never
// communicate and may run in any order, so the launcher is free to
// schedule them across a bounded pool of goroutines.
package parallel

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Grid describes the shape of a kernel launch.
type Grid struct {
	X int // Outer parallel axis (e.g. sequence tiles).
	Y int // Middle axis (e.g. batch).
	Z int // Inner axis (e.g. heads, or batch*heads).
}

// Size returns the total number of work items.
func (g Grid) Size() int {
	return g.X * g.Y * g.Z
}

// Validate checks that every grid axis is positive.
func (g Grid) Validate() error {
	if g.X <= 0 || g.Y <= 0 || g.Z <= 0 {
		return fmt.Errorf("invalid launch grid (%d, %d, %d): all axes must be > 0", g.X, g.Y, g.Z)
	}
	return nil
}

// Launch runs fn once per grid point using at most workers
// goroutines, and blocks until every work item has finished.
//
// The first error returned by a work item aborts the launch as a
// whole; there is no partial-success mode. workers <= 0 selects
// one worker per CPU.
func Launch(grid Grid, workers int, fn func(x, y, z int) error) error {
	if err := grid.Validate(); err != nil {
		return err
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var eg errgroup.Group
	eg.SetLimit(workers)

	for z := 0; z < grid.Z; z++ {
		for y := 0; y < grid.Y; y++ {
			for x := 0; x < grid.X; x++ {
				x, y, z := x, y, z
				eg.Go(func() error {
					return fn(x, y, z)
				})
			}
		}
	}
	return eg.Wait()
}
