package scenario

import (
	"kestrel/kernel/mem/pmm"
)

// ExhaustFrames calls pmm.Alloc until the free list and every page-cache
// eviction candidate are both gone, returning how many frames it managed to
// hand out before the first real out-of-memory error. A file previously
// written through this Harness gives pmm.Alloc something to steal once the
// free list itself runs dry, so the count returned here is expected to run
// past FreeFrames()'s starting value - that gap is the scenario.
func (h *Harness) ExhaustFrames() (allocated int) {
	for {
		if _, kerr := pmm.Alloc(); kerr != nil {
			return allocated
		}
		allocated++
	}
}
