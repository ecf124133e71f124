package background

import "fmt"

// Handle identifies a registry row. The generation changes whenever the row is
// released, so a handle kept after cancellation or completion is rejected
// instead of reaching a reused slot. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) IsZero() bool {
	return h.gen == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.index, h.gen)
}
