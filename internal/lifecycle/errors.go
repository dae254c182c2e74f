package lifecycle

import "fmt"

// capacityError signals that no worker can host the artifact even after
// eviction attempts.
type capacityError struct {
	id         string
	requiredMB int64
}

func (e capacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: no worker can host %s (%d MB required)", e.id, e.requiredMB)
}

// ErrCapacity constructs a capacity error for the given artifact.
func ErrCapacity(id string, requiredMB int64) error {
	return capacityError{id: id, requiredMB: requiredMB}
}

// IsCapacity reports whether err indicates cluster-wide lack of capacity.
func IsCapacity(err error) bool {
	_, ok := err.(capacityError)
	return ok
}
