package coordinator

// nodeLostError signals an operation against a node that is no longer a
// member (heartbeat timeout or never joined).
type nodeLostError struct{ id string }

func (e nodeLostError) Error() string { return "node lost: " + e.id }

// ErrNodeLost constructs a node-lost error.
func ErrNodeLost(id string) error { return nodeLostError{id: id} }

// IsNodeLost reports whether err indicates a lost or unknown node.
func IsNodeLost(err error) bool {
	_, ok := err.(nodeLostError)
	return ok
}
