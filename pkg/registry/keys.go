package registry

// Keys is the coordination-store namespace of one connector group. Every
// key lives under the group name, so groups can share a store.
type Keys struct {
	Group string
}

func NewKeys(group string) Keys {
	return Keys{Group: group}
}

// Config holds the opaque connector configuration, written by the operator.
func (k Keys) Config() string { return k.Group + "/config" }

// Control holds the pause flag: "paused" or "running". Absent means running.
func (k Keys) Control() string { return k.Group + "/control" }

// EndpointsPrefix is the parent of every live worker registration.
func (k Keys) EndpointsPrefix() string { return k.Group + "/endpoints/" }

func (k Keys) Endpoint(workerID string) string { return k.EndpointsPrefix() + workerID }

// LeaderLock is contended by every worker; the holder rebalances.
func (k Keys) LeaderLock() string { return k.Group + "/leader-lock" }

// Leader holds the current leader's RPC address, bound to its session.
func (k Keys) Leader() string { return k.Group + "/leader" }
