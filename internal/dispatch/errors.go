package dispatch

import "errors"

// ErrNoLeaseAvailable is returned by the lease coordinator when no runtime
// is free for the requested harness right now.
var ErrNoLeaseAvailable = errors.New("dispatch: no runtime lease available")

// ErrQueueSaturated signals that a task's queue depth exceeds its
// configured ceiling; the run is left queued, not rejected.
var ErrQueueSaturated = errors.New("dispatch: queue saturated: backpressure applied")
