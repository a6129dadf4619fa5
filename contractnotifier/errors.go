package contractnotifier

import "errors"

// ErrNotifierShuttingDown is returned when a subscription is attempted
// while the notifier is stopping.
var ErrNotifierShuttingDown = errors.New("notifier shutting down")
