//go:build windows

package executor

import "os"

// Windows has no graceful process signal; cancellation kills the child
// directly.
var interruptSignal = os.Kill
