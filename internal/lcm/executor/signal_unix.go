//go:build !windows

package executor

import "syscall"

// interruptSignal asks the child to stop gracefully; exec.Cmd.WaitDelay
// escalates to a kill when it is ignored.
var interruptSignal = syscall.SIGTERM
